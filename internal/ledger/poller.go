package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

// Handler processes one event. Returned errors are logged; the event is not
// redelivered.
type Handler func(ctx context.Context, e *messaging.Event) error

// Claimer records which events were already handled
type Claimer interface {
	// Claim returns true the first time it sees id
	Claim(ctx context.Context, id string) (bool, error)
}

// Poller feeds the events of one topic to a handler
type Poller struct {
	client   Client
	topic    string
	batch    int
	interval time.Duration
	claims   Claimer
	handle   Handler
	log      zerolog.Logger
}

// NewPoller creates a poller. interval is the pause after an empty or failed
// fetch. claims may be nil.
func NewPoller(client Client, topic string, batch int, interval time.Duration, claims Claimer, handle Handler, log zerolog.Logger) *Poller {
	if batch <= 0 {
		batch = 16
	}
	return &Poller{
		client:   client,
		topic:    topic,
		batch:    batch,
		interval: interval,
		claims:   claims,
		handle:   handle,
		log:      log.With().Str("topic", topic).Logger(),
	}
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().Msg("poller started")
	defer p.log.Info().Msg("poller stopped")

	for {
		n, err := p.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.log.Error().Err(err).Msg("fetch failed")
		}
		if err != nil || n == 0 {
			if !sleep(ctx, p.interval) {
				return nil
			}
		}
	}
}

// Poll fetches and handles one batch and returns how many events it saw
func (p *Poller) Poll(ctx context.Context) (int, error) {
	events, err := p.client.Fetch(ctx, p.topic, p.batch)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		if ctx.Err() != nil {
			return len(events), ctx.Err()
		}
		if p.claims != nil {
			first, err := p.claims.Claim(ctx, e.ID.String())
			if err != nil {
				p.log.Warn().Err(err).Str("event", e.ID.String()).Msg("dedup unavailable, handling anyway")
			} else if !first {
				p.log.Debug().Str("event", e.ID.String()).Msg("skipping duplicate event")
				continue
			}
		}

		if err := p.handle(ctx, e); err != nil {
			p.logFailure(e, err)
		}
	}
	return len(events), nil
}

func (p *Poller) logFailure(e *messaging.Event, err error) {
	var ev *zerolog.Event
	switch {
	case models.IsRejection(err), errors.Is(err, models.ErrUnknownGrant):
		ev = p.log.Info()
	default:
		ev = p.log.Error()
	}
	ev.Err(err).Str("event", e.ID.String()).Uint64("block", e.Block).Msg("event not applied")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
