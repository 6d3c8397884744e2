package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/circuit"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

// Stream is the JetStream stream carrying ledger events
const Stream = "LEDGER"

const (
	eventPrefix = "ledger.events."
	txPrefix    = "ledger.tx."
	queryPrefix = "ledger.query."
)

// EventSubject returns the subject events of topic are published on
func EventSubject(topic string) string {
	return eventPrefix + topic
}

// Bus is the subset of the messaging client the ledger needs
type Bus interface {
	EnsureStream(name string, subjects ...string) error
	Fetch(ctx context.Context, subject, durable string, batch int, wait time.Duration) ([][]byte, error)
	Request(ctx context.Context, subject string, data, reply interface{}) error
	IsConnected() bool
}

var _ Bus = (*messaging.Client)(nil)

// NATSConfig configures the NATS ledger client
type NATSConfig struct {
	// Durable prefixes the consumer names so restarts resume where they stopped
	Durable   string
	FetchWait time.Duration
	Policy    circuit.Policy
}

// NATSClient implements Client over NATS
type NATSClient struct {
	bus   Bus
	cfg   NATSConfig
	guard *circuit.Guard
	log   zerolog.Logger
}

var _ Client = (*NATSClient)(nil)

// NewNATSClient creates the ledger stream if missing and returns a client
func NewNATSClient(bus Bus, cfg NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	if cfg.Durable == "" {
		cfg.Durable = "leasehub"
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}
	if err := bus.EnsureStream(Stream, eventPrefix+">"); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrConnectionLost, err)
	}

	return &NATSClient{
		bus: bus,
		cfg: cfg,
		guard: circuit.NewGuard(circuit.Config{
			Name:        "ledger",
			MaxFailures: 5,
			Timeout:     15 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				log.Warn().Str("op", name).Stringer("from", from).Stringer("to", to).Msg("ledger breaker changed state")
			},
		}, cfg.Policy),
		log: log.With().Str("component", "ledger").Logger(),
	}, nil
}

func (c *NATSClient) durable(topic string) string {
	return c.cfg.Durable + "-" + strings.ReplaceAll(topic, ".", "-")
}

func (c *NATSClient) Fetch(ctx context.Context, topic string, max int) ([]*messaging.Event, error) {
	raw, err := c.bus.Fetch(ctx, EventSubject(topic), c.durable(topic), max, c.cfg.FetchWait)
	if errors.Is(err, messaging.ErrNoMessages) {
		return nil, nil
	}
	if err != nil && len(raw) == 0 {
		if !c.bus.IsConnected() {
			return nil, fmt.Errorf("%w: %w", models.ErrConnectionLost, err)
		}
		return nil, err
	}
	if err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("partial fetch")
	}

	events := make([]*messaging.Event, 0, len(raw))
	for _, data := range raw {
		e, err := messaging.DecodeEvent(data)
		if err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("dropping malformed event")
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

type accountQuery struct {
	Account common.Address      `json:"account"`
	Kind    models.ResourceKind `json:"kind,omitempty"`
}

func (c *NATSClient) query(ctx context.Context, op string, q accountQuery) (int64, error) {
	var res QueryResult
	err := c.guard.Do(ctx, op, func(ctx context.Context) error {
		res = QueryResult{}
		if err := c.bus.Request(ctx, queryPrefix+op, q, &res); err != nil {
			return err
		}
		if res.Error != "" {
			return circuit.Permanent(errors.New(res.Error))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", models.ErrLedgerTransaction, op, q.Account.Hex(), err)
	}
	return res.Value, nil
}

func (c *NATSClient) BalanceOf(ctx context.Context, account common.Address) (int64, error) {
	return c.query(ctx, "balance", accountQuery{Account: account})
}

func (c *NATSClient) Usage(ctx context.Context, kind models.ResourceKind, account common.Address) (int64, error) {
	return c.query(ctx, "usage", accountQuery{Account: account, Kind: kind})
}

// txRequest is the body of every transaction. RequestID stays the same across
// retries of one call.
type txRequest struct {
	RequestID string              `json:"request_id"`
	Account   common.Address      `json:"account"`
	Kind      models.ResourceKind `json:"kind,omitempty"`
	Amount    int64               `json:"amount,omitempty"`
	Increase  bool                `json:"increase,omitempty"`
	Reference string              `json:"reference,omitempty"`
	Frozen    bool                `json:"frozen,omitempty"`
	GrantID   string              `json:"grant_id,omitempty"`
	Accepted  bool                `json:"accepted,omitempty"`
	IP        string              `json:"ip,omitempty"`
	MAC       string              `json:"mac,omitempty"`
}

func (c *NATSClient) transact(ctx context.Context, op string, req txRequest) error {
	req.RequestID = uuid.NewString()

	var receipt Receipt
	err := c.guard.Do(ctx, op, func(ctx context.Context) error {
		receipt = Receipt{}
		if err := c.bus.Request(ctx, txPrefix+op, req, &receipt); err != nil {
			return err
		}
		if !receipt.Succeeded() {
			return circuit.Permanent(fmt.Errorf("transaction %s %s: %s", receipt.TxHash, receipt.Status, receipt.Error))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", models.ErrLedgerTransaction, op, req.Account.Hex(), err)
	}

	c.log.Debug().Str("op", op).Str("tx", receipt.TxHash).Str("account", req.Account.Hex()).Msg("ledger transaction applied")
	return nil
}

func (c *NATSClient) AdjustBalance(ctx context.Context, account common.Address, delta int64, increase bool, reference string) error {
	return c.transact(ctx, "adjust_balance", txRequest{
		Account:   account,
		Amount:    delta,
		Increase:  increase,
		Reference: reference,
	})
}

func (c *NATSClient) ReleaseUsage(ctx context.Context, kind models.ResourceKind, account common.Address, amount int64) error {
	return c.transact(ctx, "release_usage", txRequest{
		Account: account,
		Kind:    kind,
		Amount:  amount,
	})
}

func (c *NATSClient) Freeze(ctx context.Context, account common.Address, frozen bool) error {
	return c.transact(ctx, "freeze", txRequest{Account: account, Frozen: frozen})
}

func (c *NATSClient) AnswerPetition(ctx context.Context, kind models.ResourceKind, account common.Address, amount int64, grantID string, accepted bool) error {
	return c.transact(ctx, "answer_petition", txRequest{
		Account:  account,
		Kind:     kind,
		Amount:   amount,
		GrantID:  grantID,
		Accepted: accepted,
	})
}

func (c *NATSClient) AnswerRegistration(ctx context.Context, account common.Address, ip, mac string, accepted bool) error {
	return c.transact(ctx, "answer_registration", txRequest{
		Account:  account,
		IP:       ip,
		MAC:      mac,
		Accepted: accepted,
	})
}

// Ping checks the ledger answers queries
func (c *NATSClient) Ping(ctx context.Context) error {
	if !c.bus.IsConnected() {
		return models.ErrConnectionLost
	}
	_, err := c.BalanceOf(ctx, common.Address{})
	return err
}

// States exposes the breaker state of every ledger operation
func (c *NATSClient) States() map[string]circuit.State {
	return c.guard.States()
}
