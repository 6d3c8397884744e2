package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/pool"
	"github.com/terminal-bench/leasehub/internal/pricing"
	"github.com/terminal-bench/leasehub/internal/store"
	"github.com/terminal-bench/leasehub/pkg/messaging"
	"golang.org/x/sync/errgroup"
)

// Config describes the pool an allocator manages
type Config struct {
	Kind      models.ResourceKind
	Capacity  int64
	BasePrice int64
}

// Allocator decides lease petitions and frees grants for one resource kind.
// Every decision holds the pool lock from the capacity check until the pool
// counter is updated.
type Allocator struct {
	kind    models.ResourceKind
	base    int64
	pool    *pool.Pool
	store   store.Store
	ledger  ledger.Client
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates an allocator. The pool starts with the capacity not already
// held by allocations in the store.
func New(ctx context.Context, cfg Config, st store.Store, lc ledger.Client, m *metrics.Metrics, log zerolog.Logger) (*Allocator, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown resource kind %q", cfg.Kind)
	}
	if cfg.BasePrice <= 0 {
		return nil, fmt.Errorf("invalid base price %d for %s", cfg.BasePrice, cfg.Kind)
	}

	inUse, err := st.AllocatedTotal(ctx, cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to recover %s pool: %w", cfg.Kind, err)
	}
	p, err := pool.New(cfg.Kind, cfg.Capacity, inUse)
	if err != nil {
		return nil, err
	}

	a := &Allocator{
		kind:    cfg.Kind,
		base:    cfg.BasePrice,
		pool:    p,
		store:   st,
		ledger:  lc,
		metrics: m,
		log:     log.With().Str("component", "allocator").Str("kind", string(cfg.Kind)).Logger(),
	}
	a.log.Info().Int64("capacity", cfg.Capacity).Int64("in_use", inUse).Msg("pool recovered")
	return a, nil
}

// Kind returns the resource kind of the allocator
func (a *Allocator) Kind() models.ResourceKind {
	return a.kind
}

// Pool returns the pool the allocator owns
func (a *Allocator) Pool() *pool.Pool {
	return a.pool
}

// Petition decides a lease petition. On acceptance the grant is persisted,
// charged and answered on the ledger before the pool is debited. Rejections
// are answered on the ledger and returned as errors.
func (a *Allocator) Petition(ctx context.Context, args ledger.PetitionArgs) (models.Grant, error) {
	var grant models.Grant

	err := a.pool.Decide(func(available int64) (int64, error) {
		if args.Amount <= 0 || args.Amount > available {
			return 0, a.reject(ctx, args, fmt.Errorf("%w: %d requested, %d available",
				models.ErrCapacityExceeded, args.Amount, available))
		}

		account, err := a.store.Account(ctx, args.Account)
		if errors.Is(err, models.ErrUnknownAccount) {
			return 0, a.reject(ctx, args, err)
		}
		if err != nil {
			return 0, err
		}
		if account.Blocked || account.Credit <= 0 {
			return 0, a.reject(ctx, args, fmt.Errorf("%w: %s", models.ErrAccountBlocked, account.Address.Hex()))
		}

		price, err := pricing.Price(a.base, args.Amount, available, account.Credit)
		if err != nil {
			return 0, err
		}
		balance, err := a.ledger.BalanceOf(ctx, args.Account)
		if err != nil {
			return 0, err
		}
		if balance < price {
			return 0, a.reject(ctx, args, fmt.Errorf("%w: price %d, balance %d",
				models.ErrInsufficientBalance, price, balance))
		}

		g := models.Grant{
			ID:      uuid.NewString(),
			Account: args.Account,
			Kind:    a.kind,
			Amount:  args.Amount,
		}
		confirmed := false
		err = a.store.CreateGrant(ctx, g, price, func(ctx context.Context) error {
			if err := a.ledger.AdjustBalance(ctx, g.Account, price, false, ledger.GrantReference(g.ID)); err != nil {
				return err
			}
			if err := a.ledger.AnswerPetition(ctx, a.kind, g.Account, g.Amount, g.ID, true); err != nil {
				return err
			}
			confirmed = true
			return nil
		})
		if err != nil {
			if confirmed {
				a.log.Error().Err(err).Str("grant", g.ID).Str("account", g.Account.Hex()).Int64("price", price).
					Msg("ledger accepted the grant but the store did not commit it")
			}
			return 0, err
		}

		grant = g
		a.log.Info().Str("grant", g.ID).Str("account", g.Account.Hex()).
			Int64("amount", g.Amount).Int64("price", price).Int64("available", available-g.Amount).
			Msg("petition accepted")
		return g.Amount, nil
	})

	if a.metrics != nil {
		a.metrics.Petitions.WithLabelValues(string(a.kind), metrics.Outcome(err)).Inc()
	}
	if err != nil {
		return models.Grant{}, err
	}
	return grant, nil
}

// reject answers a petition negatively and returns cause
func (a *Allocator) reject(ctx context.Context, args ledger.PetitionArgs, cause error) error {
	if err := a.ledger.AnswerPetition(ctx, a.kind, args.Account, args.Amount, "", false); err != nil {
		a.log.Error().Err(err).Str("account", args.Account.Hex()).Msg("failed to answer rejected petition")
	}
	return cause
}

// Release frees a grant. The pool is credited once the allocation is gone
// from the store, even if the ledger does not acknowledge the release.
func (a *Allocator) Release(ctx context.Context, args ledger.FreeArgs) error {
	err := a.pool.Return(func() (int64, error) {
		g, err := a.store.DeleteGrant(ctx, a.kind, args.GrantID, args.Account)
		if err != nil {
			return 0, err
		}
		if err := a.ledger.ReleaseUsage(ctx, a.kind, g.Account, g.Amount); err != nil {
			a.log.Error().Err(err).Str("grant", g.ID).Str("account", g.Account.Hex()).Int64("amount", g.Amount).
				Msg("grant freed but ledger usage not released")
			return g.Amount, err
		}
		a.log.Info().Str("grant", g.ID).Str("account", g.Account.Hex()).Int64("amount", g.Amount).Msg("grant freed")
		return g.Amount, nil
	})

	if a.metrics != nil {
		a.metrics.Releases.WithLabelValues(string(a.kind), metrics.Outcome(err)).Inc()
	}
	return err
}

// HandlePetition decodes a petition event and decides it
func (a *Allocator) HandlePetition(ctx context.Context, e *messaging.Event) error {
	args, err := messaging.ParseEventData[ledger.PetitionArgs](e)
	if err != nil {
		return err
	}
	_, err = a.Petition(ctx, *args)
	return err
}

// HandleFree decodes a free event and releases the grant
func (a *Allocator) HandleFree(ctx context.Context, e *messaging.Event) error {
	args, err := messaging.ParseEventData[ledger.FreeArgs](e)
	if err != nil {
		return err
	}
	return a.Release(ctx, *args)
}

// Run consumes the petition and free topics of the allocator's kind until
// ctx is done
func (a *Allocator) Run(ctx context.Context, interval time.Duration, batch int, claims ledger.Claimer) error {
	petitions, err := ledger.PetitionTopic(a.kind)
	if err != nil {
		return err
	}
	frees, err := ledger.FreeTopic(a.kind)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ledger.NewPoller(a.ledger, petitions, batch, interval, claims, a.HandlePetition, a.log).Run(ctx)
	})
	g.Go(func() error {
		return ledger.NewPoller(a.ledger, frees, batch, interval, claims, a.HandleFree, a.log).Run(ctx)
	})
	return g.Wait()
}
