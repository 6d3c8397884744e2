package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/pricing"
	"github.com/terminal-bench/leasehub/internal/store"
)

// DefaultETA is the rebate bonus per credit point
const DefaultETA int64 = 1

// Result summarises one settlement pass
type Result struct {
	Settled   int
	Confirmed int
}

// Engine settles pending charges. A pass first records every charge as a
// settlement in the store, then pushes the rebates of unconfirmed
// settlements to the ledger. A rebate that reached the ledger but was not
// confirmed is sent again with the same reference.
type Engine struct {
	store   store.Store
	ledger  ledger.Client
	eta     int64
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewEngine creates a settlement engine
func NewEngine(st store.Store, lc ledger.Client, eta int64, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		ledger:  lc,
		eta:     eta,
		metrics: m,
		log:     log.With().Str("component", "settlement").Logger(),
	}
}

func (e *Engine) rebate(charge int64, credit int) int64 {
	return pricing.Rebate(charge, credit, e.eta)
}

// Settle runs one pass. Failures of single charges are logged, skipped and
// returned joined; the remaining charges are still processed.
func (e *Engine) Settle(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)

	charges, err := e.store.PendingCharges(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list pending charges: %w", err)
	}
	for _, c := range charges {
		st, err := e.store.SettleCharge(ctx, c, e.rebate)
		if err != nil {
			e.log.Error().Err(err).Str("charge", c.ID).Msg("failed to settle charge")
			errs = append(errs, err)
			continue
		}
		res.Settled++
		if e.metrics != nil {
			e.metrics.Settlements.Inc()
			e.metrics.Rebated.Add(float64(st.Rebate))
		}
	}

	unconfirmed, err := e.store.UnconfirmedSettlements(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list unconfirmed settlements: %w", err))
		return res, errors.Join(errs...)
	}
	for _, st := range unconfirmed {
		if err := e.ledger.AdjustBalance(ctx, st.Account, st.Rebate, true, ledger.SettlementReference(st.ID)); err != nil {
			e.log.Error().Err(err).Str("charge", st.ID).Msg("rebate not applied on ledger, will retry")
			errs = append(errs, err)
			continue
		}
		if err := e.store.ConfirmSettlement(ctx, st.ID); err != nil {
			e.log.Error().Err(err).Str("charge", st.ID).Msg("rebate applied but not confirmed")
			errs = append(errs, err)
			continue
		}
		res.Confirmed++
	}

	if res.Settled > 0 || res.Confirmed > 0 {
		e.log.Info().Int("settled", res.Settled).Int("confirmed", res.Confirmed).Msg("settlement pass done")
	}
	return res, errors.Join(errs...)
}

// Run settles every interval until ctx is done
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Settle(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn().Err(err).Msg("settlement pass incomplete")
			}
		}
	}
}
