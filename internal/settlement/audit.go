package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/store"
)

// Mismatch is an account whose ledger usage differs from its allocations
type Mismatch struct {
	Kind    models.ResourceKind
	Account common.Address
	Ledger  int64
	Store   int64
}

// Auditor compares ledger usage with the allocations in the store
type Auditor struct {
	store   store.Store
	ledger  ledger.Client
	kinds   []models.ResourceKind
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewAuditor creates an auditor for kinds
func NewAuditor(st store.Store, lc ledger.Client, kinds []models.ResourceKind, m *metrics.Metrics, log zerolog.Logger) *Auditor {
	return &Auditor{
		store:   st,
		ledger:  lc,
		kinds:   kinds,
		metrics: m,
		log:     log.With().Str("component", "audit").Logger(),
	}
}

// Audit returns every mismatch found. Mismatches are logged.
func (a *Auditor) Audit(ctx context.Context) ([]Mismatch, error) {
	accounts, err := a.store.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var out []Mismatch
	for _, kind := range a.kinds {
		allocated, err := a.store.AllocatedByAccount(ctx, kind)
		if err != nil {
			return out, fmt.Errorf("failed to sum %s allocations: %w", kind, err)
		}

		found := 0
		for _, acct := range accounts {
			usage, err := a.ledger.Usage(ctx, kind, acct.Address)
			if err != nil {
				return out, err
			}
			if usage == allocated[acct.Address] {
				continue
			}
			m := Mismatch{Kind: kind, Account: acct.Address, Ledger: usage, Store: allocated[acct.Address]}
			out = append(out, m)
			found++
			a.log.Warn().Str("kind", string(kind)).Str("account", acct.Address.Hex()).
				Int64("ledger", usage).Int64("store", m.Store).Msg("usage mismatch")
		}
		if a.metrics != nil {
			a.metrics.Mismatches.WithLabelValues(string(kind)).Set(float64(found))
		}
	}
	return out, nil
}

// Run audits every interval until ctx is done
func (a *Auditor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Audit(ctx); err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Msg("audit failed")
			}
		}
	}
}
