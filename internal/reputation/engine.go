package reputation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/metrics"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/internal/store"
)

// Penalty is the credit lost per reported violation
const Penalty = 5

// maxViolations caps the count taken from one report entry; it is enough to
// take any account from full credit to zero
const maxViolations = models.MaxCredit

// Summary counts what one report changed
type Summary struct {
	Penalized int
	Restored  int
	Blocked   int
}

// Engine turns behavior reports into credit changes. Reports are applied one
// at a time.
type Engine struct {
	store   store.Store
	ledger  ledger.Client
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu sync.Mutex
}

// NewEngine creates a reputation engine
func NewEngine(st store.Store, lc ledger.Client, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		ledger:  lc,
		metrics: m,
		log:     log.With().Str("component", "reputation").Logger(),
	}
}

// Apply updates every known account from report. Accounts with violations
// lose Penalty credit per violation and are blocked and frozen on the ledger
// when their credit reaches zero. Accounts without violations regain one
// point up to MaxCredit. Blocked accounts are never restored, and an account
// left with zero credit is blocked even without violations.
func (e *Engine) Apply(ctx context.Context, report models.Report) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int, len(report))
	for mac, n := range report {
		if n <= 0 {
			continue
		}
		key := strings.ToLower(mac)
		counts[key] = min(counts[key], maxViolations) + min(n, maxViolations)
	}

	accounts, err := e.store.Accounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	var (
		sum  Summary
		errs []error
	)
	for _, acct := range accounts {
		count := counts[strings.ToLower(acct.MAC)]
		blocked := false

		err := e.store.UpdateAccount(ctx, acct.Address, func(ctx context.Context, a models.Account) (models.Account, error) {
			switch {
			case count > a.Credit/Penalty:
				a.Credit = 0
			case count > 0:
				a.Credit -= Penalty * count
			case !a.Blocked && a.Credit > 0:
				a.Credit = min(a.Credit+1, models.MaxCredit)
			}
			if a.Blocked {
				a.Credit = 0
			}
			if a.Credit > 0 {
				return a, nil
			}

			a.Credit = 0
			if !a.Blocked {
				if err := e.ledger.Freeze(ctx, a.Address, true); err != nil {
					return a, err
				}
				blocked = true
			}
			a.Blocked = true
			return a, nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("account", acct.Address.Hex()).Msg("failed to update credit")
			errs = append(errs, err)
			continue
		}

		switch {
		case blocked:
			sum.Blocked++
			if count > 0 {
				sum.Penalized++
			}
			if e.metrics != nil {
				e.metrics.Blocked.Inc()
			}
			e.log.Warn().Str("account", acct.Address.Hex()).Str("mac", acct.MAC).Int("violations", count).Msg("account blocked")
		case count > 0:
			sum.Penalized++
			e.log.Info().Str("account", acct.Address.Hex()).Int("violations", count).Msg("credit decreased")
		case !acct.Blocked && acct.Credit > 0 && acct.Credit < models.MaxCredit:
			sum.Restored++
		}
	}

	if e.metrics != nil {
		e.metrics.Reports.Inc()
	}
	return sum, errors.Join(errs...)
}
