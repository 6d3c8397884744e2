package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/terminal-bench/leasehub/internal/models"
)

// Memory implements Store in process memory. A single mutex plays the role
// of the database transaction. It backs the server's dev mode and the engine
// tests.
type Memory struct {
	mu          sync.Mutex
	accounts    map[common.Address]models.Account
	grants      map[string]models.Grant
	charges     map[string]models.PendingCharge
	settlements map[string]models.Settlement

	failNext bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[common.Address]models.Account),
		grants:      make(map[string]models.Grant),
		charges:     make(map[string]models.PendingCharge),
		settlements: make(map[string]models.Settlement),
	}
}

// FailNextTransaction makes the next transaction roll back
func (m *Memory) FailNextTransaction() {
	m.mu.Lock()
	m.failNext = true
	m.mu.Unlock()
}

// must be called with m.mu held
func (m *Memory) injectedFailure() error {
	if m.failNext {
		m.failNext = false
		return fmt.Errorf("%w: injected failure", models.ErrStoreTransaction)
	}
	return nil
}

// PutAccount inserts or replaces an account
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Address] = a
}

// Grant returns an allocation by id
func (m *Memory) Grant(id string) (models.Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	return g, ok
}

// Charge returns a pending charge by id
func (m *Memory) Charge(id string) (models.PendingCharge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[id]
	return c, ok
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) Account(_ context.Context, addr common.Address) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[addr]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", models.ErrUnknownAccount, addr.Hex())
	}
	return a, nil
}

func (m *Memory) Accounts(context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.Hex() < accounts[j].Address.Hex()
	})
	return accounts, nil
}

func (m *Memory) Register(_ context.Context, reg models.Registration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return false, err
	}
	if a, ok := m.accounts[reg.Account]; ok {
		a.MAC, a.IP = reg.MAC, reg.IP
		m.accounts[reg.Account] = a
		return false, nil
	}
	m.accounts[reg.Account] = models.Account{
		Address: reg.Account,
		MAC:     reg.MAC,
		IP:      reg.IP,
		Balance: reg.Balance,
		Credit:  models.InitialCredit,
	}
	return true, nil
}

func (m *Memory) CreateGrant(ctx context.Context, g models.Grant, price int64, confirm func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}
	a, ok := m.accounts[g.Account]
	if !ok {
		return fmt.Errorf("%w: no account %s", models.ErrStoreTransaction, g.Account.Hex())
	}
	if _, dup := m.grants[g.ID]; dup {
		return fmt.Errorf("%w: duplicate grant %s", models.ErrStoreTransaction, g.ID)
	}

	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return err
		}
	}

	a.Balance -= price
	m.accounts[g.Account] = a
	m.grants[g.ID] = g
	m.charges[g.ID] = models.PendingCharge{ID: g.ID, Account: g.Account, Amount: price}
	return nil
}

func (m *Memory) DeleteGrant(_ context.Context, kind models.ResourceKind, id string, account common.Address) (models.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[id]
	if !ok || g.Kind != kind || g.Account != account {
		return models.Grant{}, fmt.Errorf("%w: %s", models.ErrUnknownGrant, id)
	}
	if err := m.injectedFailure(); err != nil {
		return models.Grant{}, err
	}
	delete(m.grants, id)
	return g, nil
}

func (m *Memory) AllocatedTotal(_ context.Context, kind models.ResourceKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, g := range m.grants {
		if g.Kind == kind {
			total += g.Amount
		}
	}
	return total, nil
}

func (m *Memory) AllocatedByAccount(_ context.Context, kind models.ResourceKind) (map[common.Address]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := make(map[common.Address]int64)
	for _, g := range m.grants {
		if g.Kind == kind {
			totals[g.Account] += g.Amount
		}
	}
	return totals, nil
}

func (m *Memory) PendingCharges(context.Context) ([]models.PendingCharge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	charges := make([]models.PendingCharge, 0, len(m.charges))
	for _, c := range m.charges {
		charges = append(charges, c)
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].ID < charges[j].ID })
	return charges, nil
}

func (m *Memory) SettleCharge(_ context.Context, charge models.PendingCharge, rebate RebateFunc) (models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return models.Settlement{}, err
	}
	a, ok := m.accounts[charge.Account]
	if !ok {
		return models.Settlement{}, fmt.Errorf("%w: no account %s", models.ErrStoreTransaction, charge.Account.Hex())
	}

	st, done := m.settlements[charge.ID]
	if !done {
		st = models.Settlement{
			ID:      charge.ID,
			Account: charge.Account,
			Rebate:  rebate(charge.Amount, a.Credit),
		}
		m.settlements[charge.ID] = st
		a.Balance += st.Rebate
		m.accounts[charge.Account] = a
	}
	delete(m.charges, charge.ID)
	return st, nil
}

func (m *Memory) UnconfirmedSettlements(context.Context) ([]models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Settlement
	for _, st := range m.settlements {
		if !st.LedgerConfirmed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ConfirmSettlement(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.settlements[id]
	if !ok {
		return fmt.Errorf("no settlement %s", id)
	}
	st.LedgerConfirmed = true
	m.settlements[id] = st
	return nil
}

func (m *Memory) UpdateAccount(ctx context.Context, addr common.Address, fn func(ctx context.Context, a models.Account) (models.Account, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}
	current, ok := m.accounts[addr]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownAccount, addr.Hex())
	}
	next, err := fn(ctx, current)
	if err != nil {
		return err
	}
	current.Credit, current.Blocked = next.Credit, next.Blocked
	m.accounts[addr] = current
	return nil
}
