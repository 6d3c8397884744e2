// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/terminal-bench/leasehub/internal/ledger"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

// Answer is a recorded petition answer
type Answer struct {
	Kind     models.ResourceKind
	Account  common.Address
	Amount   int64
	GrantID  string
	Accepted bool
}

// Ledger is a fake ledger. Balances, usage and frozen flags behave like the
// real ledger; every transaction is recorded.
type Ledger struct {
	mu sync.Mutex

	Balances map[common.Address]int64
	Used     map[models.ResourceKind]map[common.Address]int64
	Frozen   map[common.Address]bool

	Answers       []Answer
	Registrations []common.Address
	Releases      []int64
	// References holds every applied AdjustBalance reference in order
	References []string

	events map[string][]*messaging.Event

	// FailNext makes the next n transactions fail
	FailNext int
	// FailOps makes every call of the named operations fail
	FailOps map[string]bool
}

var _ ledger.Client = (*Ledger)(nil)

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{
		Balances: make(map[common.Address]int64),
		Used: map[models.ResourceKind]map[common.Address]int64{
			models.Storage:        {},
			models.ComputingPower: {},
		},
		Frozen:  make(map[common.Address]bool),
		events:  make(map[string][]*messaging.Event),
		FailOps: make(map[string]bool),
	}
}

// Emit queues an event on topic
func (l *Ledger) Emit(topic string, data interface{}) *messaging.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := messaging.NewEvent(topic, uint64(len(l.events[topic])+1), data)
	if err != nil {
		panic(err)
	}
	l.events[topic] = append(l.events[topic], e)
	return e
}

// Redeliver queues an already emitted event again
func (l *Ledger) Redeliver(topic string, e *messaging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[topic] = append(l.events[topic], e)
}

// SetBalance sets the ledger balance of account
func (l *Ledger) SetBalance(account common.Address, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Balances[account] = balance
}

// Balance returns the ledger balance of account
func (l *Ledger) Balance(account common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Balances[account]
}

// IsFrozen reports whether account was frozen
func (l *Ledger) IsFrozen(account common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Frozen[account]
}

// LastAnswer returns the most recent petition answer
func (l *Ledger) LastAnswer() (Answer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Answers) == 0 {
		return Answer{}, false
	}
	return l.Answers[len(l.Answers)-1], true
}

// must be called with l.mu held
func (l *Ledger) fail(op string) error {
	if l.FailOps[op] {
		return fmt.Errorf("%w: %s unavailable", models.ErrLedgerTransaction, op)
	}
	if l.FailNext > 0 {
		l.FailNext--
		return fmt.Errorf("%w: %s failed", models.ErrLedgerTransaction, op)
	}
	return nil
}

func (l *Ledger) Fetch(_ context.Context, topic string, max int) ([]*messaging.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.events[topic]
	if max > len(queue) {
		max = len(queue)
	}
	out := queue[:max]
	l.events[topic] = queue[max:]
	return out, nil
}

func (l *Ledger) BalanceOf(_ context.Context, account common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("balance"); err != nil {
		return 0, err
	}
	return l.Balances[account], nil
}

func (l *Ledger) Usage(_ context.Context, kind models.ResourceKind, account common.Address) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("usage"); err != nil {
		return 0, err
	}
	return l.Used[kind][account], nil
}

func (l *Ledger) AdjustBalance(_ context.Context, account common.Address, delta int64, increase bool, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("adjust_balance"); err != nil {
		return err
	}
	for _, ref := range l.References {
		if ref == reference && reference != "" {
			return nil
		}
	}
	if increase {
		l.Balances[account] += delta
	} else {
		l.Balances[account] -= delta
	}
	l.References = append(l.References, reference)
	return nil
}

func (l *Ledger) ReleaseUsage(_ context.Context, kind models.ResourceKind, account common.Address, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("release_usage"); err != nil {
		return err
	}
	l.Used[kind][account] -= amount
	l.Releases = append(l.Releases, amount)
	return nil
}

func (l *Ledger) Freeze(_ context.Context, account common.Address, frozen bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("freeze"); err != nil {
		return err
	}
	l.Frozen[account] = frozen
	return nil
}

func (l *Ledger) AnswerPetition(_ context.Context, kind models.ResourceKind, account common.Address, amount int64, grantID string, accepted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("answer_petition"); err != nil {
		return err
	}
	if accepted {
		l.Used[kind][account] += amount
	}
	l.Answers = append(l.Answers, Answer{
		Kind:     kind,
		Account:  account,
		Amount:   amount,
		GrantID:  grantID,
		Accepted: accepted,
	})
	return nil
}

func (l *Ledger) AnswerRegistration(_ context.Context, account common.Address, _, _ string, accepted bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail("answer_registration"); err != nil {
		return err
	}
	if accepted {
		l.Registrations = append(l.Registrations, account)
	}
	return nil
}
