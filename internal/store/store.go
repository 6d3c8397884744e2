package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/terminal-bench/leasehub/internal/models"
)

// Store is the relational mirror of accounts, allocations and charges.
// Every method that touches more than one row runs in one transaction.
type Store interface {
	Ping(ctx context.Context) error

	// Account returns models.ErrUnknownAccount when addr is not registered
	Account(ctx context.Context, addr common.Address) (models.Account, error)
	Accounts(ctx context.Context) ([]models.Account, error)
	// Register inserts a new account or refreshes MAC and IP of a known one
	Register(ctx context.Context, reg models.Registration) (created bool, err error)

	// CreateGrant inserts the allocation and pending charge and debits the
	// mirrored balance. confirm runs inside the transaction before commit; if
	// it fails the transaction is rolled back.
	CreateGrant(ctx context.Context, g models.Grant, price int64, confirm func(ctx context.Context) error) error
	// DeleteGrant removes the allocation and returns it. It returns
	// models.ErrUnknownGrant when no allocation of that kind, id and account
	// exists.
	DeleteGrant(ctx context.Context, kind models.ResourceKind, id string, account common.Address) (models.Grant, error)
	AllocatedTotal(ctx context.Context, kind models.ResourceKind) (int64, error)
	AllocatedByAccount(ctx context.Context, kind models.ResourceKind) (map[common.Address]int64, error)

	PendingCharges(ctx context.Context) ([]models.PendingCharge, error)
	// SettleCharge records the settlement, credits the mirrored balance and
	// deletes the charge. A charge that was already settled is only deleted.
	SettleCharge(ctx context.Context, charge models.PendingCharge, rebate RebateFunc) (models.Settlement, error)
	UnconfirmedSettlements(ctx context.Context) ([]models.Settlement, error)
	ConfirmSettlement(ctx context.Context, id string) error

	// UpdateAccount locks the account, passes it to fn and writes back credit
	// and blocked. An error from fn rolls the transaction back.
	UpdateAccount(ctx context.Context, addr common.Address, fn func(ctx context.Context, a models.Account) (models.Account, error)) error

	Close() error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

// RebateFunc computes the settlement rebate of a charge for a credit score
type RebateFunc func(charge int64, credit int) int64
