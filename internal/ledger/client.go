package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/terminal-bench/leasehub/internal/models"
	"github.com/terminal-bench/leasehub/pkg/messaging"
)

// Client is the server's view of the external ledger. Transactions return
// only after a receipt was received; a failed receipt is an error wrapping
// models.ErrLedgerTransaction.
type Client interface {
	// Fetch returns up to max new events of topic. An empty result is not
	// an error.
	Fetch(ctx context.Context, topic string, max int) ([]*messaging.Event, error)

	BalanceOf(ctx context.Context, account common.Address) (int64, error)
	Usage(ctx context.Context, kind models.ResourceKind, account common.Address) (int64, error)

	// AdjustBalance moves delta tokens into (increase) or out of the
	// account. reference is an idempotency key: the ledger applies one
	// adjustment per reference.
	AdjustBalance(ctx context.Context, account common.Address, delta int64, increase bool, reference string) error
	ReleaseUsage(ctx context.Context, kind models.ResourceKind, account common.Address, amount int64) error
	Freeze(ctx context.Context, account common.Address, frozen bool) error
	AnswerPetition(ctx context.Context, kind models.ResourceKind, account common.Address, amount int64, grantID string, accepted bool) error
	AnswerRegistration(ctx context.Context, account common.Address, ip, mac string, accepted bool) error
}

// GrantReference is the AdjustBalance reference of the charge of a grant
func GrantReference(grantID string) string {
	return "grant:" + grantID
}

// SettlementReference is the AdjustBalance reference of the rebate of a charge
func SettlementReference(chargeID string) string {
	return "settlement:" + chargeID
}

// Receipt is the ledger's reply to a transaction
type Receipt struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Receipt statuses
const (
	StatusOK       = "ok"
	StatusReverted = "reverted"
)

// Succeeded reports whether the transaction was applied
func (r Receipt) Succeeded() bool {
	return r.Status == StatusOK
}

// QueryResult is the ledger's reply to a read
type QueryResult struct {
	Value int64  `json:"value"`
	Error string `json:"error,omitempty"`
}
