package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/leasehub/internal/models"
)

// DefaultBasePrice is the price of a whole pool in tokens per unit
const DefaultBasePrice int64 = 10_000

// Schedule holds the base price of each resource kind
type Schedule map[models.ResourceKind]int64

// Uniform prices every kind at base
func Uniform(base int64) Schedule {
	return Schedule{
		models.Storage:        base,
		models.ComputingPower: base,
	}
}

// Base returns the base price for kind
func (s Schedule) Base(kind models.ResourceKind) (int64, error) {
	base, ok := s[kind]
	if !ok {
		return 0, fmt.Errorf("no base price for %q", kind)
	}
	return base, nil
}

// Price computes round(base * amount/available * 100/credit).
// Halves round to even. The product is evaluated as a single quotient so the
// result does not depend on intermediate precision.
func Price(base, amount, available int64, credit int) (int64, error) {
	if available <= 0 {
		return 0, fmt.Errorf("invalid available capacity %d", available)
	}
	if credit <= 0 {
		return 0, fmt.Errorf("price undefined for credit %d", credit)
	}
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount %d", amount)
	}

	num := decimal.NewFromInt(base).
		Mul(decimal.NewFromInt(amount)).
		Mul(decimal.NewFromInt(models.MaxCredit))
	den := decimal.NewFromInt(available).Mul(decimal.NewFromInt(int64(credit)))

	return num.DivRound(den, 8).RoundBank(0).IntPart(), nil
}

// Rebate is the amount returned on settlement: the charge plus a bonus
// proportional to credit.
func Rebate(charge int64, credit int, eta int64) int64 {
	return decimal.NewFromInt(charge).
		Add(decimal.NewFromInt(int64(credit)).Mul(decimal.NewFromInt(eta))).
		IntPart()
}
