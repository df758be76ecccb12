package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPayees indicates a split was requested with an empty payee list.
	ErrNoPayees = errors.New("fees: at least one payee is required")
	// ErrSplitMismatch indicates the computed shares do not add up to the
	// distributable amount. Fatal: the unit of work must abort.
	ErrSplitMismatch = errors.New("fees: share sum does not match distributable amount")
)

// Token amounts settle at six decimal places, the smallest stable-token unit.
const shareExponent = 6

// Percentages summing above this are treated as shares of the creator pool
// rather than of the whole distributable amount.
var collaborativeThreshold = decimal.NewFromInt(95)

var hundred = decimal.NewFromInt(100)

// Payee is one revenue-share recipient on an item.
type Payee struct {
	CreatorID  string
	Wallet     string
	Percentage decimal.Decimal
	Role       string
}

// Share is the settled amount owed to one payee.
type Share struct {
	Payee  Payee
	Amount decimal.Decimal
}

// Split is the full division of a distributable amount.
type Split struct {
	Shares        []Share
	PlatformShare decimal.Decimal
	Distributable decimal.Decimal
}

// SplitShares divides the distributable amount between the platform and the
// payees. When payee percentages sum to roughly 100 they describe a split of
// the creator pool (distributable minus platform fee); otherwise each
// percentage applies to the distributable amount directly and the platform
// keeps the remainder. The last payee absorbs the rounding remainder so the
// shares always sum exactly.
func SplitShares(distributable decimal.Decimal, feeRate decimal.Decimal, payees []Payee) (Split, error) {
	if len(payees) == 0 {
		return Split{}, ErrNoPayees
	}
	if distributable.LessThanOrEqual(decimal.Zero) {
		return Split{}, fmt.Errorf("%w: %s", ErrInvalidPrice, distributable)
	}

	totalPercentage := decimal.Zero
	for _, p := range payees {
		totalPercentage = totalPercentage.Add(p.Percentage)
	}

	shares := make([]Share, 0, len(payees))
	var platformShare decimal.Decimal

	if totalPercentage.GreaterThan(collaborativeThreshold) {
		// Collaborative item: percentages describe the creator pool.
		platformShare = distributable.Mul(feeRate).Round(shareExponent)
		pool := distributable.Sub(platformShare)

		allocated := decimal.Zero
		for i, p := range payees {
			amount := pool.Mul(p.Percentage).Div(hundred).Round(shareExponent)
			if i == len(payees)-1 {
				amount = pool.Sub(allocated)
			}
			allocated = allocated.Add(amount)
			shares = append(shares, Share{Payee: p, Amount: amount})
		}
	} else {
		// Single-creator item: percentages apply to the whole amount and
		// the platform keeps whatever remains.
		allocated := decimal.Zero
		for _, p := range payees {
			amount := distributable.Mul(p.Percentage).Div(hundred).Round(shareExponent)
			allocated = allocated.Add(amount)
			shares = append(shares, Share{Payee: p, Amount: amount})
		}
		platformShare = distributable.Sub(allocated)
	}

	sum := platformShare
	for _, s := range shares {
		sum = sum.Add(s.Amount)
	}
	if !sum.Equal(distributable) {
		return Split{}, fmt.Errorf("%w: %s != %s", ErrSplitMismatch, sum, distributable)
	}

	return Split{Shares: shares, PlatformShare: platformShare, Distributable: distributable}, nil
}
