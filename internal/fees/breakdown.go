package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice indicates a non-positive or malformed item price.
	ErrInvalidPrice = errors.New("fees: invalid item price")
	// ErrBreakdownInvariant indicates the pass-through math failed its
	// internal check. This is a logic error, not a runtime condition.
	ErrBreakdownInvariant = errors.New("fees: platform received does not equal item price")
)

var (
	processorPercentageFee = decimal.NewFromFloat(0.029)
	processorFixedFee      = decimal.NewFromFloat(0.30)
	networkGasAllowance    = decimal.NewFromFloat(0.026)

	one  = decimal.NewFromInt(1)
	cent = decimal.NewFromFloat(0.01)
)

// Breakdown decomposes a buyer payment with processor-fee pass-through.
// The buyer covers the processor fee on top of the list price, so after the
// processor takes its cut the platform holds exactly the item price.
type Breakdown struct {
	ItemPrice        decimal.Decimal
	BuyerTotal       decimal.Decimal
	ProcessorFee     decimal.Decimal
	PassThroughFee   decimal.Decimal
	PlatformReceived decimal.Decimal
	GasAllowance     decimal.Decimal
	Distributable    decimal.Decimal
}

// ComputeBreakdown derives the full payment decomposition for an item price.
// buyer_total = (price + fixed) / (1 - pct), rounded half-up to the cent.
func ComputeBreakdown(itemPrice decimal.Decimal) (Breakdown, error) {
	if itemPrice.LessThanOrEqual(decimal.Zero) {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrInvalidPrice, itemPrice)
	}

	buyerTotal := itemPrice.Add(processorFixedFee).
		Div(one.Sub(processorPercentageFee)).
		Round(2)

	processorFee := buyerTotal.Mul(processorPercentageFee).Add(processorFixedFee).Round(2)
	platformReceived := buyerTotal.Sub(processorFee)

	// Invariant: the platform holds the list price within one cent of
	// rounding. Anything else means the formula itself is wrong.
	if platformReceived.Sub(itemPrice).Abs().GreaterThan(cent) {
		return Breakdown{}, fmt.Errorf("%w: received %s for price %s",
			ErrBreakdownInvariant, platformReceived, itemPrice)
	}

	return Breakdown{
		ItemPrice:        itemPrice,
		BuyerTotal:       buyerTotal,
		ProcessorFee:     processorFee,
		PassThroughFee:   buyerTotal.Sub(itemPrice),
		PlatformReceived: platformReceived,
		GasAllowance:     networkGasAllowance,
		Distributable:    itemPrice.Sub(networkGasAllowance),
	}, nil
}

// GasAllowance returns the flat network-fee deduction applied to every sale.
func GasAllowance() decimal.Decimal {
	return networkGasAllowance
}
