package purchases

import (
	"github.com/shopspring/decimal"
)

// Status enumerates the settlement lifecycle of one paid purchase.
type Status string

const (
	// StatusPaymentCompleted means the fiat or USDC payment has landed and the
	// purchase is waiting for on-chain settlement.
	StatusPaymentCompleted Status = "payment_completed"
	// StatusMinting means one worker has claimed the purchase and is settling
	// it on chain.
	StatusMinting Status = "minting"
	// StatusCompleted means the edition was minted and every share paid.
	StatusCompleted Status = "completed"
	// StatusFailed means settlement failed before anything landed on chain.
	StatusFailed Status = "failed"
)

// Purchase is the authoritative record of one sale: what was paid, how the
// money divides, and where the settlement transaction landed.
type Purchase struct {
	PurchaseID       string          `gorm:"column:purchase_id;primaryKey;size:190;not null"`
	IntentID         string          `gorm:"column:intent_id;size:190;not null;default:'';index"`
	PaymentRef       string          `gorm:"column:payment_ref;size:190;not null;default:'';uniqueIndex:uidx_purchases_payment_ref,where:payment_ref <> ''"`
	BuyerID          string          `gorm:"column:buyer_id;size:190;not null;index"`
	BuyerWallet      string          `gorm:"column:buyer_wallet;size:64;not null"`
	ItemID           string          `gorm:"column:item_id;size:190;not null;index"`
	ProjectID        string          `gorm:"column:project_id;size:190;not null;default:''"`
	Amount           decimal.Decimal `gorm:"column:amount;type:decimal(20,6);not null"`
	BuyerTotal       decimal.Decimal `gorm:"column:buyer_total;type:decimal(20,6);not null"`
	ProcessorFee     decimal.Decimal `gorm:"column:processor_fee;type:decimal(20,6);not null"`
	GasAllowance     decimal.Decimal `gorm:"column:gas_allowance;type:decimal(20,6);not null"`
	Distributable    decimal.Decimal `gorm:"column:distributable;type:decimal(20,6);not null"`
	PlatformShare    decimal.Decimal `gorm:"column:platform_share;type:decimal(20,6);not null;default:0"`
	NetworkFeeUSD    decimal.Decimal `gorm:"column:network_fee_usd;type:decimal(20,6);not null;default:0"`
	Status           Status          `gorm:"column:status;size:32;not null;index"`
	PaymentMethod    string          `gorm:"column:payment_method;size:32;not null;default:''"`
	MintAddress      string          `gorm:"column:mint_address;size:64;not null;default:''"`
	ChainSignature   string          `gorm:"column:chain_signature;size:128;not null;default:''"`
	FailureReason    string          `gorm:"column:failure_reason;size:512;not null;default:''"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
	SettledAtSeconds int64           `gorm:"column:settled_at_s;not null;default:0"`
	// AttributedAtSeconds is set once tier accounting has credited this sale.
	// Zero on a completed purchase marks it for reconciliation replay.
	AttributedAtSeconds int64 `gorm:"column:attributed_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Purchase) TableName() string {
	return "purchases"
}

// CollaboratorPayment is one ledger row of a purchase's revenue split. The
// (purchase, creator) pair is unique so replays upsert instead of duplicating.
type CollaboratorPayment struct {
	PurchaseID    string          `gorm:"column:purchase_id;primaryKey;size:190;not null"`
	CreatorID     string          `gorm:"column:creator_id;primaryKey;size:190;not null"`
	Wallet        string          `gorm:"column:wallet;size:64;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,6);not null"`
	Percentage    decimal.Decimal `gorm:"column:percentage;type:decimal(9,4);not null"`
	Role          string          `gorm:"column:role;size:64;not null;default:'collaborator'"`
	PaidAtSeconds int64           `gorm:"column:paid_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollaboratorPayment) TableName() string {
	return "collaborator_payments"
}
