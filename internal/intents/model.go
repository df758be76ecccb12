package intents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Status enumerates the checkout-attempt lifecycle.
type Status string

const (
	StatusCreated               Status = "created"
	StatusPaymentMethodSelected Status = "payment_method_selected"
	StatusAwaitingSignature     Status = "awaiting_signature"
	StatusProcessing            Status = "processing"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusExpired               Status = "expired"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the intent holds the buyer's exclusive checkout
// claim: at most one active intent per buyer at a time.
func (s Status) Active() bool {
	return s == StatusAwaitingSignature || s == StatusProcessing
}

// PaymentMethod enumerates accepted funding sources.
type PaymentMethod string

const (
	MethodBalance      PaymentMethod = "balance"
	MethodCardOnRamp   PaymentMethod = "card_onramp"
	MethodDirectCrypto PaymentMethod = "direct_crypto"
)

// ParsePaymentMethod validates raw client input.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodBalance:
		return MethodBalance, nil
	case MethodCardOnRamp:
		return MethodCardOnRamp, nil
	case MethodDirectCrypto:
		return MethodDirectCrypto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
}

// ErrInvalidPaymentMethod indicates an unknown funding source.
var ErrInvalidPaymentMethod = errors.New("intents: invalid payment method")

// ItemRef is one line of a cart snapshot.
type ItemRef struct {
	ItemID string          `json:"item_id"`
	Price  decimal.Decimal `json:"price"`
}

// CartSnapshot freezes the cart contents at checkout start.
type CartSnapshot struct {
	Items []ItemRef `json:"items"`
}

// Encode serializes the snapshot for the intent row.
func (c CartSnapshot) Encode() (string, error) {
	raw, err := json.Marshal(c)
	return string(raw), err
}

// DecodeCartSnapshot parses a stored snapshot column.
func DecodeCartSnapshot(raw string) (CartSnapshot, error) {
	var snapshot CartSnapshot
	if raw == "" {
		return snapshot, nil
	}
	err := json.Unmarshal([]byte(raw), &snapshot)
	return snapshot, err
}

// PurchaseIntent tracks one checkout attempt from method selection to a
// terminal state. Short-lived: untouched intents expire after the TTL.
type PurchaseIntent struct {
	IntentID         string          `gorm:"column:intent_id;primaryKey;size:190;not null"`
	BuyerID          string          `gorm:"column:buyer_id;size:190;not null;index:idx_intents_buyer_status,priority:1"`
	BuyerWallet      string          `gorm:"column:buyer_wallet;size:64;not null;default:''"`
	CartJSON         string          `gorm:"column:cart_json;type:text;not null;default:''"`
	IsCart           bool            `gorm:"column:is_cart;not null;default:false"`
	ItemPrice        decimal.Decimal `gorm:"column:item_price;type:decimal(20,6);not null"`
	TotalAmount      decimal.Decimal `gorm:"column:total_amount;type:decimal(20,6);not null"`
	PaymentMethod    PaymentMethod   `gorm:"column:payment_method;size:32;not null;default:''"`
	Status           Status          `gorm:"column:status;size:32;not null;index:idx_intents_buyer_status,priority:2"`
	FailureReason    string          `gorm:"column:failure_reason;size:512;not null;default:''"`
	PurchaseID       string          `gorm:"column:purchase_id;size:190;not null;default:''"`
	ChainSignature   string          `gorm:"column:chain_signature;size:128;not null;default:''"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds int64           `gorm:"column:expires_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PurchaseIntent) TableName() string {
	return "purchase_intents"
}

// ExpiredAt reports whether the intent's TTL has elapsed at the given unix time.
func (i PurchaseIntent) ExpiredAt(nowUnix int64) bool {
	return nowUnix >= i.ExpiresAtSeconds
}
