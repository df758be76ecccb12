// Package intents runs the checkout state machine. Every purchase attempt
// passes through exactly one intent row, and the row's status transitions are
// the concurrency guard: a buyer holds at most one active intent, and only
// one caller can move an intent into processing.
package intents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Intents left untouched past this window are swept to expired.
const DefaultTTL = 30 * time.Minute

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrIntentNotFound indicates the intent does not exist or belongs to
	// another buyer.
	ErrIntentNotFound = errors.New("intents: intent not found")
	// ErrIntentExpired indicates the intent's TTL elapsed before the operation.
	ErrIntentExpired = errors.New("intents: intent expired")
	// ErrAlreadyProcessing indicates the buyer already holds an active intent,
	// or the intent itself is already being settled.
	ErrAlreadyProcessing = errors.New("intents: purchase already in progress")
	// ErrInvalidTransition indicates the requested move is not legal from the
	// intent's current status.
	ErrInvalidTransition = errors.New("intents: invalid status transition")
)

const (
	opServiceNew   = "intents.service.new"
	opCreate       = "intents.create"
	opSelectMethod = "intents.select_payment_method"
	opBeginSigning = "intents.begin_signing"
	opMarkProcess  = "intents.mark_processing"
	opComplete     = "intents.complete"
	opFail         = "intents.fail"
	opCancel       = "intents.cancel"
	opExpireStale  = "intents.expire_stale"
	opLookup       = "intents.lookup"
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error { return e.err }

func (e *ServiceError) Code() string { return e.code }

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new intent rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the intent state machine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	TTL        time.Duration
}

// Service owns the purchase-intent lifecycle.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	ttl        time.Duration
}

// NewService constructs the intent state machine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger, ttl: ttl}, nil
}

// CreateRequest describes a new checkout attempt.
type CreateRequest struct {
	BuyerID     string
	BuyerWallet string
	Cart        CartSnapshot
	ItemPrice   decimal.Decimal
	TotalAmount decimal.Decimal
}

// Create opens a fresh intent in the created status.
func (s *Service) Create(ctx context.Context, request CreateRequest) (PurchaseIntent, error) {
	if request.BuyerID == "" {
		return PurchaseIntent{}, newServiceError(opCreate, "missing_buyer", errors.New("buyer id is required"))
	}
	if len(request.Cart.Items) == 0 {
		return PurchaseIntent{}, newServiceError(opCreate, "empty_cart", errors.New("cart has no items"))
	}

	intentID, err := s.idProvider.NewID()
	if err != nil {
		return PurchaseIntent{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	cartJSON, err := request.Cart.Encode()
	if err != nil {
		return PurchaseIntent{}, newServiceError(opCreate, "cart_encode_failed", err)
	}

	now := s.clock().UTC()
	intent := PurchaseIntent{
		IntentID:         intentID,
		BuyerID:          request.BuyerID,
		BuyerWallet:      request.BuyerWallet,
		CartJSON:         cartJSON,
		IsCart:           len(request.Cart.Items) > 1,
		ItemPrice:        request.ItemPrice,
		TotalAmount:      request.TotalAmount,
		Status:           StatusCreated,
		CreatedAtSeconds: now.Unix(),
		ExpiresAtSeconds: now.Add(s.ttl).Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&intent).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("buyer_id", request.BuyerID))
		return PurchaseIntent{}, newServiceError(opCreate, "insert_failed", err)
	}
	return intent, nil
}

// SelectPaymentMethod records the funding source on a fresh intent.
func (s *Service) SelectPaymentMethod(ctx context.Context, buyerID, intentID string, method PaymentMethod) (PurchaseIntent, error) {
	var updated PurchaseIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.lockIntent(tx, buyerID, intentID, opSelectMethod)
		if err != nil {
			return err
		}
		if intent.Status != StatusCreated && intent.Status != StatusPaymentMethodSelected {
			return s.transitionError(opSelectMethod, intent)
		}
		if err := tx.Model(&PurchaseIntent{}).
			Where("intent_id = ?", intentID).
			Updates(map[string]interface{}{
				"payment_method": method,
				"status":         StatusPaymentMethodSelected,
			}).Error; err != nil {
			return newServiceError(opSelectMethod, "update_failed", err)
		}
		intent.PaymentMethod = method
		intent.Status = StatusPaymentMethodSelected
		updated = intent
		return nil
	})
	return updated, err
}

// BeginSigning moves the intent into awaiting_signature and hands the locked
// row to verify for funding checks. A verify failure rolls the transition
// back, leaving the intent where it was.
func (s *Service) BeginSigning(ctx context.Context, buyerID, intentID string, verify func(PurchaseIntent) error) (PurchaseIntent, error) {
	var updated PurchaseIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.lockIntent(tx, buyerID, intentID, opBeginSigning)
		if err != nil {
			return err
		}
		if intent.Status.Active() {
			return newServiceError(opBeginSigning, "already_processing", ErrAlreadyProcessing)
		}
		if intent.Status != StatusPaymentMethodSelected {
			return s.transitionError(opBeginSigning, intent)
		}

		var active int64
		if err := tx.Model(&PurchaseIntent{}).
			Where("buyer_id = ? AND intent_id <> ? AND status IN ?",
				buyerID, intentID, []Status{StatusAwaitingSignature, StatusProcessing}).
			Count(&active).Error; err != nil {
			return newServiceError(opBeginSigning, "active_lookup_failed", err)
		}
		if active > 0 {
			return newServiceError(opBeginSigning, "already_processing", ErrAlreadyProcessing)
		}

		if err := tx.Model(&PurchaseIntent{}).
			Where("intent_id = ?", intentID).
			Update("status", StatusAwaitingSignature).Error; err != nil {
			return newServiceError(opBeginSigning, "update_failed", err)
		}
		intent.Status = StatusAwaitingSignature

		if verify != nil {
			if err := verify(intent); err != nil {
				// Rolls the whole transaction back, reverting the transition.
				return newServiceError(opBeginSigning, "verification_failed", err)
			}
		}
		updated = intent
		return nil
	})
	return updated, err
}

// MarkProcessing claims the intent for settlement, recording the submitted
// chain signature. Only one caller wins; the rest observe ErrAlreadyProcessing.
func (s *Service) MarkProcessing(ctx context.Context, buyerID, intentID, signature string) (PurchaseIntent, error) {
	var updated PurchaseIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.lockIntent(tx, buyerID, intentID, opMarkProcess)
		if err != nil {
			return err
		}
		if intent.Status == StatusProcessing {
			return newServiceError(opMarkProcess, "already_processing", ErrAlreadyProcessing)
		}
		if intent.Status != StatusAwaitingSignature {
			return s.transitionError(opMarkProcess, intent)
		}

		result := tx.Model(&PurchaseIntent{}).
			Where("intent_id = ? AND status = ?", intentID, StatusAwaitingSignature).
			Updates(map[string]interface{}{
				"status":          StatusProcessing,
				"chain_signature": signature,
			})
		if result.Error != nil {
			return newServiceError(opMarkProcess, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opMarkProcess, "already_processing", ErrAlreadyProcessing)
		}
		intent.Status = StatusProcessing
		intent.ChainSignature = signature
		updated = intent
		return nil
	})
	return updated, err
}

// Complete closes the intent against the purchase it produced.
func (s *Service) Complete(ctx context.Context, intentID, purchaseID string) error {
	return s.finish(ctx, opComplete, intentID, map[string]interface{}{
		"status":      StatusCompleted,
		"purchase_id": purchaseID,
	})
}

// Fail closes the intent with a failure reason.
func (s *Service) Fail(ctx context.Context, intentID, reason string) error {
	return s.finish(ctx, opFail, intentID, map[string]interface{}{
		"status":         StatusFailed,
		"failure_reason": reason,
	})
}

// Cancel lets the buyer abandon a not-yet-processing intent.
func (s *Service) Cancel(ctx context.Context, buyerID, intentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		intent, err := s.lockIntent(tx, buyerID, intentID, opCancel)
		if err != nil {
			return err
		}
		if intent.Status == StatusProcessing {
			return newServiceError(opCancel, "already_processing", ErrAlreadyProcessing)
		}
		if intent.Status.Terminal() {
			return s.transitionError(opCancel, intent)
		}
		return tx.Model(&PurchaseIntent{}).
			Where("intent_id = ?", intentID).
			Update("status", StatusCancelled).Error
	})
}

// ExpireStale sweeps pre-settlement intents past their TTL. Processing intents
// are deliberately left alone: settlement decides their fate.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&PurchaseIntent{}).
		Where("status IN ? AND expires_at_s <= ?",
			[]Status{StatusCreated, StatusPaymentMethodSelected, StatusAwaitingSignature},
			s.clock().UTC().Unix()).
		Updates(map[string]interface{}{
			"status":         StatusExpired,
			"failure_reason": "intent expired before payment",
		})
	if result.Error != nil {
		s.logError(opExpireStale, "sweep_failed", result.Error)
		return 0, newServiceError(opExpireStale, "sweep_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired stale purchase intents", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Lookup fetches one intent scoped to its buyer.
func (s *Service) Lookup(ctx context.Context, buyerID, intentID string) (PurchaseIntent, error) {
	var intent PurchaseIntent
	err := s.db.WithContext(ctx).
		Where("intent_id = ? AND buyer_id = ?", intentID, buyerID).
		Take(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PurchaseIntent{}, newServiceError(opLookup, "not_found", ErrIntentNotFound)
	}
	if err != nil {
		return PurchaseIntent{}, newServiceError(opLookup, "lookup_failed", err)
	}
	return intent, nil
}

// Get fetches one intent without buyer scoping, for internal settlement use.
func (s *Service) Get(ctx context.Context, intentID string) (PurchaseIntent, error) {
	var intent PurchaseIntent
	err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PurchaseIntent{}, newServiceError(opLookup, "not_found", ErrIntentNotFound)
	}
	if err != nil {
		return PurchaseIntent{}, newServiceError(opLookup, "lookup_failed", err)
	}
	return intent, nil
}

func (s *Service) finish(ctx context.Context, operation, intentID string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent PurchaseIntent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("intent_id = ?", intentID).
			Take(&intent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "not_found", ErrIntentNotFound)
		}
		if err != nil {
			return newServiceError(operation, "lock_failed", err)
		}
		if intent.Status.Terminal() {
			return s.transitionError(operation, intent)
		}
		return tx.Model(&PurchaseIntent{}).
			Where("intent_id = ?", intentID).
			Updates(updates).Error
	})
}

// lockIntent fetches the buyer's intent under a row lock and enforces the TTL.
// Rows past their TTL report ErrIntentExpired; the sweep finalizes them.
func (s *Service) lockIntent(tx *gorm.DB, buyerID, intentID, operation string) (PurchaseIntent, error) {
	var intent PurchaseIntent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("intent_id = ? AND buyer_id = ?", intentID, buyerID).
		Take(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PurchaseIntent{}, newServiceError(operation, "not_found", ErrIntentNotFound)
	}
	if err != nil {
		return PurchaseIntent{}, newServiceError(operation, "lock_failed", err)
	}
	if intent.Status == StatusExpired {
		return PurchaseIntent{}, newServiceError(operation, "expired", ErrIntentExpired)
	}
	if !intent.Status.Terminal() && intent.Status != StatusProcessing && intent.ExpiredAt(s.clock().UTC().Unix()) {
		return PurchaseIntent{}, newServiceError(operation, "expired", ErrIntentExpired)
	}
	return intent, nil
}

func (s *Service) transitionError(operation string, intent PurchaseIntent) error {
	return newServiceError(operation, "invalid_transition",
		fmt.Errorf("%w: status %s", ErrInvalidTransition, intent.Status))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("intent service error", attrs...)
}
