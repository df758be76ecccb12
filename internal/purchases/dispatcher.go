// Package purchases owns the purchase ledger and drives settlement: claiming
// paid purchases, minting on chain, and writing the collaborator split. The
// purchase row's status is the idempotency guard; a purchase is settled at
// most once no matter how many times the task fires.
package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atelier-market/atelier/internal/catalog"
	"github.com/atelier-market/atelier/internal/chain"
	"github.com/atelier-market/atelier/internal/fees"
	"github.com/atelier-market/atelier/internal/intents"
	"github.com/atelier-market/atelier/internal/tiers"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrPurchaseNotFound indicates the purchase does not exist.
	ErrPurchaseNotFound = errors.New("purchases: purchase not found")
)

// Skip reasons reported when ProcessPurchase declines to settle.
const (
	SkipAlreadySettled = "already_settled"
	SkipInProgress     = "settlement_in_progress"
	SkipManualReview   = "requires_manual_review"
)

const (
	opServiceNew = "purchases.service.new"
	opCreate     = "purchases.create"
	opProcess    = "purchases.process"
	opBalance    = "purchases.process_balance"
	opLedger     = "purchases.ledger"

	editionSymbol = "ATLR"
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

// Settlement is the slice of the chain engine the dispatcher drives.
type Settlement interface {
	MintAndDistribute(ctx context.Context, request chain.MintRequest) (chain.Receipt, error)
	ConfirmSignature(ctx context.Context, signature string) error
}

// TaskQueue accepts follow-up settlement work. A nil queue means callers
// settle synchronously.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind, payload string) error
}

// TaskSettlePurchase is the queue kind carrying a purchase id to settle.
const TaskSettlePurchase = "settle_purchase"

// IDProvider issues identifiers for new purchase rows.
type IDProvider interface {
	NewID() (string, error)
}

// SettlementEvents receives settlement progress for buyer-facing streams.
// Publishing must never block.
type SettlementEvents interface {
	PublishSettlement(buyerID, purchaseID, status string)
}

// ServiceConfig describes the dependencies of the purchase dispatcher.
type ServiceConfig struct {
	Database   *gorm.DB
	Catalog    *catalog.Service
	Tiers      *tiers.Service
	Intents    *intents.Service
	Settlement Settlement
	Queue      TaskQueue
	Events     SettlementEvents
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service creates purchases and settles them.
type Service struct {
	db         *gorm.DB
	catalog    *catalog.Service
	tiers      *tiers.Service
	intents    *intents.Service
	settlement Settlement
	queue      TaskQueue
	events     SettlementEvents
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the purchase dispatcher.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errors.New("catalog service is required"))
	}
	if cfg.Tiers == nil {
		return nil, newServiceError(opServiceNew, "missing_tiers", errors.New("tier service is required"))
	}
	if cfg.Settlement == nil {
		return nil, newServiceError(opServiceNew, "missing_settlement", errors.New("settlement engine is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		catalog:    cfg.Catalog,
		tiers:      cfg.Tiers,
		intents:    cfg.Intents,
		settlement: cfg.Settlement,
		queue:      cfg.Queue,
		events:     cfg.Events,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRequest describes one paid item awaiting settlement.
type CreateRequest struct {
	BuyerID       string
	BuyerWallet   string
	ItemID        string
	IntentID      string
	PaymentRef    string
	PaymentMethod string
}

// CreateFromPayment records a landed payment as a purchase in
// payment_completed and enqueues its settlement. The fee breakdown is frozen
// on the row at creation time. The payment reference is unique across
// purchases, so a replayed payment event returns the original row instead of
// creating a second purchase.
func (s *Service) CreateFromPayment(ctx context.Context, request CreateRequest) (Purchase, error) {
	if request.PaymentRef != "" {
		existing, err := s.purchaseByPaymentRef(ctx, request.PaymentRef)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return Purchase{}, newServiceError(opCreate, "dedupe_lookup_failed", err)
		}
	}

	item, err := s.catalog.Lookup(ctx, request.ItemID)
	if err != nil {
		return Purchase{}, newServiceError(opCreate, "item_lookup_failed", err)
	}

	breakdown, err := fees.ComputeBreakdown(item.Price)
	if err != nil {
		return Purchase{}, newServiceError(opCreate, "breakdown_failed", err)
	}

	purchaseID, err := s.idProvider.NewID()
	if err != nil {
		return Purchase{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	purchase := Purchase{
		PurchaseID:       purchaseID,
		IntentID:         request.IntentID,
		PaymentRef:       request.PaymentRef,
		BuyerID:          request.BuyerID,
		BuyerWallet:      request.BuyerWallet,
		ItemID:           item.ItemID,
		ProjectID:        item.ProjectID,
		Amount:           item.Price,
		BuyerTotal:       breakdown.BuyerTotal,
		ProcessorFee:     breakdown.ProcessorFee,
		GasAllowance:     breakdown.GasAllowance,
		Distributable:    breakdown.Distributable,
		Status:           StatusPaymentCompleted,
		PaymentMethod:    request.PaymentMethod,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&purchase).Error; err != nil {
		// A concurrent replay may have won the unique payment_ref race.
		if request.PaymentRef != "" {
			if existing, lookupErr := s.purchaseByPaymentRef(ctx, request.PaymentRef); lookupErr == nil {
				return existing, nil
			}
		}
		s.logError(opCreate, "insert_failed", err, zap.String("item_id", request.ItemID))
		return Purchase{}, newServiceError(opCreate, "insert_failed", err)
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, TaskSettlePurchase, purchase.PurchaseID); err != nil {
			s.logError(opCreate, "enqueue_failed", err, zap.String("purchase_id", purchase.PurchaseID))
		}
	}
	return purchase, nil
}

func (s *Service) purchaseByPaymentRef(ctx context.Context, paymentRef string) (Purchase, error) {
	var purchase Purchase
	err := s.db.WithContext(ctx).Where("payment_ref = ?", paymentRef).Take(&purchase).Error
	return purchase, err
}

// SettlementResult reports the outcome of one ProcessPurchase call.
type SettlementResult struct {
	Skipped  bool
	Reason   string
	Purchase Purchase
}

// ProcessPurchase settles one paid purchase. The claim is a conditional
// status update, so concurrent calls and replays of already-settled purchases
// skip cleanly without touching the chain.
func (s *Service) ProcessPurchase(ctx context.Context, purchaseID string) (SettlementResult, error) {
	claim := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("purchase_id = ? AND status = ?", purchaseID, StatusPaymentCompleted).
		Update("status", StatusMinting)
	if claim.Error != nil {
		return SettlementResult{}, newServiceError(opProcess, "claim_failed", claim.Error)
	}
	if claim.RowsAffected == 0 {
		return s.skipResult(ctx, purchaseID)
	}

	var purchase Purchase
	if err := s.db.WithContext(ctx).Where("purchase_id = ?", purchaseID).Take(&purchase).Error; err != nil {
		return SettlementResult{}, newServiceError(opProcess, "load_failed", err)
	}

	result, err := s.settle(ctx, purchase)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) skipResult(ctx context.Context, purchaseID string) (SettlementResult, error) {
	var purchase Purchase
	err := s.db.WithContext(ctx).Where("purchase_id = ?", purchaseID).Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SettlementResult{}, newServiceError(opProcess, "not_found", ErrPurchaseNotFound)
	}
	if err != nil {
		return SettlementResult{}, newServiceError(opProcess, "load_failed", err)
	}

	reason := SkipManualReview
	switch purchase.Status {
	case StatusCompleted:
		reason = SkipAlreadySettled
	case StatusMinting:
		reason = SkipInProgress
	}
	s.logger.Info("settlement skipped",
		zap.String("purchase_id", purchaseID),
		zap.String("status", string(purchase.Status)),
		zap.String("reason", reason))
	return SettlementResult{Skipped: true, Reason: reason, Purchase: purchase}, nil
}

func (s *Service) settle(ctx context.Context, purchase Purchase) (SettlementResult, error) {
	payees, err := s.catalog.Payees(ctx, purchase.ItemID)
	if err != nil {
		return SettlementResult{}, s.failPurchase(ctx, purchase, opProcess, "payee_lookup_failed", err)
	}

	creatorIDs := make([]string, 0, len(payees))
	for _, payee := range payees {
		creatorIDs = append(creatorIDs, payee.CreatorID)
	}

	feeRate, err := s.tiers.ProjectFeeRate(ctx, creatorIDs)
	if err != nil {
		return SettlementResult{}, s.failPurchase(ctx, purchase, opProcess, "fee_rate_failed", err)
	}

	split, err := fees.SplitShares(purchase.Distributable, feeRate, payees)
	if err != nil {
		return SettlementResult{}, s.failPurchase(ctx, purchase, opProcess, "split_failed", err)
	}

	request, err := s.buildMintRequest(ctx, purchase, split)
	if err != nil {
		return SettlementResult{}, s.failPurchase(ctx, purchase, opProcess, "request_build_failed", err)
	}

	receipt, err := s.settlement.MintAndDistribute(ctx, request)
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		// Fate unknown: leave the claim in place and surface for manual
		// reconciliation instead of retrying into a double mint.
		s.recordUnknownOutcome(ctx, purchase.PurchaseID, receipt)
		return SettlementResult{}, newServiceError(opProcess, "confirmation_timeout", err)
	}
	if err != nil {
		return SettlementResult{}, s.failPurchase(ctx, purchase, opProcess, "chain_settlement_failed", err)
	}

	settled, err := s.recordSettlement(ctx, purchase, split, receipt)
	if err != nil {
		return SettlementResult{}, err
	}

	s.attributeSale(ctx, settled, creatorIDs)

	if s.intents != nil && purchase.IntentID != "" {
		if err := s.intents.Complete(ctx, purchase.IntentID, purchase.PurchaseID); err != nil {
			s.logError(opProcess, "intent_complete_failed", err, zap.String("intent_id", purchase.IntentID))
		}
	}

	return SettlementResult{Purchase: settled}, nil
}

// attributeSale feeds one settled purchase through tier accounting and stamps
// the row so reconciliation knows the credit landed. The settlement itself is
// already committed; a failure here leaves the stamp at zero and the
// reconcile sweep replays the attribution.
func (s *Service) attributeSale(ctx context.Context, purchase Purchase, creatorIDs []string) {
	if err := s.tiers.ProcessSale(ctx, tiers.SaleAttribution{
		ProjectID:  purchase.ProjectID,
		CreatorIDs: creatorIDs,
		Amount:     purchase.Amount,
	}); err != nil {
		s.logError(opProcess, "tier_accounting_failed", err, zap.String("purchase_id", purchase.PurchaseID))
		return
	}
	if err := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("purchase_id = ? AND attributed_at_s = 0", purchase.PurchaseID).
		Update("attributed_at_s", s.clock().UTC().Unix()).Error; err != nil {
		s.logError(opProcess, "attribution_stamp_failed", err, zap.String("purchase_id", purchase.PurchaseID))
	}
}

func (s *Service) buildMintRequest(ctx context.Context, purchase Purchase, split fees.Split) (chain.MintRequest, error) {
	buyerWallet, err := solana.PublicKeyFromBase58(purchase.BuyerWallet)
	if err != nil {
		return chain.MintRequest{}, fmt.Errorf("buyer wallet: %w", err)
	}

	item, err := s.catalog.Lookup(ctx, purchase.ItemID)
	if err != nil {
		return chain.MintRequest{}, err
	}

	payouts := make([]chain.Payout, 0, len(split.Shares))
	creators := make([]chain.MetadataCreator, 0, len(split.Shares))
	for _, share := range split.Shares {
		wallet, err := solana.PublicKeyFromBase58(share.Payee.Wallet)
		if err != nil {
			return chain.MintRequest{}, fmt.Errorf("payee %s wallet: %w", share.Payee.CreatorID, err)
		}
		payouts = append(payouts, chain.Payout{Wallet: wallet, AmountUSD: share.Amount})
		creators = append(creators, chain.MetadataCreator{
			Address: wallet,
			Share:   uint8(share.Payee.Percentage.IntPart()),
		})
	}

	return chain.MintRequest{
		BuyerWallet: buyerWallet,
		Metadata: chain.MetadataArgs{
			Name:     item.Title,
			Symbol:   editionSymbol,
			URI:      item.MetadataURI,
			Creators: creators,
		},
		Payouts: payouts,
	}, nil
}

// recordSettlement writes the outcome in one transaction: the purchase row,
// the collaborator ledger, earnings credits, and the edition counter.
func (s *Service) recordSettlement(ctx context.Context, purchase Purchase, split fees.Split, receipt chain.Receipt) (Purchase, error) {
	now := s.clock().UTC().Unix()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Purchase{}).
			Where("purchase_id = ?", purchase.PurchaseID).
			Updates(map[string]interface{}{
				"status":          StatusCompleted,
				"platform_share":  split.PlatformShare,
				"network_fee_usd": receipt.NetworkFeeUSD,
				"mint_address":    receipt.MintAddress,
				"chain_signature": receipt.Signature,
				"settled_at_s":    now,
			}).Error; err != nil {
			return newServiceError(opLedger, "purchase_update_failed", err)
		}

		for _, share := range split.Shares {
			payment := CollaboratorPayment{
				PurchaseID:    purchase.PurchaseID,
				CreatorID:     share.Payee.CreatorID,
				Wallet:        share.Payee.Wallet,
				Amount:        share.Amount,
				Percentage:    share.Payee.Percentage,
				Role:          share.Payee.Role,
				PaidAtSeconds: now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "purchase_id"}, {Name: "creator_id"}},
				DoUpdates: clause.AssignmentColumns(
					[]string{"wallet", "amount", "percentage", "role", "paid_at_s"}),
			}).Create(&payment).Error; err != nil {
				return newServiceError(opLedger, "ledger_upsert_failed", err)
			}

			if err := s.tiers.CreditEarnings(tx, share.Payee.CreatorID, share.Amount); err != nil {
				return newServiceError(opLedger, "earnings_credit_failed", err)
			}
		}

		if err := s.catalog.DecrementEditions(tx, purchase.ItemID); err != nil {
			return newServiceError(opLedger, "edition_decrement_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opLedger, "record_failed", err, zap.String("purchase_id", purchase.PurchaseID))
		return Purchase{}, err
	}

	var settled Purchase
	if err := s.db.WithContext(ctx).Where("purchase_id = ?", purchase.PurchaseID).Take(&settled).Error; err != nil {
		return Purchase{}, newServiceError(opLedger, "reload_failed", err)
	}

	s.logger.Info("purchase settled",
		zap.String("purchase_id", purchase.PurchaseID),
		zap.String("mint_address", receipt.MintAddress),
		zap.String("signature", receipt.Signature))
	if s.events != nil {
		s.events.PublishSettlement(settled.BuyerID, settled.PurchaseID, string(settled.Status))
	}
	return settled, nil
}

func (s *Service) recordUnknownOutcome(ctx context.Context, purchaseID string, receipt chain.Receipt) {
	updates := map[string]interface{}{
		"failure_reason": "confirmation timed out, reconcile manually",
	}
	if receipt.Signature != "" {
		updates["chain_signature"] = receipt.Signature
	}
	if receipt.MintAddress != "" {
		updates["mint_address"] = receipt.MintAddress
	}
	if err := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("purchase_id = ?", purchaseID).
		Updates(updates).Error; err != nil {
		s.logError(opProcess, "unknown_outcome_record_failed", err, zap.String("purchase_id", purchaseID))
	}
}

// failPurchase marks the purchase failed and returns the wrapped error. The
// on-chain transaction is atomic, so a failure here means nothing landed.
func (s *Service) failPurchase(ctx context.Context, purchase Purchase, operation, reason string, cause error) error {
	s.logError(operation, reason, cause, zap.String("purchase_id", purchase.PurchaseID))
	if err := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("purchase_id = ?", purchase.PurchaseID).
		Updates(map[string]interface{}{
			"status":         StatusFailed,
			"failure_reason": fmt.Sprintf("%s: %v", reason, cause),
		}).Error; err != nil {
		s.logError(operation, "failure_record_failed", err, zap.String("purchase_id", purchase.PurchaseID))
	}
	if s.intents != nil && purchase.IntentID != "" {
		if err := s.intents.Fail(ctx, purchase.IntentID, reason); err != nil {
			s.logError(operation, "intent_fail_failed", err, zap.String("intent_id", purchase.IntentID))
		}
	}
	if s.events != nil {
		s.events.PublishSettlement(purchase.BuyerID, purchase.PurchaseID, string(StatusFailed))
	}
	return newServiceError(operation, reason, cause)
}

// ProcessBalancePurchase finishes a balance-funded checkout: confirm the
// buyer's payment landed, then fan the cart out into purchases and settle
// them. Creation here never credits earnings; only settlement does.
func (s *Service) ProcessBalancePurchase(ctx context.Context, intentID, signature string) error {
	if s.intents == nil {
		return newServiceError(opBalance, "missing_intents", errors.New("intent service is required"))
	}

	intent, err := s.intents.Get(ctx, intentID)
	if err != nil {
		return newServiceError(opBalance, "intent_lookup_failed", err)
	}
	if intent.Status != intents.StatusProcessing {
		return newServiceError(opBalance, "not_processing",
			fmt.Errorf("intent %s is %s", intentID, intent.Status))
	}

	if err := s.settlement.ConfirmSignature(ctx, signature); err != nil {
		if failErr := s.intents.Fail(ctx, intentID, "payment confirmation failed"); failErr != nil {
			s.logError(opBalance, "intent_fail_failed", failErr, zap.String("intent_id", intentID))
		}
		return newServiceError(opBalance, "payment_unconfirmed", err)
	}

	cart, err := intents.DecodeCartSnapshot(intent.CartJSON)
	if err != nil {
		return newServiceError(opBalance, "cart_decode_failed", err)
	}

	for _, line := range cart.Items {
		purchase, err := s.CreateFromPayment(ctx, CreateRequest{
			BuyerID:       intent.BuyerID,
			BuyerWallet:   intent.BuyerWallet,
			ItemID:        line.ItemID,
			IntentID:      intent.IntentID,
			PaymentRef:    fmt.Sprintf("%s:%s", intent.IntentID, line.ItemID),
			PaymentMethod: string(intent.PaymentMethod),
		})
		if err != nil {
			return err
		}
		if s.queue == nil {
			if _, err := s.ProcessPurchase(ctx, purchase.PurchaseID); err != nil {
				return err
			}
		}
	}
	return nil
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
	s.logger.Error("purchase service error", attrs...)
}

// Lookup fetches one purchase scoped to its buyer.
func (s *Service) Lookup(ctx context.Context, buyerID, purchaseID string) (Purchase, error) {
	var purchase Purchase
	err := s.db.WithContext(ctx).
		Where("purchase_id = ? AND buyer_id = ?", purchaseID, buyerID).
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Purchase{}, newServiceError(opProcess, "not_found", ErrPurchaseNotFound)
	}
	if err != nil {
		return Purchase{}, newServiceError(opProcess, "load_failed", err)
	}
	return purchase, nil
}

// LedgerForPurchase returns the recorded split of one purchase.
func (s *Service) LedgerForPurchase(ctx context.Context, purchaseID string) ([]CollaboratorPayment, error) {
	var rows []CollaboratorPayment
	err := s.db.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("creator_id").
		Find(&rows).Error
	if err != nil {
		return nil, newServiceError(opLedger, "ledger_load_failed", err)
	}
	return rows, nil
}
