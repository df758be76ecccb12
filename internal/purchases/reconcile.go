package purchases

import (
	"context"

	"go.uber.org/zap"

	"github.com/atelier-market/atelier/internal/chain"
	"github.com/atelier-market/atelier/internal/fees"
)

const opReconcile = "purchases.reconcile"

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	LedgersBackfilled int
	StuckRecovered    int
	StuckFailed       int
	SalesAttributed   int
}

// Reconcile repairs the ledger after crashes and confirmation timeouts:
// completed purchases missing their collaborator rows get them backfilled,
// purchases stuck in minting are resolved against the chain, and completed
// purchases whose tier accounting never landed are replayed through it.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	backfilled, err := s.backfillLedgers(ctx)
	if err != nil {
		return report, err
	}
	report.LedgersBackfilled = backfilled

	recovered, failed, err := s.recoverStuck(ctx)
	if err != nil {
		return report, err
	}
	report.StuckRecovered = recovered
	report.StuckFailed = failed

	attributed, err := s.replayAttribution(ctx)
	if err != nil {
		return report, err
	}
	report.SalesAttributed = attributed

	s.logger.Info("reconciliation complete",
		zap.Int("ledgers_backfilled", report.LedgersBackfilled),
		zap.Int("stuck_recovered", report.StuckRecovered),
		zap.Int("stuck_failed", report.StuckFailed),
		zap.Int("sales_attributed", report.SalesAttributed))
	return report, nil
}

// replayAttribution feeds completed purchases with a zero attribution stamp
// through tier accounting. This covers purchases settled by recovery above
// and settlements whose ProcessSale call failed after the ledger committed.
// The stamp makes the replay exactly-once.
func (s *Service) replayAttribution(ctx context.Context) (int, error) {
	var unattributed []Purchase
	if err := s.db.WithContext(ctx).
		Where("status = ? AND attributed_at_s = 0", StatusCompleted).
		Find(&unattributed).Error; err != nil {
		return 0, newServiceError(opReconcile, "attribution_scan_failed", err)
	}

	attributed := 0
	for _, purchase := range unattributed {
		payees, err := s.catalog.Payees(ctx, purchase.ItemID)
		if err != nil {
			s.logError(opReconcile, "payee_lookup_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		creatorIDs := make([]string, 0, len(payees))
		for _, payee := range payees {
			creatorIDs = append(creatorIDs, payee.CreatorID)
		}
		before := purchase.AttributedAtSeconds
		s.attributeSale(ctx, purchase, creatorIDs)

		var stamped Purchase
		if err := s.db.WithContext(ctx).
			Where("purchase_id = ?", purchase.PurchaseID).
			Take(&stamped).Error; err != nil {
			s.logError(opReconcile, "attribution_reload_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		if stamped.AttributedAtSeconds > before {
			attributed++
		}
	}
	return attributed, nil
}

// backfillLedgers finds completed purchases with no collaborator rows and
// rebuilds their split from the frozen purchase amounts. The upsert key makes
// repeat runs harmless.
func (s *Service) backfillLedgers(ctx context.Context) (int, error) {
	var orphans []Purchase
	err := s.db.WithContext(ctx).
		Where("status = ? AND purchase_id NOT IN (?)",
			StatusCompleted,
			s.db.Model(&CollaboratorPayment{}).Select("purchase_id")).
		Find(&orphans).Error
	if err != nil {
		return 0, newServiceError(opReconcile, "orphan_scan_failed", err)
	}

	backfilled := 0
	for _, purchase := range orphans {
		split, err := s.recomputeSplit(ctx, purchase)
		if err != nil {
			s.logError(opReconcile, "split_recompute_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		receipt := chain.Receipt{
			Signature:     purchase.ChainSignature,
			MintAddress:   purchase.MintAddress,
			NetworkFeeUSD: purchase.NetworkFeeUSD,
			Confirmed:     true,
		}
		if _, err := s.recordSettlement(ctx, purchase, split, receipt); err != nil {
			s.logError(opReconcile, "backfill_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		backfilled++
	}
	return backfilled, nil
}

// recoverStuck resolves purchases claimed for minting whose worker never
// reported back. A confirmed signature completes the purchase; a failed or
// absent one releases it for manual review.
func (s *Service) recoverStuck(ctx context.Context) (recovered, failed int, err error) {
	var stuck []Purchase
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusMinting).
		Find(&stuck).Error; err != nil {
		return 0, 0, newServiceError(opReconcile, "stuck_scan_failed", err)
	}

	for _, purchase := range stuck {
		if purchase.ChainSignature == "" {
			// Claimed but never submitted; nothing can have landed.
			_ = s.failPurchase(ctx, purchase, opReconcile, "settlement_never_submitted", nil)
			failed++
			continue
		}

		if err := s.settlement.ConfirmSignature(ctx, purchase.ChainSignature); err != nil {
			s.logError(opReconcile, "stuck_unresolved", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}

		split, err := s.recomputeSplit(ctx, purchase)
		if err != nil {
			s.logError(opReconcile, "split_recompute_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		receipt := chain.Receipt{
			Signature:     purchase.ChainSignature,
			MintAddress:   purchase.MintAddress,
			NetworkFeeUSD: purchase.NetworkFeeUSD,
			Confirmed:     true,
		}
		if _, err := s.recordSettlement(ctx, purchase, split, receipt); err != nil {
			s.logError(opReconcile, "stuck_record_failed", err, zap.String("purchase_id", purchase.PurchaseID))
			continue
		}
		recovered++
	}
	return recovered, failed, nil
}

func (s *Service) recomputeSplit(ctx context.Context, purchase Purchase) (fees.Split, error) {
	payees, err := s.catalog.Payees(ctx, purchase.ItemID)
	if err != nil {
		return fees.Split{}, err
	}
	creatorIDs := make([]string, 0, len(payees))
	for _, payee := range payees {
		creatorIDs = append(creatorIDs, payee.CreatorID)
	}
	feeRate, err := s.tiers.ProjectFeeRate(ctx, creatorIDs)
	if err != nil {
		return fees.Split{}, err
	}
	return fees.SplitShares(purchase.Distributable, feeRate, payees)
}
