package tiers

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

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	standardFeeRate = decimal.NewFromFloat(0.10)
)

const (
	opServiceNew     = "tiers.service.new"
	opCreatorFeeRate = "tiers.creator_fee_rate"
	opProjectFeeRate = "tiers.project_fee_rate"
	opProcessSale    = "tiers.process_sale"
	opProgress       = "tiers.progress"
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

// IDProvider issues identifiers for new founding-slot rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the tier engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service maps lifetime sales to fee tiers and manages the founding-slot pool.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the tier engine and seeds the configuration row when absent.
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

	service := &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}
	if err := service.ensureConfiguration(); err != nil {
		return nil, newServiceError(opServiceNew, "seed_configuration_failed", err)
	}
	return service, nil
}

func (s *Service) ensureConfiguration() error {
	var config Configuration
	err := s.db.Where("id = ?", 1).Take(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seeded := DefaultConfiguration()
		return s.db.Create(&seeded).Error
	}
	return err
}

func (s *Service) loadConfiguration(tx *gorm.DB) (Configuration, error) {
	var config Configuration
	err := tx.Where("id = ?", 1).Take(&config).Error
	return config, err
}

// CreatorFeeRate returns the platform fee rate for one creator, defaulting to
// standard when the creator has no profile.
func (s *Service) CreatorFeeRate(ctx context.Context, creatorID string) (decimal.Decimal, error) {
	var profile CreatorProfile
	err := s.db.WithContext(ctx).Where("creator_id = ?", creatorID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return standardFeeRate, nil
	}
	if err != nil {
		s.logError(opCreatorFeeRate, "profile_lookup_failed", err, zap.String("creator_id", creatorID))
		return decimal.Decimal{}, newServiceError(opCreatorFeeRate, "profile_lookup_failed", err)
	}
	return s.rateForTier(ctx, profile.Tier)
}

// ProjectFeeRate returns the most favorable (lowest) fee rate among the
// item's collaborators, rewarding teams that include a high-tier member.
func (s *Service) ProjectFeeRate(ctx context.Context, creatorIDs []string) (decimal.Decimal, error) {
	if len(creatorIDs) == 0 {
		return standardFeeRate, nil
	}

	config, err := s.loadConfiguration(s.db.WithContext(ctx))
	if err != nil {
		return decimal.Decimal{}, newServiceError(opProjectFeeRate, "configuration_load_failed", err)
	}
	rates, err := config.FeeRates()
	if err != nil {
		return decimal.Decimal{}, newServiceError(opProjectFeeRate, "configuration_decode_failed", err)
	}

	var profiles []CreatorProfile
	if err := s.db.WithContext(ctx).Where("creator_id IN ?", creatorIDs).Find(&profiles).Error; err != nil {
		s.logError(opProjectFeeRate, "profile_lookup_failed", err)
		return decimal.Decimal{}, newServiceError(opProjectFeeRate, "profile_lookup_failed", err)
	}

	best := standardFeeRate
	for _, profile := range profiles {
		if rate, ok := rates[profile.Tier]; ok && rate.LessThan(best) {
			best = rate
		}
	}
	return best, nil
}

// SaleAttribution describes one completed sale for tier accounting.
type SaleAttribution struct {
	ProjectID  string
	CreatorIDs []string
	Amount     decimal.Decimal
}

// ProcessSale credits a completed sale to every collaborator's lifetime
// counter (the full sale amount each, not their split), then advances project
// totals, founding qualification, and tier levels. Founding slots are claimed
// through a guarded counter update so concurrent crossings can never
// over-allocate the pool.
func (s *Service) ProcessSale(ctx context.Context, sale SaleAttribution) error {
	if sale.Amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if len(sale.CreatorIDs) == 0 {
		s.logger.Warn("sale with no collaborators", zap.String("project_id", sale.ProjectID))
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, creatorID := range sale.CreatorIDs {
			if err := s.creditLifetimeSales(tx, creatorID, sale.Amount); err != nil {
				s.logError(opProcessSale, "lifetime_credit_failed", err, zap.String("creator_id", creatorID))
				return newServiceError(opProcessSale, "lifetime_credit_failed", err)
			}
		}

		if sale.ProjectID != "" {
			if err := s.advanceProject(tx, sale); err != nil {
				return err
			}
		}

		if err := s.advanceLevels(tx, sale.CreatorIDs); err != nil {
			return err
		}
		return nil
	})
}

// CreditEarnings adds a paid-out share to a creator's lifetime earnings inside
// the caller's transaction. Earnings track actual payouts, unlike lifetime
// sales which credit the full sale amount.
func (s *Service) CreditEarnings(tx *gorm.DB, creatorID string, amount decimal.Decimal) error {
	var profile CreatorProfile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("creator_id = ?", creatorID).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = CreatorProfile{
			CreatorID:        creatorID,
			Tier:             TierStandard,
			LifetimeEarnings: amount,
		}
		return tx.Create(&profile).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&CreatorProfile{}).
		Where("creator_id = ?", creatorID).
		Update("lifetime_earnings", profile.LifetimeEarnings.Add(amount)).Error
}

func (s *Service) creditLifetimeSales(tx *gorm.DB, creatorID string, amount decimal.Decimal) error {
	var profile CreatorProfile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("creator_id = ?", creatorID).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = CreatorProfile{
			CreatorID:            creatorID,
			Tier:                 TierStandard,
			LifetimeProjectSales: amount,
		}
		return tx.Create(&profile).Error
	}
	if err != nil {
		return err
	}
	profile.LifetimeProjectSales = profile.LifetimeProjectSales.Add(amount)
	return tx.Model(&CreatorProfile{}).
		Where("creator_id = ?", creatorID).
		Update("lifetime_project_sales", profile.LifetimeProjectSales).Error
}

func (s *Service) advanceProject(tx *gorm.DB, sale SaleAttribution) error {
	var tally ProjectTally
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ?", sale.ProjectID).
		Take(&tally).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tally = ProjectTally{ProjectID: sale.ProjectID}
		if err := tx.Create(&tally).Error; err != nil {
			return newServiceError(opProcessSale, "project_tally_create_failed", err)
		}
	} else if err != nil {
		return newServiceError(opProcessSale, "project_tally_lock_failed", err)
	}

	tally.TotalSales = tally.TotalSales.Add(sale.Amount)
	if err := tx.Model(&ProjectTally{}).
		Where("project_id = ?", sale.ProjectID).
		Update("total_sales", tally.TotalSales).Error; err != nil {
		return newServiceError(opProcessSale, "project_tally_update_failed", err)
	}

	config, err := s.loadConfiguration(tx)
	if err != nil {
		return newServiceError(opProcessSale, "configuration_load_failed", err)
	}

	if tally.FoundingTriggered || tally.TotalSales.LessThan(config.FoundingThreshold) {
		return nil
	}

	if err := tx.Model(&ProjectTally{}).
		Where("project_id = ?", sale.ProjectID).
		Update("founding_triggered", true).Error; err != nil {
		return newServiceError(opProcessSale, "founding_trigger_failed", err)
	}

	for _, creatorID := range sale.CreatorIDs {
		claimed, err := s.claimFoundingSlot(tx, creatorID, sale.ProjectID, tally.TotalSales)
		if err != nil {
			return err
		}
		if claimed {
			s.logger.Info("founding slot claimed",
				zap.String("creator_id", creatorID),
				zap.String("project_id", sale.ProjectID))
		}
	}
	return nil
}

// claimFoundingSlot performs the atomically-checked decrement-and-create:
// the counter update only succeeds while capacity remains, and the slot row
// is created in the same transaction.
func (s *Service) claimFoundingSlot(tx *gorm.DB, creatorID, projectID string, qualifyingAmount decimal.Decimal) (bool, error) {
	var existing int64
	if err := tx.Model(&FoundingSlot{}).Where("creator_id = ?", creatorID).Count(&existing).Error; err != nil {
		return false, newServiceError(opProcessSale, "slot_lookup_failed", err)
	}
	if existing > 0 {
		return false, nil
	}

	result := tx.Model(&Configuration{}).
		Where("id = ? AND founding_slots_claimed < founding_slots_total", 1).
		Update("founding_slots_claimed", gorm.Expr("founding_slots_claimed + 1"))
	if result.Error != nil {
		return false, newServiceError(opProcessSale, "slot_claim_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		// Pool exhausted; not an error.
		return false, nil
	}

	slotID, err := s.idProvider.NewID()
	if err != nil {
		return false, newServiceError(opProcessSale, "id_generation_failed", err)
	}
	slot := FoundingSlot{
		SlotID:           slotID,
		CreatorID:        creatorID,
		ProjectID:        projectID,
		QualifyingAmount: qualifyingAmount,
		ClaimedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&slot).Error; err != nil {
		return false, newServiceError(opProcessSale, "slot_create_failed", err)
	}

	if err := s.upgradeTier(tx, creatorID, TierFounding); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) advanceLevels(tx *gorm.DB, creatorIDs []string) error {
	config, err := s.loadConfiguration(tx)
	if err != nil {
		return newServiceError(opProcessSale, "configuration_load_failed", err)
	}
	thresholds, err := config.LevelThresholds()
	if err != nil {
		return newServiceError(opProcessSale, "configuration_decode_failed", err)
	}

	var profiles []CreatorProfile
	if err := tx.Where("creator_id IN ?", creatorIDs).Find(&profiles).Error; err != nil {
		return newServiceError(opProcessSale, "profile_lookup_failed", err)
	}

	for _, profile := range profiles {
		if profile.Tier == TierFounding {
			continue
		}
		best := profile.Tier
		for level, threshold := range thresholds {
			if profile.LifetimeProjectSales.GreaterThanOrEqual(threshold) && tierRank(level) < tierRank(best) {
				best = level
			}
		}
		if best != profile.Tier {
			if err := s.upgradeTier(tx, profile.CreatorID, best); err != nil {
				return err
			}
		}
	}
	return nil
}

// upgradeTier moves a creator up the ladder; the rank guard in the WHERE
// clause makes downgrades impossible even under concurrent upgrades.
func (s *Service) upgradeTier(tx *gorm.DB, creatorID, tier string) error {
	var profile CreatorProfile
	err := tx.Where("creator_id = ?", creatorID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := s.clock().UTC()
		profile = CreatorProfile{CreatorID: creatorID, Tier: tier, TierQualifiedAt: &now}
		if err := tx.Create(&profile).Error; err != nil {
			return newServiceError(opProcessSale, "profile_create_failed", err)
		}
		return nil
	}
	if err != nil {
		return newServiceError(opProcessSale, "profile_lookup_failed", err)
	}
	if tierRank(tier) >= tierRank(profile.Tier) {
		return nil
	}
	now := s.clock().UTC()
	if err := tx.Model(&CreatorProfile{}).
		Where("creator_id = ?", creatorID).
		Updates(map[string]interface{}{"tier": tier, "tier_qualified_at": now}).Error; err != nil {
		return newServiceError(opProcessSale, "tier_upgrade_failed", err)
	}
	s.logger.Info("tier upgraded", zap.String("creator_id", creatorID), zap.String("tier", tier))
	return nil
}

func (s *Service) rateForTier(ctx context.Context, tier string) (decimal.Decimal, error) {
	config, err := s.loadConfiguration(s.db.WithContext(ctx))
	if err != nil {
		return decimal.Decimal{}, newServiceError(opCreatorFeeRate, "configuration_load_failed", err)
	}
	rates, err := config.FeeRates()
	if err != nil {
		return decimal.Decimal{}, newServiceError(opCreatorFeeRate, "configuration_decode_failed", err)
	}
	if rate, ok := rates[tier]; ok {
		return rate, nil
	}
	return standardFeeRate, nil
}

// Progress summarizes a creator's tier standing for dashboards.
type Progress struct {
	Tier                 string
	FeeRate              decimal.Decimal
	LifetimeProjectSales decimal.Decimal
	NextLevel            string
	NextThreshold        decimal.Decimal
	IsFounding           bool
}

// TierProgress reports a creator's current tier, rate, and next threshold.
func (s *Service) TierProgress(ctx context.Context, creatorID string) (Progress, error) {
	var profile CreatorProfile
	err := s.db.WithContext(ctx).Where("creator_id = ?", creatorID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = CreatorProfile{CreatorID: creatorID, Tier: TierStandard}
	} else if err != nil {
		return Progress{}, newServiceError(opProgress, "profile_lookup_failed", err)
	}

	rate, err := s.rateForTier(ctx, profile.Tier)
	if err != nil {
		return Progress{}, err
	}

	config, err := s.loadConfiguration(s.db.WithContext(ctx))
	if err != nil {
		return Progress{}, newServiceError(opProgress, "configuration_load_failed", err)
	}
	thresholds, err := config.LevelThresholds()
	if err != nil {
		return Progress{}, newServiceError(opProgress, "configuration_decode_failed", err)
	}

	progress := Progress{
		Tier:                 profile.Tier,
		FeeRate:              rate,
		LifetimeProjectSales: profile.LifetimeProjectSales,
		IsFounding:           profile.Tier == TierFounding,
	}

	for level, threshold := range thresholds {
		if threshold.LessThanOrEqual(profile.LifetimeProjectSales) {
			continue
		}
		if tierRank(level) >= tierRank(profile.Tier) {
			continue
		}
		if progress.NextLevel == "" || threshold.LessThan(progress.NextThreshold) {
			progress.NextLevel = level
			progress.NextThreshold = threshold
		}
	}
	return progress, nil
}

// FoundingStatus reports the global founding-slot race.
type FoundingStatus struct {
	SlotsTotal     int
	SlotsClaimed   int
	SlotsRemaining int
	Threshold      decimal.Decimal
	IsOpen         bool
}

// FoundingPool returns the current founding-slot allocation state.
func (s *Service) FoundingPool(ctx context.Context) (FoundingStatus, error) {
	config, err := s.loadConfiguration(s.db.WithContext(ctx))
	if err != nil {
		return FoundingStatus{}, newServiceError(opProgress, "configuration_load_failed", err)
	}
	return FoundingStatus{
		SlotsTotal:     config.FoundingSlotsTotal,
		SlotsClaimed:   config.FoundingSlotsClaimed,
		SlotsRemaining: config.FoundingSlotsTotal - config.FoundingSlotsClaimed,
		Threshold:      config.FoundingThreshold,
		IsOpen:         config.FoundingSlotsClaimed < config.FoundingSlotsTotal,
	}, nil
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
	s.logger.Error("tier service error", attrs...)
}
