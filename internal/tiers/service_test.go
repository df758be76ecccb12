package tiers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%d", p.next), nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:atelier_tiers_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CreatorProfile{}, &ProjectTally{}, &FoundingSlot{}, &Configuration{}); err != nil {
		t.Fatalf("failed to migrate tier schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func mustProcessSale(t *testing.T, service *Service, sale SaleAttribution) {
	t.Helper()
	if err := service.ProcessSale(context.Background(), sale); err != nil {
		t.Fatalf("process sale failed: %v", err)
	}
}

func profileFor(t *testing.T, db *gorm.DB, creatorID string) CreatorProfile {
	t.Helper()
	var profile CreatorProfile
	if err := db.Where("creator_id = ?", creatorID).Take(&profile).Error; err != nil {
		t.Fatalf("failed to load profile %s: %v", creatorID, err)
	}
	return profile
}

func TestProcessSaleCreditsFullAmountToEveryCollaborator(t *testing.T) {
	service, db := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-1",
		CreatorIDs: []string{"alice", "bob"},
		Amount:     decimal.NewFromInt(40),
	})

	for _, creatorID := range []string{"alice", "bob"} {
		profile := profileFor(t, db, creatorID)
		if !profile.LifetimeProjectSales.Equal(decimal.NewFromInt(40)) {
			t.Fatalf("expected %s to hold the full sale amount, got %s", creatorID, profile.LifetimeProjectSales)
		}
	}
}

func TestProcessSaleAdvancesLevelAtThreshold(t *testing.T) {
	service, db := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(499),
	})
	if profile := profileFor(t, db, "alice"); profile.Tier != TierStandard {
		t.Fatalf("expected standard below the threshold, got %s", profile.Tier)
	}

	mustProcessSale(t, service, SaleAttribution{
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(1),
	})
	if profile := profileFor(t, db, "alice"); profile.Tier != TierLevel1 {
		t.Fatalf("expected level_1 at the threshold, got %s", profile.Tier)
	}

	rate, err := service.CreatorFeeRate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fee rate lookup failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.09)) {
		t.Fatalf("expected level_1 rate 0.09, got %s", rate)
	}
}

func TestProcessSaleSkipsIntermediateLevels(t *testing.T) {
	service, db := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(12_000),
	})

	if profile := profileFor(t, db, "alice"); profile.Tier != TierLevel5 {
		t.Fatalf("expected one sale past every threshold to land on level_5, got %s", profile.Tier)
	}
}

func TestTierNeverDowngrades(t *testing.T) {
	service, db := newTestService(t)

	now := time.Unix(1_700_000_000, 0)
	seeded := CreatorProfile{
		CreatorID:            "alice",
		Tier:                 TierLevel3,
		LifetimeProjectSales: decimal.NewFromInt(2600),
		TierQualifiedAt:      &now,
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	mustProcessSale(t, service, SaleAttribution{
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(5),
	})

	if profile := profileFor(t, db, "alice"); profile.Tier != TierLevel3 {
		t.Fatalf("expected tier to hold at level_3, got %s", profile.Tier)
	}
}

func TestFoundingPoolGrantsExactCapacity(t *testing.T) {
	service, db := newTestService(t)

	if err := db.Model(&Configuration{}).Where("id = ?", 1).
		Update("founding_slots_total", 2).Error; err != nil {
		t.Fatalf("failed to shrink pool: %v", err)
	}

	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-1",
		CreatorIDs: []string{"alice", "bob", "carol"},
		Amount:     decimal.NewFromInt(150),
	})

	var slots int64
	if err := db.Model(&FoundingSlot{}).Count(&slots).Error; err != nil {
		t.Fatalf("failed to count slots: %v", err)
	}
	if slots != 2 {
		t.Fatalf("expected exactly 2 founding slots, got %d", slots)
	}

	pool, err := service.FoundingPool(context.Background())
	if err != nil {
		t.Fatalf("founding pool lookup failed: %v", err)
	}
	if pool.SlotsClaimed != 2 || pool.SlotsRemaining != 0 || pool.IsOpen {
		t.Fatalf("expected an exhausted pool, got %+v", pool)
	}

	founding := 0
	for _, creatorID := range []string{"alice", "bob", "carol"} {
		if profileFor(t, db, creatorID).Tier == TierFounding {
			founding++
		}
	}
	if founding != 2 {
		t.Fatalf("expected 2 founding creators, got %d", founding)
	}
}

func TestFoundingPoolGuardHoldsUnderConcurrentCrossings(t *testing.T) {
	service, db := newTestService(t)

	// Match the deployed single-connection sqlite setup; the guarded counter
	// UPDATE is what keeps interleaved crossings from over-allocating, not
	// the serialization order.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Model(&Configuration{}).Where("id = ?", 1).
		Update("founding_slots_total", 2).Error; err != nil {
		t.Fatalf("failed to shrink pool: %v", err)
	}

	creators := []string{"alice", "bob", "carol", "dave", "erin"}
	failures := make(chan error, len(creators))
	var wg sync.WaitGroup
	for index, creatorID := range creators {
		wg.Add(1)
		go func(projectID, creatorID string) {
			defer wg.Done()
			failures <- service.ProcessSale(context.Background(), SaleAttribution{
				ProjectID:  projectID,
				CreatorIDs: []string{creatorID},
				Amount:     decimal.NewFromInt(150),
			})
		}(fmt.Sprintf("project-%d", index+1), creatorID)
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		if err != nil {
			t.Fatalf("concurrent process sale failed: %v", err)
		}
	}

	var slots int64
	if err := db.Model(&FoundingSlot{}).Count(&slots).Error; err != nil {
		t.Fatalf("failed to count slots: %v", err)
	}
	if slots != 2 {
		t.Fatalf("expected the pool capacity to hold, got %d slots", slots)
	}

	pool, err := service.FoundingPool(context.Background())
	if err != nil {
		t.Fatalf("founding pool lookup failed: %v", err)
	}
	if pool.SlotsClaimed != 2 || pool.SlotsRemaining != 0 || pool.IsOpen {
		t.Fatalf("expected an exhausted pool, got %+v", pool)
	}

	founding := 0
	for _, creatorID := range creators {
		if profileFor(t, db, creatorID).Tier == TierFounding {
			founding++
		}
	}
	if founding != 2 {
		t.Fatalf("expected exactly 2 founding creators, got %d", founding)
	}
}

func TestFoundingSlotClaimedOncePerCreator(t *testing.T) {
	service, db := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-1",
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(120),
	})
	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-2",
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(120),
	})

	var slots int64
	if err := db.Model(&FoundingSlot{}).Where("creator_id = ?", "alice").Count(&slots).Error; err != nil {
		t.Fatalf("failed to count slots: %v", err)
	}
	if slots != 1 {
		t.Fatalf("expected a single founding slot per creator, got %d", slots)
	}
}

func TestFoundingThresholdAccumulatesAcrossSales(t *testing.T) {
	service, db := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-1",
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(60),
	})
	if profile := profileFor(t, db, "alice"); profile.Tier != TierStandard {
		t.Fatalf("expected standard before the project threshold, got %s", profile.Tier)
	}

	mustProcessSale(t, service, SaleAttribution{
		ProjectID:  "project-1",
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(60),
	})
	if profile := profileFor(t, db, "alice"); profile.Tier != TierFounding {
		t.Fatalf("expected founding after crossing the project threshold, got %s", profile.Tier)
	}

	rate, err := service.CreatorFeeRate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("fee rate lookup failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("expected founding rate 0.01, got %s", rate)
	}
}

func TestProjectFeeRateUsesBestCollaborator(t *testing.T) {
	service, db := newTestService(t)

	now := time.Unix(1_700_000_000, 0)
	if err := db.Create(&CreatorProfile{
		CreatorID:       "veteran",
		Tier:            TierLevel4,
		TierQualifiedAt: &now,
	}).Error; err != nil {
		t.Fatalf("failed to seed profile: %v", err)
	}

	rate, err := service.ProjectFeeRate(context.Background(), []string{"newcomer", "veteran"})
	if err != nil {
		t.Fatalf("project fee rate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.06)) {
		t.Fatalf("expected the best collaborator rate 0.06, got %s", rate)
	}
}

func TestProjectFeeRateDefaultsToStandard(t *testing.T) {
	service, _ := newTestService(t)

	rate, err := service.ProjectFeeRate(context.Background(), []string{"unknown"})
	if err != nil {
		t.Fatalf("project fee rate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.10)) {
		t.Fatalf("expected standard rate 0.10, got %s", rate)
	}
}

func TestCreditEarningsCreatesAndAccumulates(t *testing.T) {
	service, db := newTestService(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		return service.CreditEarnings(tx, "alice", decimal.NewFromFloat(2.50))
	})
	if err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		return service.CreditEarnings(tx, "alice", decimal.NewFromFloat(1.25))
	})
	if err != nil {
		t.Fatalf("second credit failed: %v", err)
	}

	profile := profileFor(t, db, "alice")
	if !profile.LifetimeEarnings.Equal(decimal.NewFromFloat(3.75)) {
		t.Fatalf("expected accumulated earnings 3.75, got %s", profile.LifetimeEarnings)
	}
	if !profile.LifetimeProjectSales.Equal(decimal.Zero) {
		t.Fatalf("expected earnings credits to leave lifetime sales untouched, got %s", profile.LifetimeProjectSales)
	}
}

func TestTierProgressReportsNextThreshold(t *testing.T) {
	service, _ := newTestService(t)

	mustProcessSale(t, service, SaleAttribution{
		CreatorIDs: []string{"alice"},
		Amount:     decimal.NewFromInt(600),
	})

	progress, err := service.TierProgress(context.Background(), "alice")
	if err != nil {
		t.Fatalf("tier progress failed: %v", err)
	}
	if progress.Tier != TierLevel1 {
		t.Fatalf("expected level_1, got %s", progress.Tier)
	}
	if progress.NextLevel != TierLevel2 {
		t.Fatalf("expected next level_2, got %s", progress.NextLevel)
	}
	if !progress.NextThreshold.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected next threshold 1000, got %s", progress.NextThreshold)
	}
}
