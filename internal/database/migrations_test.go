package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/atelier-market/atelier/internal/catalog"
	"github.com/atelier-market/atelier/internal/purchases"
)

func TestApplyMigrationsBackfillsPurchaseProjects(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&catalog.Item{}, &purchases.Purchase{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	item := catalog.Item{
		ItemID:    "item-1",
		ProjectID: "project-1",
		CreatorID: "creator-1",
		Title:     "Print",
		Price:     decimal.NewFromInt(3),
	}
	if err := database.Create(&item).Error; err != nil {
		testContext.Fatalf("failed to insert item: %v", err)
	}

	legacy := purchases.Purchase{
		PurchaseID:    "purchase-1",
		BuyerID:       "buyer-1",
		BuyerWallet:   "wallet",
		ItemID:        "item-1",
		Amount:        decimal.NewFromInt(3),
		BuyerTotal:    decimal.NewFromFloat(3.40),
		ProcessorFee:  decimal.NewFromFloat(0.40),
		GasAllowance:  decimal.NewFromFloat(0.026),
		Distributable: decimal.NewFromFloat(2.974),
		Status:        purchases.StatusCompleted,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert purchase: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored purchases.Purchase
	if err := database.Where("purchase_id = ?", legacy.PurchaseID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload purchase: %v", err)
	}
	if stored.ProjectID != item.ProjectID {
		testContext.Fatalf("expected project id %q to be backfilled, got %q", item.ProjectID, stored.ProjectID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPurchaseProjects).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsSkipsRecordedMigrations(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "recorded.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&catalog.Item{}, &purchases.Purchase{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := database.Create(&migrationRecord{Name: migrationBackfillPurchaseProjects, AppliedAtSeconds: 1}).Error; err != nil {
		testContext.Fatalf("failed to record migration: %v", err)
	}

	orphan := purchases.Purchase{
		PurchaseID:    "purchase-2",
		BuyerID:       "buyer-1",
		BuyerWallet:   "wallet",
		ItemID:        "missing-item",
		Amount:        decimal.NewFromInt(3),
		BuyerTotal:    decimal.NewFromFloat(3.40),
		ProcessorFee:  decimal.NewFromFloat(0.40),
		GasAllowance:  decimal.NewFromFloat(0.026),
		Distributable: decimal.NewFromFloat(2.974),
		Status:        purchases.StatusCompleted,
	}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert purchase: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored purchases.Purchase
	if err := database.Where("purchase_id = ?", orphan.PurchaseID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload purchase: %v", err)
	}
	if stored.ProjectID != "" {
		testContext.Fatalf("expected recorded migration to be skipped, got project id %q", stored.ProjectID)
	}
}
