package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPurchaseProjects = "2026-07-14_backfill_purchase_project_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillPurchaseProjects, apply: backfillPurchaseProjects},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillPurchaseProjects fills project ids on purchases recorded before the
// column existed, so tier accounting sees the full sale history.
func backfillPurchaseProjects(db *gorm.DB) error {
	return db.Exec(`
		UPDATE purchases
		SET project_id = (
			SELECT catalog_items.project_id
			FROM catalog_items
			WHERE catalog_items.item_id = purchases.item_id
		)
		WHERE project_id = ''
		  AND EXISTS (
			SELECT 1 FROM catalog_items
			WHERE catalog_items.item_id = purchases.item_id
		  );
	`).Error
}
