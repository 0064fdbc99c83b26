package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAuditCategories = "2026-10-01_normalize_audit_categories"

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
		{name: migrationNormalizeAuditCategories, apply: normalizeAuditCategories},
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

// Entries written before categories were constants could carry mixed case or
// be empty; fold them into the current vocabulary.
func normalizeAuditCategories(db *gorm.DB) error {
	if err := db.Model(&audit.Entry{}).
		Where("category = ''").
		Update("category", string(audit.CategoryError)).Error; err != nil {
		return err
	}
	return db.Model(&audit.Entry{}).
		Where("category <> LOWER(category)").
		Update("category", gorm.Expr("LOWER(category)")).Error
}
