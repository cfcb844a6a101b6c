package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeStudentPackages = "2025-11-01_normalize_student_packages"
	migrationBackfillPaymentSnapshots = "2025-11-05_backfill_payment_student_snapshots"
)

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

// migrations run in order, each at most once per database.
var migrations = []migrationDefinition{
	{name: migrationNormalizeStudentPackages, apply: normalizeStudentPackages},
	{name: migrationBackfillPaymentSnapshots, apply: backfillPaymentSnapshots},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = noOpLogger
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
		// The change and its record commit together so a failed migration is retried on next open.
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// normalizeStudentPackages expands packages stored by id alone into their full catalog entry.
func normalizeStudentPackages(tx *gorm.DB) error {
	var rows []StudentRow
	if err := tx.Where("package_id <> '' AND (package_price = 0 OR package_days = 0)").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		student := row.Student()
		if !school.NormalizePackage(&student) {
			continue
		}
		normalized := newStudentRow(student, row.Position)
		if err := tx.Save(&normalized).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillPaymentSnapshots copies name, phone and course from the roster onto payments recorded
// before payments carried their own student snapshot. Payments of deleted students stay as they are.
func backfillPaymentSnapshots(tx *gorm.DB) error {
	var rows []PaymentRow
	if err := tx.Where("student_id <> '' AND student_name = ''").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var student StudentRow
		err := tx.Where("id = ?", row.StudentID).Take(&student).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		update := map[string]interface{}{
			"student_name":   student.Name,
			"student_phone":  student.Phone,
			"student_course": student.Course,
		}
		if err := tx.Model(&PaymentRow{}).Where("id = ?", row.ID).Updates(update).Error; err != nil {
			return err
		}
	}
	return nil
}
