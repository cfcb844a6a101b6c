package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

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

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "database.store.new"
	opListStudents      = "database.list_students"
	opInsertStudent     = "database.insert_student"
	opDeleteStudent     = "database.delete_student"
	opListAttendance    = "database.list_attendance"
	opInsertAttendance  = "database.insert_attendance"
	opMarkAttendance    = "database.mark_attendance"
	opRemoveAttendance  = "database.remove_attendance"
	opApplyPull         = "database.apply_pull"
	opInsertPayment     = "database.insert_payment"
	opListPayments      = "database.list_payments"
	opDeletePayment     = "database.delete_payment"
	opNextReceiptNumber = "database.next_receipt_number"
	opSettings          = "database.settings"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the desk's local copy of students, attendance, payments and settings.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// AttendanceEntry pairs a local check-in with its sync state.
type AttendanceEntry struct {
	Record school.AttendanceRecord
	State  SyncState
}

// ListStudents returns the local students in roster order.
func (s *Store) ListStudents(ctx context.Context) ([]school.Student, error) {
	var rows []StudentRow
	if err := s.db.WithContext(ctx).Order("position ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, s.fail(opListStudents, "query_failed", err)
	}
	students := make([]school.Student, 0, len(rows))
	for _, row := range rows {
		students = append(students, row.Student())
	}
	return students, nil
}

// FindStudent looks a student up by identifier.
func (s *Store) FindStudent(ctx context.Context, id string) (school.Student, bool, error) {
	var row StudentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return school.Student{}, false, nil
	}
	if err != nil {
		return school.Student{}, false, s.fail(opListStudents, "query_failed", err, zap.String("student_id", id))
	}
	return row.Student(), true, nil
}

// InsertStudent places the student at the top of the roster.
func (s *Store) InsertStudent(ctx context.Context, student school.Student) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var first int64
		if err := tx.Model(&StudentRow{}).Select("COALESCE(MIN(position), 1)").Scan(&first).Error; err != nil {
			return err
		}
		row := newStudentRow(student, first-1)
		return tx.Create(&row).Error
	})
	if err != nil {
		return s.fail(opInsertStudent, "insert_failed", err, zap.String("student_id", student.ID))
	}
	return nil
}

// DeleteStudent removes the student and reports whether it existed.
func (s *Store) DeleteStudent(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&StudentRow{})
	if result.Error != nil {
		return false, s.fail(opDeleteStudent, "delete_failed", result.Error, zap.String("student_id", id))
	}
	return result.RowsAffected > 0, nil
}

// ListAttendance returns attendance newest first, limited to the given states when any are given.
func (s *Store) ListAttendance(ctx context.Context, states ...SyncState) ([]AttendanceEntry, error) {
	query := s.db.WithContext(ctx).Order("recorded_at DESC, id ASC")
	if len(states) > 0 {
		query = query.Where("sync_state IN ?", states)
	}
	var rows []AttendanceRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.fail(opListAttendance, "query_failed", err)
	}
	entries := make([]AttendanceEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, AttendanceEntry{Record: row.Record(), State: row.SyncState})
	}
	return entries, nil
}

// FindAttendance looks a local attendance row up by identifier.
func (s *Store) FindAttendance(ctx context.Context, id string) (AttendanceEntry, bool, error) {
	var row AttendanceRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AttendanceEntry{}, false, nil
	}
	if err != nil {
		return AttendanceEntry{}, false, s.fail(opListAttendance, "query_failed", err, zap.String("attendance_id", id))
	}
	return AttendanceEntry{Record: row.Record(), State: row.SyncState}, true, nil
}

// InsertAttendance stores a new check-in with the given state.
func (s *Store) InsertAttendance(ctx context.Context, record school.AttendanceRecord, state SyncState) error {
	row := newAttendanceRow(record, state)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return s.fail(opInsertAttendance, "insert_failed", err, zap.String("attendance_id", record.ID))
	}
	return nil
}

// MarkAttendance moves the listed rows to the given state and returns how many changed.
func (s *Store) MarkAttendance(ctx context.Context, state SyncState, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&AttendanceRow{}).Where("id IN ?", ids).Update("sync_state", state)
	if result.Error != nil {
		return 0, s.fail(opMarkAttendance, "update_failed", result.Error, zap.String("sync_state", string(state)))
	}
	return result.RowsAffected, nil
}

// RemoveAttendance drops the row entirely.
func (s *Store) RemoveAttendance(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&AttendanceRow{}).Error; err != nil {
		return s.fail(opRemoveAttendance, "delete_failed", err, zap.String("attendance_id", id))
	}
	return nil
}

// Tombstones returns the identifiers deleted locally but not yet confirmed deleted on the server.
func (s *Store) Tombstones(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&AttendanceRow{}).Where("sync_state = ?", SyncStateDeleted).Pluck("id", &ids).Error; err != nil {
		return nil, s.fail(opListAttendance, "tombstones_failed", err)
	}
	tombstones := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		tombstones[id] = struct{}{}
	}
	return tombstones, nil
}

// ApplyPull replaces the pulled content in one transaction. The roster becomes the merged
// student list. Synced attendance is replaced by the server list; pending rows survive and are
// promoted to synced when the server already holds them; tombstones are never overwritten.
func (s *Store) ApplyPull(ctx context.Context, result reconcile.PullResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&StudentRow{}).Error; err != nil {
			return err
		}
		if len(result.Students) > 0 {
			rows := make([]StudentRow, 0, len(result.Students))
			seenStudents := make(map[string]struct{}, len(result.Students))
			for _, student := range result.Students {
				if student.ID == "" {
					continue
				}
				if _, duplicate := seenStudents[student.ID]; duplicate {
					continue
				}
				seenStudents[student.ID] = struct{}{}
				rows = append(rows, newStudentRow(student, int64(len(rows))))
			}
			if len(rows) > 0 {
				if err := tx.Create(&rows).Error; err != nil {
					return err
				}
			}
		}

		var retained []AttendanceRow
		if err := tx.Where("sync_state <> ?", SyncStateSynced).Find(&retained).Error; err != nil {
			return err
		}
		localStates := make(map[string]SyncState, len(retained))
		for _, row := range retained {
			localStates[row.ID] = row.SyncState
		}
		if err := tx.Where("sync_state = ?", SyncStateSynced).Delete(&AttendanceRow{}).Error; err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(result.Attendance))
		for _, record := range result.Attendance {
			if record.ID == "" {
				continue
			}
			if _, duplicate := seen[record.ID]; duplicate {
				continue
			}
			seen[record.ID] = struct{}{}
			if localStates[record.ID] == SyncStateDeleted {
				continue
			}
			row := newAttendanceRow(record, SyncStateSynced)
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return s.fail(opApplyPull, "transaction_failed", err,
			zap.Int("students", len(result.Students)),
			zap.Int("attendance", len(result.Attendance)))
	}
	return nil
}

// InsertPayment stores a payment.
func (s *Store) InsertPayment(ctx context.Context, payment school.Payment) error {
	row := newPaymentRow(payment)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return s.fail(opInsertPayment, "insert_failed", err, zap.String("payment_id", payment.ID))
	}
	return nil
}

// ListPayments returns payments newest first; an empty student id lists every payment.
func (s *Store) ListPayments(ctx context.Context, studentID string) ([]school.Payment, error) {
	query := s.db.WithContext(ctx).Order("paid_at DESC, receipt_number DESC")
	if studentID != "" {
		query = query.Where("student_id = ?", studentID)
	}
	var rows []PaymentRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.fail(opListPayments, "query_failed", err, zap.String("student_id", studentID))
	}
	payments := make([]school.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, row.Payment())
	}
	return payments, nil
}

// DeletePayment removes the payment and reports whether it existed.
func (s *Store) DeletePayment(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&PaymentRow{})
	if result.Error != nil {
		return false, s.fail(opDeletePayment, "delete_failed", result.Error, zap.String("payment_id", id))
	}
	return result.RowsAffected > 0, nil
}

// NextReceiptNumber advances the per-device receipt counter. The counter restarts when the
// calendar date of issuedAt, in its own location, differs from the last issued receipt.
func (s *Store) NextReceiptNumber(ctx context.Context, issuedAt time.Time) (string, error) {
	day := issuedAt.Format("20060102")
	var sequence int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values, err := readSettings(tx, SettingReceiptDate, SettingReceiptSeq)
		if err != nil {
			return err
		}
		if values[SettingReceiptDate] == day {
			sequence, _ = strconv.Atoi(values[SettingReceiptSeq])
		}
		sequence++
		if err := upsertSetting(tx, SettingReceiptDate, day); err != nil {
			return err
		}
		return upsertSetting(tx, SettingReceiptSeq, strconv.Itoa(sequence))
	})
	if err != nil {
		return "", s.fail(opNextReceiptNumber, "transaction_failed", err)
	}
	return school.FormatReceiptNumber(issuedAt, sequence), nil
}

// Setting returns the stored value and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	values, err := readSettings(s.db.WithContext(ctx), key)
	if err != nil {
		return "", false, s.fail(opSettings, "read_failed", err, zap.String("key", key))
	}
	value, ok := values[key]
	return value, ok, nil
}

// PutSetting stores or replaces a value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if err := upsertSetting(s.db.WithContext(ctx), key, value); err != nil {
		return s.fail(opSettings, "write_failed", err, zap.String("key", key))
	}
	return nil
}

// DeleteSetting removes a value; removing an absent key is not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("name = ?", key).Delete(&Setting{}).Error; err != nil {
		return s.fail(opSettings, "delete_failed", err, zap.String("key", key))
	}
	return nil
}

func readSettings(db *gorm.DB, keys ...string) (map[string]string, error) {
	var rows []Setting
	if err := db.Where("name IN ?", keys).Find(&rows).Error; err != nil {
		return nil, err
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

func upsertSetting(db *gorm.DB, key, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}

func (s *Store) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
	return newServiceError(operation, reason, err)
}
