package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/school"
)

// SyncState tags every local attendance row with its position in the sync lifecycle.
type SyncState string

const (
	// SyncStatePending marks a record queued for the next push.
	SyncStatePending SyncState = "pending"
	// SyncStateSynced marks a record the server has confirmed.
	SyncStateSynced SyncState = "synced"
	// SyncStateDeleted marks a tombstone awaiting server deletion.
	SyncStateDeleted SyncState = "deleted"
)

// StudentRow persists a student with its package snapshot flattened into columns.
type StudentRow struct {
	ID            string `gorm:"column:id;primaryKey;size:190;not null"`
	Position      int64  `gorm:"column:position;not null;default:0;index"`
	Name          string `gorm:"column:name;size:320;not null"`
	Phone         string `gorm:"column:phone;size:32;not null;default:'';index"`
	Course        string `gorm:"column:course;size:32;not null;default:''"`
	PackageID     string `gorm:"column:package_id;size:64;not null;default:''"`
	PackageCourse string `gorm:"column:package_course;size:32;not null;default:''"`
	PackageDays   int    `gorm:"column:package_days;not null;default:0"`
	PackageLabel  string `gorm:"column:package_label;size:190;not null;default:''"`
	PackagePrice  int64  `gorm:"column:package_price;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (StudentRow) TableName() string {
	return "students"
}

func newStudentRow(student school.Student, position int64) StudentRow {
	row := StudentRow{
		ID:       student.ID,
		Position: position,
		Name:     student.Name,
		Phone:    student.Phone,
		Course:   string(student.Course),
	}
	if student.Package != nil {
		row.PackageID = student.Package.ID
		row.PackageCourse = string(student.Package.Course)
		row.PackageDays = student.Package.Days
		row.PackageLabel = student.Package.Label
		row.PackagePrice = student.Package.Price
	}
	return row
}

// Student converts the row back into the domain type.
func (row StudentRow) Student() school.Student {
	student := school.Student{
		ID:     row.ID,
		Name:   row.Name,
		Phone:  row.Phone,
		Course: school.Course(row.Course),
	}
	if row.PackageID != "" {
		student.Package = &school.Package{
			ID:     row.PackageID,
			Course: school.Course(row.PackageCourse),
			Days:   row.PackageDays,
			Label:  row.PackageLabel,
			Price:  row.PackagePrice,
		}
	}
	return student
}

// AttendanceRow persists a check-in together with its sync state.
type AttendanceRow struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	StudentID  string    `gorm:"column:student_id;size:190;not null;default:'';index"`
	Name       string    `gorm:"column:name;size:320;not null;default:''"`
	Phone      string    `gorm:"column:phone;size:32;not null;default:'';index"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index"`
	SyncState  SyncState `gorm:"column:sync_state;size:16;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (AttendanceRow) TableName() string {
	return "attendance"
}

func newAttendanceRow(record school.AttendanceRecord, state SyncState) AttendanceRow {
	return AttendanceRow{
		ID:         record.ID,
		StudentID:  record.StudentID,
		Name:       record.Name,
		Phone:      record.Phone,
		RecordedAt: record.Time.UTC(),
		SyncState:  state,
	}
}

// Record converts the row back into the domain type.
func (row AttendanceRow) Record() school.AttendanceRecord {
	return school.AttendanceRecord{
		ID:        row.ID,
		StudentID: row.StudentID,
		Name:      row.Name,
		Phone:     row.Phone,
		Time:      row.RecordedAt.UTC(),
	}
}

// PaymentRow persists a payment with its student snapshot.
type PaymentRow struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	ReceiptNumber string    `gorm:"column:receipt_number;size:64;not null;uniqueIndex"`
	StudentID     string    `gorm:"column:student_id;size:190;not null;default:'';index"`
	StudentName   string    `gorm:"column:student_name;size:320;not null;default:''"`
	StudentPhone  string    `gorm:"column:student_phone;size:32;not null;default:''"`
	StudentCourse string    `gorm:"column:student_course;size:32;not null;default:''"`
	Amount        int64     `gorm:"column:amount;not null;default:0"`
	Discount      int64     `gorm:"column:discount;not null;default:0"`
	Method        string    `gorm:"column:method;size:16;not null"`
	Note          string    `gorm:"column:note;type:text;not null;default:''"`
	PaidAt        time.Time `gorm:"column:paid_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PaymentRow) TableName() string {
	return "payments"
}

func newPaymentRow(payment school.Payment) PaymentRow {
	return PaymentRow{
		ID:            payment.ID,
		ReceiptNumber: payment.ReceiptNumber,
		StudentID:     payment.StudentID,
		StudentName:   payment.StudentName,
		StudentPhone:  payment.StudentPhone,
		StudentCourse: string(payment.StudentCourse),
		Amount:        payment.Amount,
		Discount:      payment.Discount,
		Method:        string(payment.Method),
		Note:          payment.Note,
		PaidAt:        payment.Time.UTC(),
	}
}

// Payment converts the row back into the domain type.
func (row PaymentRow) Payment() school.Payment {
	return school.Payment{
		ID:            row.ID,
		ReceiptNumber: row.ReceiptNumber,
		StudentID:     row.StudentID,
		StudentName:   row.StudentName,
		StudentPhone:  row.StudentPhone,
		StudentCourse: school.Course(row.StudentCourse),
		Amount:        row.Amount,
		Discount:      row.Discount,
		Method:        school.PaymentMethod(row.Method),
		Note:          row.Note,
		Time:          row.PaidAt.UTC(),
	}
}

// Setting is a device-local key/value pair.
type Setting struct {
	Key   string `gorm:"column:name;primaryKey;size:64;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// Setting keys used by the desk client.
const (
	SettingSyncKey     = "sync_key"
	SettingReceiptDate = "receipt_date"
	SettingReceiptSeq  = "receipt_seq"
)
