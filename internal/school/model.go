package school

import (
	"errors"
	"time"
)

var (
	// ErrInvalidName indicates that a student name is empty.
	ErrInvalidName = errors.New("school: name required")
	// ErrInvalidPhone indicates that a phone number does not carry exactly ten digits.
	ErrInvalidPhone = errors.New("school: phone must contain exactly 10 digits")
	// ErrDuplicatePhone indicates that another student already uses the phone number.
	ErrDuplicatePhone = errors.New("school: a student with this phone already exists")
	// ErrInvalidCourse indicates that the course is not part of the catalog.
	ErrInvalidCourse = errors.New("school: invalid course")
	// ErrInvalidAmount indicates that a payment amount is missing or malformed.
	ErrInvalidAmount = errors.New("school: invalid amount")
	// ErrInvalidMethod indicates an unsupported payment method.
	ErrInvalidMethod = errors.New("school: invalid payment method")
	// ErrDuplicateAttendance indicates that a check-in already exists for the same day.
	ErrDuplicateAttendance = errors.New("school: attendance already recorded today")
)

// Course enumerates the courses offered by the school.
type Course string

const (
	CourseCar        Course = "Car"
	CourseMotorcycle Course = "Motorcycle"
)

// Courses lists the allowed course values in display order.
var Courses = []Course{CourseCar, CourseMotorcycle}

// PaymentMethod enumerates supported payment methods.
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodQR   PaymentMethod = "qr"
)

// Package is an immutable catalog entry copied onto a student at assignment time.
type Package struct {
	ID     string `json:"id"`
	Course Course `json:"course,omitempty"`
	Days   int    `json:"days"`
	Label  string `json:"label"`
	Price  int64  `json:"price"`
}

// Student is a person enrolled at the school.
type Student struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Phone   string   `json:"phone"`
	Course  Course   `json:"course"`
	Package *Package `json:"package,omitempty"`
}

// AttendanceRecord captures a single check-in with a denormalized student snapshot.
type AttendanceRecord struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId,omitempty"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Time      time.Time `json:"time"`
}

// Day returns the calendar day the record belongs to.
func (r AttendanceRecord) Day() string {
	return DayKey(r.Time)
}

// Payment captures money received from (or discounted to) a student.
type Payment struct {
	ID            string        `json:"id"`
	ReceiptNumber string        `json:"receiptNumber"`
	StudentID     string        `json:"studentId,omitempty"`
	StudentName   string        `json:"studentName,omitempty"`
	StudentPhone  string        `json:"studentPhone,omitempty"`
	StudentCourse Course        `json:"studentCourse,omitempty"`
	Amount        int64         `json:"amount"`
	Discount      int64         `json:"discount"`
	Method        PaymentMethod `json:"method"`
	Note          string        `json:"note"`
	Time          time.Time     `json:"time"`
}

// DayKey returns the UTC calendar day (YYYY-MM-DD) of the timestamp.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FindDuplicateCheckIn returns the record that already occupies the (student-or-phone, day)
// slot of the candidate, if any. The student identifier is preferred; the phone is the fallback.
func FindDuplicateCheckIn(records []AttendanceRecord, studentID, phone string, at time.Time) (AttendanceRecord, bool) {
	day := DayKey(at)
	for _, record := range records {
		if record.Day() != day {
			continue
		}
		if studentID != "" && record.StudentID == studentID {
			return record, true
		}
		if phone != "" && record.Phone == phone {
			return record, true
		}
	}
	return AttendanceRecord{}, false
}
