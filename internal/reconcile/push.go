package reconcile

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/school"
)

// Payload is what a client pushes to the server. Absent collections are left untouched.
type Payload struct {
	Students     []school.Student          `json:"students,omitempty"`
	Attendance   []school.AttendanceRecord `json:"attendance,omitempty"`
	Transactions []school.Payment          `json:"transactions,omitempty"`
}

// WithDefaultTimes returns a copy of the payload in which attendance and transactions without a
// timestamp carry now, so every stored record belongs to a calendar day.
func (payload Payload) WithDefaultTimes(now time.Time) Payload {
	stamped := Payload{Students: payload.Students}
	if payload.Attendance != nil {
		stamped.Attendance = make([]school.AttendanceRecord, len(payload.Attendance))
		for index, record := range payload.Attendance {
			if record.Time.IsZero() {
				record.Time = now
			}
			stamped.Attendance[index] = record
		}
	}
	if payload.Transactions != nil {
		stamped.Transactions = make([]school.Payment, len(payload.Transactions))
		for index, transaction := range payload.Transactions {
			if transaction.Time.IsZero() {
				transaction.Time = now
			}
			stamped.Transactions[index] = transaction
		}
	}
	return stamped
}

// PushReport counts what a push merge changed.
type PushReport struct {
	StudentsAdded          int
	StudentsDuplicateID    int
	StudentsDuplicatePhone int
	AttendanceAdded        int
	AttendanceDuplicate    int
	TransactionsAdded      int
	TransactionsDuplicate  int
}

// Changed reports whether the merge added anything.
func (report PushReport) Changed() bool {
	return report.StudentsAdded+report.AttendanceAdded+report.TransactionsAdded > 0
}

// MergePush folds a client payload into the server state. The merge is an additive union
// keyed by identifier: existing server records are never modified or removed.
func MergePush(state *State, payload Payload) PushReport {
	state.Normalize()
	report := PushReport{}

	knownStudents := make(map[string]struct{}, len(state.Students))
	knownPhones := make(map[string]struct{}, len(state.Students))
	for _, student := range state.Students {
		knownStudents[student.ID] = struct{}{}
		if phone := strings.TrimSpace(student.Phone); phone != "" {
			knownPhones[phone] = struct{}{}
		}
	}
	for _, student := range payload.Students {
		if student.ID == "" {
			continue
		}
		if _, ok := knownStudents[student.ID]; ok {
			report.StudentsDuplicateID++
			continue
		}
		phone := strings.TrimSpace(student.Phone)
		if phone != "" {
			if _, ok := knownPhones[phone]; ok {
				report.StudentsDuplicatePhone++
				continue
			}
			knownPhones[phone] = struct{}{}
		}
		state.Students = append(state.Students, student)
		knownStudents[student.ID] = struct{}{}
		report.StudentsAdded++
	}

	knownAttendance := make(map[string]struct{}, len(state.Attendance))
	for _, record := range state.Attendance {
		knownAttendance[record.ID] = struct{}{}
	}
	for _, record := range payload.Attendance {
		if record.ID == "" {
			continue
		}
		if _, ok := knownAttendance[record.ID]; ok {
			report.AttendanceDuplicate++
			continue
		}
		state.Attendance = prepend(state.Attendance, record)
		knownAttendance[record.ID] = struct{}{}
		report.AttendanceAdded++
	}

	knownTransactions := make(map[string]struct{}, len(state.Transactions))
	for _, transaction := range state.Transactions {
		knownTransactions[transaction.ID] = struct{}{}
	}
	for _, transaction := range payload.Transactions {
		if transaction.ID == "" {
			continue
		}
		if _, ok := knownTransactions[transaction.ID]; ok {
			report.TransactionsDuplicate++
			continue
		}
		state.Transactions = prepend(state.Transactions, transaction)
		knownTransactions[transaction.ID] = struct{}{}
		report.TransactionsAdded++
	}

	return report
}

// AcknowledgedIDs returns the identifiers of the pushed records that the merged server state
// now holds.
func AcknowledgedIDs(pushed []school.AttendanceRecord, merged []school.AttendanceRecord) []string {
	present := make(map[string]struct{}, len(merged))
	for _, record := range merged {
		present[record.ID] = struct{}{}
	}
	acknowledged := make([]string, 0, len(pushed))
	for _, record := range pushed {
		if _, ok := present[record.ID]; ok {
			acknowledged = append(acknowledged, record.ID)
		}
	}
	return acknowledged
}

func prepend[T any](items []T, item T) []T {
	items = append(items, item)
	copy(items[1:], items[:len(items)-1])
	items[0] = item
	return items
}
