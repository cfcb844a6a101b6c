package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/school"
)

// ErrMissingIDGenerator indicates that a check-in needed a generated identifier but no generator was supplied.
var ErrMissingIDGenerator = errors.New("reconcile: id generator required")

// CheckInRequest describes a single check-in posted to the server.
type CheckInRequest struct {
	ID        string
	StudentID string
	Name      string
	Phone     string
	Time      time.Time
}

// CheckIn inserts an attendance record at the head of the state. The phone is taken from the
// server's copy of the student when known, otherwise from the request. A record for the same
// student or phone on the calendar day of the request's own timestamp is a duplicate.
// A request carrying an identifier the state already holds returns the stored record and
// created=false.
func CheckIn(state *State, request CheckInRequest, newID func() (string, error)) (school.AttendanceRecord, bool, error) {
	state.Normalize()

	if request.ID != "" {
		for _, record := range state.Attendance {
			if record.ID == request.ID {
				return record, false, nil
			}
		}
	}

	name := request.Name
	phone := school.NormalizePhone(request.Phone)
	if request.StudentID != "" {
		for _, student := range state.Students {
			if student.ID != request.StudentID {
				continue
			}
			if student.Phone != "" {
				phone = student.Phone
			}
			if name == "" {
				name = student.Name
			}
			break
		}
	}

	if duplicate, found := school.FindDuplicateCheckIn(state.Attendance, request.StudentID, phone, request.Time); found {
		return school.AttendanceRecord{}, false, fmt.Errorf("%w: record %s", school.ErrDuplicateAttendance, duplicate.ID)
	}

	id := request.ID
	if id == "" {
		if newID == nil {
			return school.AttendanceRecord{}, false, ErrMissingIDGenerator
		}
		generated, err := newID()
		if err != nil {
			return school.AttendanceRecord{}, false, err
		}
		id = generated
	}

	record := school.AttendanceRecord{
		ID:        id,
		StudentID: request.StudentID,
		Name:      name,
		Phone:     phone,
		Time:      request.Time,
	}
	state.Attendance = prepend(state.Attendance, record)
	return record, true, nil
}

// DeleteAttendance removes the record with the identifier and reports whether it existed.
func DeleteAttendance(state *State, id string) bool {
	for index, record := range state.Attendance {
		if record.ID == id {
			state.Attendance = append(state.Attendance[:index], state.Attendance[index+1:]...)
			return true
		}
	}
	return false
}
