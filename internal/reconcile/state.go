// Package reconcile holds the merge rules that keep the desk client's local records and the
// sync server's document consistent without losing or duplicating records.
package reconcile

import "github.com/MarcoPoloResearchLab/dtc/internal/school"

// State is the shared document exchanged between the sync server and its clients.
type State struct {
	Students     []school.Student          `json:"students"`
	Attendance   []school.AttendanceRecord `json:"attendance"`
	Transactions []school.Payment          `json:"transactions"`
}

// EmptyState returns a state with non-nil empty collections.
func EmptyState() State {
	return State{
		Students:     []school.Student{},
		Attendance:   []school.AttendanceRecord{},
		Transactions: []school.Payment{},
	}
}

// Normalize replaces nil collections with empty ones so the document always encodes arrays.
func (state *State) Normalize() {
	if state.Students == nil {
		state.Students = []school.Student{}
	}
	if state.Attendance == nil {
		state.Attendance = []school.AttendanceRecord{}
	}
	if state.Transactions == nil {
		state.Transactions = []school.Payment{}
	}
}

// Clone returns a deep copy of the collections (packages are shared immutable values).
func (state State) Clone() State {
	clone := State{
		Students:     make([]school.Student, len(state.Students)),
		Attendance:   make([]school.AttendanceRecord, len(state.Attendance)),
		Transactions: make([]school.Payment, len(state.Transactions)),
	}
	copy(clone.Students, state.Students)
	copy(clone.Attendance, state.Attendance)
	copy(clone.Transactions, state.Transactions)
	return clone
}
