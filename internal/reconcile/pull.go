package reconcile

import "github.com/MarcoPoloResearchLab/dtc/internal/school"

// MergePulledStudents returns the server students followed by every local student whose
// identifier the server does not know. A student present on both sides is taken from the
// server; local edits to an already-synced student are not preserved. Students without an
// identifier are dropped and only the first occurrence of an identifier is kept.
func MergePulledStudents(server, local []school.Student) []school.Student {
	merged := make([]school.Student, 0, len(server)+len(local))
	known := make(map[string]struct{}, len(server)+len(local))
	for _, student := range server {
		if student.ID == "" {
			continue
		}
		if _, ok := known[student.ID]; ok {
			continue
		}
		school.NormalizePackage(&student)
		merged = append(merged, student)
		known[student.ID] = struct{}{}
	}
	for _, student := range local {
		if student.ID == "" {
			continue
		}
		if _, ok := known[student.ID]; ok {
			continue
		}
		merged = append(merged, student)
		known[student.ID] = struct{}{}
	}
	return merged
}

// FilterTombstoned drops every server record whose identifier was deleted locally.
func FilterTombstoned(server []school.AttendanceRecord, tombstones map[string]struct{}) []school.AttendanceRecord {
	filtered := make([]school.AttendanceRecord, 0, len(server))
	for _, record := range server {
		if _, deleted := tombstones[record.ID]; deleted {
			continue
		}
		filtered = append(filtered, record)
	}
	return filtered
}

// PullResult is the local content that replaces the previous pulled content.
type PullResult struct {
	Students   []school.Student
	Attendance []school.AttendanceRecord
}

// MergePull applies both pull rules to a server snapshot.
func MergePull(server State, localStudents []school.Student, tombstones map[string]struct{}) PullResult {
	return PullResult{
		Students:   MergePulledStudents(server.Students, localStudents),
		Attendance: FilterTombstoned(server.Attendance, tombstones),
	}
}
