package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/dtc/internal/database"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/MarcoPoloResearchLab/dtc/internal/syncclient"
	"go.uber.org/zap"
)

// CheckInInput identifies who is checking in. A walk-in without a roster entry gives a name only.
type CheckInInput struct {
	StudentID string
	Name      string
}

// CheckInResult reports the stored record and whether the server already confirmed it.
type CheckInResult struct {
	Record school.AttendanceRecord
	State  database.SyncState
}

// CheckIn records attendance now. A second check-in for the same student or phone on the same
// day is rejected. When online the record is posted immediately; otherwise, or when the post
// fails, it stays queued for the reconciler.
func (s *Service) CheckIn(ctx context.Context, input CheckInInput) (CheckInResult, error) {
	record := school.AttendanceRecord{
		StudentID: strings.TrimSpace(input.StudentID),
		Name:      strings.TrimSpace(input.Name),
		Time:      s.clock().UTC(),
	}
	if record.StudentID == "" && record.Name == "" {
		return CheckInResult{}, school.ErrInvalidName
	}
	if record.StudentID != "" {
		student, found, err := s.store.FindStudent(ctx, record.StudentID)
		if err != nil {
			return CheckInResult{}, err
		}
		if !found {
			return CheckInResult{}, fmt.Errorf("%w: student %s", ErrNotFound, record.StudentID)
		}
		record.Phone = student.Phone
		if record.Name == "" {
			record.Name = student.Name
		}
	}

	entries, err := s.store.ListAttendance(ctx, database.SyncStatePending, database.SyncStateSynced)
	if err != nil {
		return CheckInResult{}, err
	}
	if duplicate, found := school.FindDuplicateCheckIn(records(entries), record.StudentID, record.Phone, record.Time); found {
		return CheckInResult{}, fmt.Errorf("%w: record %s", school.ErrDuplicateAttendance, duplicate.ID)
	}

	id, err := s.attendanceIDs.NewID()
	if err != nil {
		return CheckInResult{}, err
	}
	record.ID = id
	if err := s.store.InsertAttendance(ctx, record, database.SyncStatePending); err != nil {
		return CheckInResult{}, err
	}

	result := CheckInResult{Record: record, State: database.SyncStatePending}
	if !s.online() {
		s.logger.Info("check-in queued for sync", zap.String("attendance_id", record.ID))
		return result, nil
	}
	if _, err := s.remote.PostAttendance(ctx, record); err != nil {
		s.logger.Warn("check-in queued after server post failed",
			zap.String("attendance_id", record.ID),
			zap.Error(err))
		return result, nil
	}
	if _, err := s.store.MarkAttendance(ctx, database.SyncStateSynced, record.ID); err != nil {
		return result, err
	}
	result.State = database.SyncStateSynced
	s.logger.Info("check-in recorded on server", zap.String("attendance_id", record.ID))
	return result, nil
}

// ListAttendance returns visible attendance newest first, limited to one UTC day when given.
func (s *Service) ListAttendance(ctx context.Context, day string) ([]CheckInResult, error) {
	entries, err := s.store.ListAttendance(ctx, database.SyncStatePending, database.SyncStateSynced)
	if err != nil {
		return nil, err
	}
	out := make([]CheckInResult, 0, len(entries))
	for _, entry := range entries {
		if day != "" && entry.Record.Day() != day {
			continue
		}
		out = append(out, CheckInResult{Record: entry.Record, State: entry.State})
	}
	return out, nil
}

// DeleteAttendance tombstones the record locally and, when online, asks the server to delete it.
// The tombstone is cleared once the server confirms; otherwise the reconciler retries later.
// A rejected sync key is reported as ErrUnauthorized with the tombstone kept.
func (s *Service) DeleteAttendance(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}
	entry, found, err := s.store.FindAttendance(ctx, id)
	if err != nil {
		return err
	}
	if !found || entry.State == database.SyncStateDeleted {
		return fmt.Errorf("%w: attendance %s", ErrNotFound, id)
	}
	if _, err := s.store.MarkAttendance(ctx, database.SyncStateDeleted, id); err != nil {
		return err
	}
	s.logger.Info("attendance deleted locally", zap.String("attendance_id", id))

	if !s.online() {
		return nil
	}
	err = s.remote.DeleteAttendance(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		s.logger.Warn("server rejected attendance delete", zap.String("attendance_id", id))
		return err
	case errors.Is(err, syncclient.ErrRemoteNotFound):
	default:
		s.logger.Warn("server delete failed, will retry", zap.String("attendance_id", id), zap.Error(err))
		return nil
	}
	return s.store.RemoveAttendance(ctx, id)
}
