// Package desk implements the front-desk operations on the local store: enrolment, check-ins,
// payments and the deletes that go with them.
package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/database"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/MarcoPoloResearchLab/dtc/internal/syncclient"
	"go.uber.org/zap"
)

var (
	// ErrNotConfirmed indicates that a destructive operation was attempted without confirmation.
	ErrNotConfirmed = errors.New("desk: confirmation required")
	// ErrNotFound indicates that the referenced student, record or payment does not exist locally.
	ErrNotFound = errors.New("desk: not found")
	// ErrUnauthorized indicates that the server rejected this device's sync key.
	ErrUnauthorized = syncclient.ErrUnauthorized

	errMissingStore = errors.New("desk: local store required")
)

// Remote is the server API used for immediate check-ins and deletes.
type Remote interface {
	PostAttendance(ctx context.Context, record school.AttendanceRecord) (school.AttendanceRecord, error)
	DeleteAttendance(ctx context.Context, id string) error
}

// OnlineReporter exposes the connectivity last observed by the reconciler.
type OnlineReporter interface {
	Online() bool
}

type Config struct {
	Store         *database.Store
	Remote        Remote
	Status        OnlineReporter
	StudentIDs    school.IDProvider
	AttendanceIDs school.IDProvider
	PaymentIDs    school.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service runs desk operations against the local store.
type Service struct {
	store         *database.Store
	remote        Remote
	status        OnlineReporter
	studentIDs    school.IDProvider
	attendanceIDs school.IDProvider
	paymentIDs    school.IDProvider
	clock         func() time.Time
	logger        *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	service := &Service{
		store:         cfg.Store,
		remote:        cfg.Remote,
		status:        cfg.Status,
		studentIDs:    cfg.StudentIDs,
		attendanceIDs: cfg.AttendanceIDs,
		paymentIDs:    cfg.PaymentIDs,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}
	if service.studentIDs == nil {
		service.studentIDs = school.NewUUIDProvider(school.PrefixStudent)
	}
	if service.attendanceIDs == nil {
		service.attendanceIDs = school.NewUUIDProvider(school.PrefixAttendance)
	}
	if service.paymentIDs == nil {
		service.paymentIDs = school.NewUUIDProvider(school.PrefixPayment)
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	return service, nil
}

func (s *Service) online() bool {
	return s.remote != nil && s.status != nil && s.status.Online()
}

// AddStudent validates and stores a new student. Nothing is stored when validation fails.
func (s *Service) AddStudent(ctx context.Context, input school.StudentInput) (school.Student, error) {
	existing, err := s.store.ListStudents(ctx)
	if err != nil {
		return school.Student{}, err
	}
	id, err := s.studentIDs.NewID()
	if err != nil {
		return school.Student{}, err
	}
	student, err := school.NewStudent(id, input, existing)
	if err != nil {
		return school.Student{}, err
	}
	if err := s.store.InsertStudent(ctx, student); err != nil {
		return school.Student{}, err
	}
	s.logger.Info("student added", zap.String("student_id", student.ID), zap.String("course", string(student.Course)))
	return student, nil
}

// DeleteStudent removes the student from this device. Payments keep their student snapshot.
func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	deleted, err := s.store.DeleteStudent(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: student %s", ErrNotFound, id)
	}
	s.logger.Info("student deleted", zap.String("student_id", id))
	return nil
}

// ListStudents returns the roster, narrowed to names or phones containing the query when given.
func (s *Service) ListStudents(ctx context.Context, query string) ([]school.Student, error) {
	students, err := s.store.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return students, nil
	}
	filtered := make([]school.Student, 0, len(students))
	for _, student := range students {
		if strings.Contains(strings.ToLower(student.Name), needle) || strings.Contains(student.Phone, needle) {
			filtered = append(filtered, student)
		}
	}
	return filtered, nil
}

// StudentDetail is a student together with its package balance.
type StudentDetail struct {
	Student school.Student
	Balance school.Balance
}

// Student returns the student and its balance.
func (s *Service) Student(ctx context.Context, id string) (StudentDetail, error) {
	student, found, err := s.store.FindStudent(ctx, id)
	if err != nil {
		return StudentDetail{}, err
	}
	if !found {
		return StudentDetail{}, fmt.Errorf("%w: student %s", ErrNotFound, id)
	}
	balance, err := s.balance(ctx, student)
	if err != nil {
		return StudentDetail{}, err
	}
	return StudentDetail{Student: student, Balance: balance}, nil
}

func (s *Service) balance(ctx context.Context, student school.Student) (school.Balance, error) {
	payments, err := s.store.ListPayments(ctx, student.ID)
	if err != nil {
		return school.Balance{}, err
	}
	entries, err := s.store.ListAttendance(ctx, database.SyncStatePending, database.SyncStateSynced)
	if err != nil {
		return school.Balance{}, err
	}
	return school.ComputeBalance(student, payments, records(entries)), nil
}

func records(entries []database.AttendanceEntry) []school.AttendanceRecord {
	out := make([]school.AttendanceRecord, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Record)
	}
	return out
}
