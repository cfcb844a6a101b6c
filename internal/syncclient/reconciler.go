package syncclient

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/database"
	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Second

var errMissingDependency = errors.New("syncclient: store, client and state are required")

// LocalStore is the part of the desk database the reconciler reads and rewrites.
type LocalStore interface {
	ListStudents(ctx context.Context) ([]school.Student, error)
	ListAttendance(ctx context.Context, states ...database.SyncState) ([]database.AttendanceEntry, error)
	Tombstones(ctx context.Context) (map[string]struct{}, error)
	ApplyPull(ctx context.Context, result reconcile.PullResult) error
	MarkAttendance(ctx context.Context, state database.SyncState, ids ...string) (int64, error)
	RemoveAttendance(ctx context.Context, id string) error
}

// Remote is the part of the API client the reconciler drives.
type Remote interface {
	Pinger
	FetchState(ctx context.Context) (reconcile.State, error)
	Sync(ctx context.Context, payload reconcile.Payload) (reconcile.State, error)
	DeleteAttendance(ctx context.Context, id string) error
}

type ReconcilerConfig struct {
	Store       LocalStore
	Client      Remote
	State       *SyncState
	Interval    time.Duration
	PingTimeout time.Duration
	Logger      *zap.Logger
}

// Reconciler runs the periodic connectivity check, pull, push and tombstone retry.
type Reconciler struct {
	store    LocalStore
	client   Remote
	state    *SyncState
	monitor  *ConnectivityMonitor
	interval time.Duration
	logger   *zap.Logger
}

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	Online            bool
	Pulled            bool
	Pushed            int
	Acknowledged      int
	TombstonesCleared int
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.State == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		store:    cfg.Store,
		client:   cfg.Client,
		state:    cfg.State,
		monitor:  NewConnectivityMonitor(cfg.Client, cfg.State, cfg.PingTimeout, logger),
		interval: interval,
		logger:   logger,
	}, nil
}

// Run ticks immediately and then on every interval until ctx is done. A tick that outlasts the
// interval delays the next one instead of overlapping it.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one pass: ping, then pull, push and tombstone retry while online.
// Failures are logged; the next tick starts over.
func (r *Reconciler) Tick(ctx context.Context) TickReport {
	report := TickReport{Online: r.monitor.Check(ctx)}
	if !report.Online {
		return report
	}

	if err := r.Pull(ctx); err != nil {
		r.logger.Warn("pull skipped", zap.Error(err))
	} else {
		report.Pulled = true
	}

	pushed, acknowledged, err := r.Push(ctx)
	if err != nil {
		r.logger.Warn("push failed", zap.Error(err))
	}
	report.Pushed = pushed
	report.Acknowledged = acknowledged

	cleared, err := r.RetryTombstones(ctx)
	if err != nil {
		r.logger.Warn("tombstone retry failed", zap.Error(err))
	}
	report.TombstonesCleared = cleared
	return report
}

// Pull fetches the server state and merges it into the local store. Any failure leaves the
// local store untouched.
func (r *Reconciler) Pull(ctx context.Context) error {
	server, err := r.client.FetchState(ctx)
	if err != nil {
		return err
	}
	localStudents, err := r.store.ListStudents(ctx)
	if err != nil {
		return err
	}
	tombstones, err := r.store.Tombstones(ctx)
	if err != nil {
		return err
	}
	result := reconcile.MergePull(server, localStudents, tombstones)
	if err := r.store.ApplyPull(ctx, result); err != nil {
		return err
	}
	r.logger.Debug("pulled server state",
		zap.Int("students", len(result.Students)),
		zap.Int("attendance", len(result.Attendance)))
	return nil
}

// Push sends every local student and the queued attendance. Only queued records present in the
// merged response are marked synced; the rest stay queued. It returns the number pushed and
// acknowledged.
func (r *Reconciler) Push(ctx context.Context) (int, int, error) {
	entries, err := r.store.ListAttendance(ctx, database.SyncStatePending)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	students, err := r.store.ListStudents(ctx)
	if err != nil {
		return 0, 0, err
	}

	queued := make([]school.AttendanceRecord, 0, len(entries))
	for _, entry := range entries {
		queued = append(queued, entry.Record)
	}
	merged, err := r.client.Sync(ctx, reconcile.Payload{Students: students, Attendance: queued})
	if err != nil {
		return len(queued), 0, err
	}

	acknowledged := reconcile.AcknowledgedIDs(queued, merged.Attendance)
	if _, err := r.store.MarkAttendance(ctx, database.SyncStateSynced, acknowledged...); err != nil {
		return len(queued), 0, err
	}
	if len(acknowledged) < len(queued) {
		r.logger.Warn("server did not acknowledge every queued record",
			zap.Int("queued", len(queued)),
			zap.Int("acknowledged", len(acknowledged)))
	} else {
		r.logger.Info("synced local records to server", zap.Int("attendance", len(acknowledged)))
	}
	return len(queued), len(acknowledged), nil
}

// RetryTombstones asks the server to delete every tombstoned record again. A confirmed delete or
// a record the server never had clears the tombstone.
func (r *Reconciler) RetryTombstones(ctx context.Context) (int, error) {
	tombstones, err := r.store.Tombstones(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	var lastErr error
	for id := range tombstones {
		err := r.client.DeleteAttendance(ctx, id)
		if err != nil && !errors.Is(err, ErrRemoteNotFound) {
			r.logger.Debug("server delete still failing", zap.String("attendance_id", id), zap.Error(err))
			lastErr = err
			continue
		}
		if err := r.store.RemoveAttendance(ctx, id); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, lastErr
}
