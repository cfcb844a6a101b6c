package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/auth"
	"github.com/MarcoPoloResearchLab/dtc/internal/database"
	"github.com/MarcoPoloResearchLab/dtc/internal/docstore"
	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"github.com/MarcoPoloResearchLab/dtc/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "desk-key"

var checkInTime = time.Date(2025, time.November, 8, 9, 0, 0, 0, time.UTC)

type syncServer struct {
	url     string
	store   *docstore.Store
	offline atomic.Bool
}

func startSyncServer(t *testing.T) *syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := docstore.New(docstore.Config{Path: filepath.Join(t.TempDir(), "data.json"), SerializeWrites: true})
	require.NoError(t, err)
	keys, err := auth.NewKeyValidator(testKey)
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:      store,
		Keys:       keys,
		IDProvider: school.NewUUIDProvider(school.PrefixAttendance),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	fixture := &syncServer{store: store}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fixture.offline.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(httpServer.Close)
	fixture.url = httpServer.URL
	return fixture
}

func newLocalStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "desk.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := database.NewStore(database.StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func newClient(t *testing.T, baseURL, key string) *APIClient {
	t.Helper()
	client, err := NewAPIClient(ClientConfig{
		BaseURL: baseURL,
		Key:     func(context.Context) string { return key },
	})
	require.NoError(t, err)
	return client
}

func newTestReconciler(t *testing.T, store LocalStore, client Remote) (*Reconciler, *SyncState) {
	t.Helper()
	state := &SyncState{}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Store:       store,
		Client:      client,
		State:       state,
		PingTimeout: time.Second,
	})
	require.NoError(t, err)
	return reconciler, state
}

func TestQueuedCheckInReachesServerOnceOnline(t *testing.T) {
	ctx := context.Background()
	fixture := startSyncServer(t)
	fixture.offline.Store(true)

	local := newLocalStore(t)
	require.NoError(t, local.InsertStudent(ctx, school.Student{ID: "s_1", Name: "Ram", Phone: "9812345678"}))
	record := school.AttendanceRecord{ID: "a_offline", StudentID: "s_1", Name: "Ram", Phone: "9812345678", Time: checkInTime}
	require.NoError(t, local.InsertAttendance(ctx, record, database.SyncStatePending))

	reconciler, state := newTestReconciler(t, local, newClient(t, fixture.url, testKey))

	report := reconciler.Tick(ctx)
	require.False(t, report.Online)
	require.False(t, state.Online())
	pending, err := local.ListAttendance(ctx, database.SyncStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	fixture.offline.Store(false)
	report = reconciler.Tick(ctx)
	require.True(t, report.Online)
	require.True(t, report.Pulled)
	require.Equal(t, 1, report.Pushed)
	require.Equal(t, 1, report.Acknowledged)
	require.True(t, state.Online())

	serverState, err := fixture.store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, serverState.Attendance, 1)
	require.Equal(t, "a_offline", serverState.Attendance[0].ID)
	require.Len(t, serverState.Students, 1)

	pending, err = local.ListAttendance(ctx, database.SyncStatePending)
	require.NoError(t, err)
	require.Empty(t, pending)

	report = reconciler.Tick(ctx)
	require.Zero(t, report.Pushed)
	serverState, err = fixture.store.Read(ctx)
	require.NoError(t, err)
	require.Len(t, serverState.Attendance, 1)
}

func TestPullKeepsLocalOnlyStudentsAndHonoursTombstones(t *testing.T) {
	ctx := context.Background()
	fixture := startSyncServer(t)
	_, err := fixture.store.Update(ctx, func(state *reconcile.State) (bool, error) {
		state.Students = []school.Student{{ID: "s_server", Name: "Server", Package: &school.Package{ID: "car_7"}}}
		state.Attendance = []school.AttendanceRecord{
			{ID: "a_kept", Name: "Server", Time: checkInTime},
			{ID: "a_deleted", Name: "Server", Time: checkInTime},
		}
		return true, nil
	})
	require.NoError(t, err)

	local := newLocalStore(t)
	require.NoError(t, local.InsertStudent(ctx, school.Student{ID: "s_local", Name: "Local"}))
	require.NoError(t, local.InsertAttendance(ctx, school.AttendanceRecord{ID: "a_deleted", Time: checkInTime}, database.SyncStateDeleted))

	reconciler, _ := newTestReconciler(t, local, newClient(t, fixture.url, testKey))
	require.NoError(t, reconciler.Pull(ctx))

	students, err := local.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 2)
	require.Equal(t, "s_server", students[0].ID)
	require.Equal(t, int64(6000), students[0].Package.Price)
	require.Equal(t, "s_local", students[1].ID)

	entries, err := local.ListAttendance(ctx)
	require.NoError(t, err)
	states := map[string]database.SyncState{}
	for _, entry := range entries {
		states[entry.Record.ID] = entry.State
	}
	require.Equal(t, map[string]database.SyncState{
		"a_kept":    database.SyncStateSynced,
		"a_deleted": database.SyncStateDeleted,
	}, states)
}

func TestPullFailureLeavesLocalStoreUntouched(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	require.NoError(t, local.InsertStudent(ctx, school.Student{ID: "s_local", Name: "Local"}))

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"state":`))
	}))
	t.Cleanup(malformed.Close)

	reconciler, _ := newTestReconciler(t, local, newClient(t, malformed.URL, testKey))
	require.Error(t, reconciler.Pull(ctx))

	students, err := local.ListStudents(ctx)
	require.NoError(t, err)
	require.Len(t, students, 1)
}

type partialAckRemote struct {
	dropID  string
	deletes map[string]error
	synced  []reconcile.Payload
}

func (r *partialAckRemote) Reachable() bool { return true }

func (r *partialAckRemote) Ping(context.Context) error { return nil }

func (r *partialAckRemote) FetchState(context.Context) (reconcile.State, error) {
	return reconcile.State{}, errors.New("not used")
}

func (r *partialAckRemote) Sync(_ context.Context, payload reconcile.Payload) (reconcile.State, error) {
	r.synced = append(r.synced, payload)
	merged := reconcile.EmptyState()
	for _, record := range payload.Attendance {
		if record.ID != r.dropID {
			merged.Attendance = append(merged.Attendance, record)
		}
	}
	return merged, nil
}

func (r *partialAckRemote) DeleteAttendance(_ context.Context, id string) error {
	return r.deletes[id]
}

func TestPushOnlyAcknowledgesRecordsPresentInMergedState(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	for _, id := range []string{"a_1", "a_2"} {
		require.NoError(t, local.InsertAttendance(ctx, school.AttendanceRecord{ID: id, Time: checkInTime}, database.SyncStatePending))
	}

	remote := &partialAckRemote{dropID: "a_2"}
	reconciler, _ := newTestReconciler(t, local, remote)

	pushed, acknowledged, err := reconciler.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pushed)
	require.Equal(t, 1, acknowledged)

	pending, err := local.ListAttendance(ctx, database.SyncStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "a_2", pending[0].Record.ID)
	require.NotNil(t, remote.synced[0].Students)
}

func TestRetryTombstonesClearsConfirmedAndMissing(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	for _, id := range []string{"a_ok", "a_missing", "a_failing"} {
		require.NoError(t, local.InsertAttendance(ctx, school.AttendanceRecord{ID: id, Time: checkInTime}, database.SyncStateDeleted))
	}

	remote := &partialAckRemote{deletes: map[string]error{
		"a_missing": ErrRemoteNotFound,
		"a_failing": &StatusError{StatusCode: http.StatusInternalServerError},
	}}
	reconciler, _ := newTestReconciler(t, local, remote)

	cleared, err := reconciler.RetryTombstones(ctx)
	require.Error(t, err)
	require.Equal(t, 2, cleared)

	tombstones, err := local.Tombstones(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"a_failing": {}}, tombstones)
}

func TestConnectivityShortCircuitsForUnreachableOrigins(t *testing.T) {
	for _, baseURL := range []string{"", "file:///srv/dtc/index.html"} {
		client := newClient(t, baseURL, "")
		require.False(t, client.Reachable())
		state := &SyncState{}
		monitor := NewConnectivityMonitor(client, state, time.Second, nil)
		require.False(t, monitor.Check(context.Background()))
		require.ErrorIs(t, client.Ping(context.Background()), ErrUnreachable)
	}
}

func TestConnectivityCheckIsBoundedByTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	state := &SyncState{}
	monitor := NewConnectivityMonitor(newClient(t, slow.URL, ""), state, 50*time.Millisecond, nil)

	started := time.Now()
	require.False(t, monitor.Check(context.Background()))
	require.Less(t, time.Since(started), 2*time.Second)
	require.False(t, state.CheckedAt().IsZero())
}

func TestClientMapsServerRejections(t *testing.T) {
	ctx := context.Background()
	fixture := startSyncServer(t)

	wrongKey := newClient(t, fixture.url, "wrong")
	_, err := wrongKey.Sync(ctx, reconcile.Payload{})
	require.ErrorIs(t, err, ErrUnauthorized)

	client := newClient(t, fixture.url, testKey)
	require.ErrorIs(t, client.DeleteAttendance(ctx, "a_unknown"), ErrRemoteNotFound)

	record := school.AttendanceRecord{ID: "a_1", Phone: "9812345678", Time: checkInTime}
	stored, err := client.PostAttendance(ctx, record)
	require.NoError(t, err)
	require.Equal(t, "a_1", stored.ID)

	_, err = client.PostAttendance(ctx, school.AttendanceRecord{ID: "a_2", Phone: "9812345678", Time: checkInTime.Add(5 * time.Hour)})
	require.ErrorIs(t, err, school.ErrDuplicateAttendance)

	require.NoError(t, client.DeleteAttendance(ctx, "a_1"))
}

func TestStoredKeyPrefersDeviceSetting(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	key := StoredKey(local, "configured")
	require.Equal(t, "configured", key(ctx))

	require.NoError(t, local.PutSetting(ctx, database.SettingSyncKey, "device"))
	require.Equal(t, "device", key(ctx))

	require.Equal(t, "configured", StoredKey(nil, "configured")(ctx))
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	local := newLocalStore(t)
	reconciler, err := NewReconciler(ReconcilerConfig{
		Store:    local,
		Client:   newClient(t, "", ""),
		State:    &SyncState{},
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, reconciler.Run(ctx), context.DeadlineExceeded)
}
