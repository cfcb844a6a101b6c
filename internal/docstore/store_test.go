package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStore(t *testing.T, cacheTTL time.Duration) *Store {
	t.Helper()
	store, err := New(Config{
		Path:            filepath.Join(t.TempDir(), "data.json"),
		SerializeWrites: true,
		CacheTTL:        cacheTTL,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestNewCreatesEmptyDocument(t *testing.T) {
	store := newTestStore(t, 0)

	contents, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("expected document on disk: %v", err)
	}
	var decoded map[string][]any
	if err := json.Unmarshal(contents, &decoded); err != nil {
		t.Fatalf("document is not valid json: %v", err)
	}
	for _, key := range []string{"students", "attendance", "transactions"} {
		collection, ok := decoded[key]
		if !ok || collection == nil || len(collection) != 0 {
			t.Fatalf("expected empty %s collection, got %v", key, decoded[key])
		}
	}
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "docstore.new.missing_path" {
		t.Fatalf("expected missing path service error, got %v", err)
	}
}

func TestReadTreatsMalformedDocumentAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	store, err := New(Config{Path: path, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("malformed document must not fail reads: %v", err)
	}
	if len(state.Students) != 0 || len(state.Attendance) != 0 || state.Transactions == nil {
		t.Fatalf("expected empty collections, got %#v", state)
	}
	if logs.FilterMessage("state document malformed, using empty collections").Len() != 1 {
		t.Fatalf("expected a warning about the malformed document")
	}
}

func TestUpdateRefusesToOverwriteUndecodableDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	seeded := []byte(`{"students":[{"id":"s_1","name":"Ram","phone":"9812345678"}],` +
		`"attendance":[{"id":"a_old","time":"2025-11-08 09:00"},{"id":"a_ok","time":"2025-11-08T09:00:00Z"}],` +
		`"transactions":[]}`)
	if err := os.WriteFile(path, seeded, 0o644); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	store, err := New(Config{Path: path, SerializeWrites: true, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	state, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("undecodable document must not fail reads: %v", err)
	}
	if len(state.Students) != 0 || len(state.Attendance) != 0 {
		t.Fatalf("expected empty collections, got %#v", state)
	}

	mutated := false
	_, err = store.Update(ctx, func(state *reconcile.State) (bool, error) {
		mutated = true
		return reconcile.MergePush(state, reconcile.Payload{
			Attendance: []school.AttendanceRecord{{ID: "a_new", Time: time.Date(2025, time.November, 9, 9, 0, 0, 0, time.UTC)}},
		}).Changed(), nil
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "docstore.update.document_unreadable" {
		t.Fatalf("expected document_unreadable service error, got %v", err)
	}
	if mutated {
		t.Fatalf("mutation must not run against an undecodable document")
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	if string(contents) != string(seeded) {
		t.Fatalf("document was rewritten:\n%s", contents)
	}
	if logs.FilterMessage("state document left untouched, refusing to overwrite").FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Fatalf("expected an error log for the refused update")
	}
}

func TestUpdateRecreatesMissingDocument(t *testing.T) {
	store := newTestStore(t, 0)
	if err := os.Remove(store.Path()); err != nil {
		t.Fatalf("failed to remove document: %v", err)
	}
	_, err := store.Update(context.Background(), func(state *reconcile.State) (bool, error) {
		state.Attendance = append(state.Attendance, school.AttendanceRecord{ID: "a_1"})
		return true, nil
	})
	if err != nil {
		t.Fatalf("missing document should be recreated: %v", err)
	}
	state, err := store.Read(context.Background())
	if err != nil || len(state.Attendance) != 1 {
		t.Fatalf("unexpected state %#v, err %v", state, err)
	}
}

func TestUpdatePersistsOnlyWhenChanged(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	_, err := store.Update(ctx, func(state *reconcile.State) (bool, error) {
		report := reconcile.MergePush(state, reconcile.Payload{
			Students: []school.Student{{ID: "s_1", Name: "Ram", Phone: "9812345678"}},
		})
		return report.Changed(), nil
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	before, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	_, err = store.Update(ctx, func(state *reconcile.State) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	after, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("unchanged update must not rewrite the document")
	}

	state, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(state.Students) != 1 || state.Students[0].ID != "s_1" {
		t.Fatalf("unexpected students %#v", state.Students)
	}
}

func TestUpdatePropagatesMutationError(t *testing.T) {
	store := newTestStore(t, time.Minute)
	sentinel := errors.New("rejected")
	_, err := store.Update(context.Background(), func(state *reconcile.State) (bool, error) {
		state.Students = append(state.Students, school.Student{ID: "s_x"})
		return true, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	state, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(state.Students) != 0 {
		t.Fatalf("failed mutation must not be persisted")
	}
}

func TestCachedReadsReturnIndependentCopies(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()
	_, err := store.Update(ctx, func(state *reconcile.State) (bool, error) {
		state.Attendance = append(state.Attendance, school.AttendanceRecord{ID: "a_1"})
		return true, nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	first, _ := store.Read(ctx)
	first.Attendance[0].ID = "mutated"
	second, _ := store.Read(ctx)
	if second.Attendance[0].ID != "a_1" {
		t.Fatalf("cached state leaked a caller mutation: %s", second.Attendance[0].ID)
	}
}

func TestSerializedUpdatesDoNotLoseWrites(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	const writers = 10
	var group sync.WaitGroup
	for index := 0; index < writers; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			record := school.AttendanceRecord{ID: "a_" + string(rune('a'+index))}
			_, err := store.Update(ctx, func(state *reconcile.State) (bool, error) {
				return reconcile.MergePush(state, reconcile.Payload{Attendance: []school.AttendanceRecord{record}}).Changed(), nil
			})
			if err != nil {
				t.Errorf("update failed: %v", err)
			}
		}(index)
	}
	group.Wait()

	state, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(state.Attendance) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(state.Attendance))
	}
}

func TestReadHonoursCancelledContext(t *testing.T) {
	store := newTestStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Read(ctx); err == nil {
		t.Fatalf("expected cancelled context error")
	}
}
