package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/auth"
	"github.com/MarcoPoloResearchLab/dtc/internal/docstore"
	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testAPIKey = "test-sync-key"

var testNow = time.Date(2025, time.November, 8, 9, 0, 0, 0, time.UTC)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return "a_srv" + string(rune('0'+p.next)), nil
}

type codedTestError struct {
	code string
}

func (e codedTestError) Error() string {
	return e.code
}

func (e codedTestError) Code() string {
	return e.code
}

type failingStore struct{}

func (failingStore) Read(context.Context) (reconcile.State, error) {
	return reconcile.State{}, codedTestError{code: "docstore.read.context_done"}
}

func (failingStore) Update(context.Context, func(*reconcile.State) (bool, error)) (reconcile.State, error) {
	return reconcile.State{}, errors.New("disk full")
}

func newTestHandler(t *testing.T, store StateStore, dispatcher *RealtimeDispatcher) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Store:             store,
		Keys:              mustKeys(t),
		IDProvider:        &sequenceIDProvider{},
		Clock:             func() time.Time { return testNow },
		Logger:            zap.NewNop(),
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func mustKeys(t *testing.T) *auth.KeyValidator {
	t.Helper()
	keys, err := auth.NewKeyValidator(testAPIKey)
	if err != nil {
		t.Fatalf("failed to build key validator: %v", err)
	}
	return keys
}

func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	store, err := docstore.New(docstore.Config{
		Path:            filepath.Join(t.TempDir(), "data.json"),
		SerializeWrites: true,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newJSONRequest(t *testing.T, method, target, body string, withKey bool) *http.Request {
	t.Helper()
	request, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if withKey {
		request.Header.Set(auth.HeaderAPIKey, testAPIKey)
	}
	return request
}
