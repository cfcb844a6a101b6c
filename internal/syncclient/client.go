// Package syncclient keeps the desk's local store reconciled with the sync server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dtc/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dtc/internal/school"
	"go.uber.org/zap"
)

const (
	headerAPIKey          = "X-API-Key"
	maxResponseBodyBytes  = 32 << 20
	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrUnreachable indicates that the configured base URL cannot be reached over the network.
	ErrUnreachable = errors.New("syncclient: server not reachable from this origin")
	// ErrUnauthorized indicates that the server rejected the sync key.
	ErrUnauthorized = errors.New("syncclient: server rejected the sync key")
	// ErrRemoteNotFound indicates that the server does not hold the requested record.
	ErrRemoteNotFound = errors.New("syncclient: record not found on server")
	// ErrRejected indicates a response that was not ok.
	ErrRejected = errors.New("syncclient: server rejected the request")
)

// StatusError carries the status of an unexpected server response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("syncclient: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("syncclient: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrRejected
}

// ClientConfig configures an APIClient.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	// Key returns the sync key to present; an empty key sends no header.
	Key    func(ctx context.Context) string
	Logger *zap.Logger
}

// APIClient talks to the sync server's JSON API.
type APIClient struct {
	baseURL    *url.URL
	reachable  bool
	httpClient *http.Client
	key        func(ctx context.Context) string
	logger     *zap.Logger
}

type envelope struct {
	OK      bool                    `json:"ok"`
	Error   string                  `json:"error"`
	Message string                  `json:"message"`
	Rec     school.AttendanceRecord `json:"rec"`
	State   *reconcile.State        `json:"state"`
}

// NewAPIClient builds a client. An empty or file: base URL yields a client that reports every
// call as unreachable without touching the network.
func NewAPIClient(cfg ClientConfig) (*APIClient, error) {
	client := &APIClient{
		httpClient: cfg.HTTPClient,
		key:        cfg.Key,
		logger:     cfg.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if client.key == nil {
		client.key = func(context.Context) string { return "" }
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}

	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return client, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("syncclient: invalid server url %q: %w", raw, err)
	}
	client.baseURL = parsed
	client.reachable = parsed.Scheme == "http" || parsed.Scheme == "https"
	return client, nil
}

// Reachable reports whether the base URL can be reached over the network at all.
func (c *APIClient) Reachable() bool {
	return c.reachable
}

// Ping performs GET /api/ping.
func (c *APIClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/ping", nil, false)
	return err
}

// FetchState performs GET /api/state.
func (c *APIClient) FetchState(ctx context.Context) (reconcile.State, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/state", nil, true)
	if err != nil {
		return reconcile.State{}, err
	}
	if body.State == nil {
		return reconcile.State{}, fmt.Errorf("%w: state missing from response", ErrRejected)
	}
	state := *body.State
	state.Normalize()
	return state, nil
}

// PostAttendance performs POST /api/attendance with the client-generated record.
func (c *APIClient) PostAttendance(ctx context.Context, record school.AttendanceRecord) (school.AttendanceRecord, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/attendance", record, true)
	if err != nil {
		return school.AttendanceRecord{}, err
	}
	return body.Rec, nil
}

// DeleteAttendance performs POST /api/attendance/delete.
func (c *APIClient) DeleteAttendance(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/attendance/delete", map[string]string{"id": id}, true)
	return err
}

// Sync performs POST /api/sync and returns the merged server state.
func (c *APIClient) Sync(ctx context.Context, payload reconcile.Payload) (reconcile.State, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/sync", payload, true)
	if err != nil {
		return reconcile.State{}, err
	}
	if body.State == nil {
		return reconcile.State{}, fmt.Errorf("%w: state missing from response", ErrRejected)
	}
	state := *body.State
	state.Normalize()
	return state, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, payload any, withKey bool) (envelope, error) {
	if !c.reachable {
		return envelope{}, ErrUnreachable
	}

	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, fmt.Errorf("syncclient: encode %s: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	target := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return envelope{}, err
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if withKey {
		if key := c.key(ctx); key != "" {
			request.Header.Set(headerAPIKey, key)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("sync request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return envelope{}, err
	}
	defer response.Body.Close()

	var body envelope
	decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxResponseBodyBytes)).Decode(&body)

	switch response.StatusCode {
	case http.StatusUnauthorized:
		return body, ErrUnauthorized
	case http.StatusNotFound:
		return body, ErrRemoteNotFound
	case http.StatusConflict:
		return body, fmt.Errorf("%w: %s", school.ErrDuplicateAttendance, body.Message)
	}
	if response.StatusCode != http.StatusOK {
		return body, &StatusError{StatusCode: response.StatusCode, Message: body.Error}
	}
	if decodeErr != nil {
		return body, fmt.Errorf("%w: malformed body: %v", ErrRejected, decodeErr)
	}
	if !body.OK {
		return body, &StatusError{StatusCode: response.StatusCode, Message: body.Error}
	}
	return body, nil
}
