package syncclient

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPingTimeout = 3 * time.Second

// SyncState is the client's process-wide view of whether the server is reachable.
type SyncState struct {
	mu        sync.RWMutex
	online    bool
	checkedAt time.Time
}

// Online reports the last observed connectivity.
func (s *SyncState) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// CheckedAt reports when connectivity was last observed.
func (s *SyncState) CheckedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkedAt
}

func (s *SyncState) set(online bool, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.online != online
	s.online = online
	s.checkedAt = at
	return changed
}

// Pinger is the subset of the API client the monitor needs.
type Pinger interface {
	Reachable() bool
	Ping(ctx context.Context) error
}

// ConnectivityMonitor pings the server and records the result in a SyncState.
type ConnectivityMonitor struct {
	client  Pinger
	state   *SyncState
	timeout time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// NewConnectivityMonitor builds a monitor; a non-positive timeout uses three seconds.
func NewConnectivityMonitor(client Pinger, state *SyncState, timeout time.Duration, logger *zap.Logger) *ConnectivityMonitor {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectivityMonitor{
		client:  client,
		state:   state,
		timeout: timeout,
		clock:   time.Now,
		logger:  logger,
	}
}

// Check pings the server within the timeout and returns the new connectivity.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	online := false
	if m.client.Reachable() {
		pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.client.Ping(pingCtx)
		cancel()
		online = err == nil
		if err != nil {
			m.logger.Debug("server ping failed", zap.Error(err))
		}
	}
	if m.state.set(online, m.clock()) {
		m.logger.Info("server connectivity changed", zap.Bool("online", online))
	}
	return online
}
