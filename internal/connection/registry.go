package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/metrics"
)

// Transport is the write side of one realtime connection. Implementations
// must be safe for concurrent Send and must make Close idempotent.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Conn is one registered realtime connection. Identity is fixed at
// registration; the session binding changes as the client joins and leaves.
type Conn struct {
	ID          string
	UserID      string
	DisplayName string
	transport   Transport

	mu            sync.Mutex
	sessionID     string
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// SessionID returns the session this connection is currently bound to,
// empty when not in a session.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastHeartbeat returns when the connection last proved liveness.
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// ConnectedAt returns when the connection was registered.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// RegistryStats represents registry statistics.
type RegistryStats struct {
	ActiveConnections int    `json:"active_connections"`
	ActiveUsers       int    `json:"active_users"`
	ActiveSessions    int    `json:"active_sessions"`
	TotalRegistered   uint64 `json:"total_registered"`
	TotalDisconnected uint64 `json:"total_disconnected"`
	TotalSwept        uint64 `json:"total_swept"`
	SendFailures      uint64 `json:"send_failures"`
}

// Registry indexes live connections by id, user and session, enforces the
// per-user and per-session caps, and sweeps connections whose heartbeats
// have gone stale.
type Registry struct {
	config  config.ConnectionConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.RWMutex
	byID      map[string]*Conn
	byUser    map[string]map[string]*Conn
	bySession map[string]map[string]*Conn

	totalRegistered   uint64
	totalDisconnected uint64
	totalSwept        uint64
	sendFailures      uint64

	// onDisconnect fires after a connection is removed from the indexes,
	// outside the registry lock.
	onDisconnect func(conn *Conn, sessionID string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a connection registry. m may be nil when metrics are
// not collected.
func NewRegistry(cfg config.ConnectionConfig, m *metrics.Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		config:    cfg,
		metrics:   m,
		logger:    logger.With("component", "registry"),
		byID:      make(map[string]*Conn),
		byUser:    make(map[string]map[string]*Conn),
		bySession: make(map[string]map[string]*Conn),
		stopCh:    make(chan struct{}),
	}
}

// OnDisconnect sets the hook invoked whenever a connection leaves the
// registry, whether by client action, send failure or heartbeat sweep.
// Must be set before Start.
func (r *Registry) OnDisconnect(fn func(conn *Conn, sessionID string)) {
	r.onDisconnect = fn
}

// Register adds a connection under the given identity. It fails with a
// rate limit error when the user already holds the maximum number of
// connections.
func (r *Registry) Register(id, userID, displayName string, transport Transport) (*Conn, error) {
	now := time.Now()
	conn := &Conn{
		ID:            id,
		UserID:        userID,
		DisplayName:   displayName,
		transport:     transport,
		connectedAt:   now,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	if len(r.byUser[userID]) >= r.config.MaxPerUser {
		r.mu.Unlock()
		return nil, &errs.RateLimitError{Scope: "user", Limit: r.config.MaxPerUser}
	}
	r.byID[id] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][id] = conn
	r.totalRegistered++
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"conn_id", id,
		"user_id", userID)
	return conn, nil
}

// Get returns a connection by id, nil when unknown.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// BindSession attaches a connection to a session, enforcing the session
// connection cap. A connection bound to another session must leave first.
func (r *Registry) BindSession(connID, sessionID string) error {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return &errs.ValidationError{Field: "connection_id", Reason: "unknown connection"}
	}

	conn.mu.Lock()
	current := conn.sessionID
	conn.mu.Unlock()
	if current == sessionID {
		r.mu.Unlock()
		return nil
	}
	if current != "" {
		r.mu.Unlock()
		return &errs.ValidationError{Field: "session_id", Reason: "connection already in a session"}
	}
	if len(r.bySession[sessionID]) >= r.config.MaxPerSession {
		r.mu.Unlock()
		return &errs.RateLimitError{Scope: "session", Limit: r.config.MaxPerSession}
	}

	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]*Conn)
	}
	r.bySession[sessionID][connID] = conn
	conn.mu.Lock()
	conn.sessionID = sessionID
	conn.mu.Unlock()
	r.mu.Unlock()
	return nil
}

// UnbindSession detaches a connection from its session. Detaching a
// connection that is not in a session is a no-op.
func (r *Registry) UnbindSession(connID string) {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.mu.Lock()
	sessionID := conn.sessionID
	conn.sessionID = ""
	conn.mu.Unlock()
	r.removeSessionIndexLocked(connID, sessionID)
	r.mu.Unlock()
}

// caller must hold r.mu
func (r *Registry) removeSessionIndexLocked(connID, sessionID string) {
	if sessionID == "" {
		return
	}
	if conns, ok := r.bySession[sessionID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// Touch records a heartbeat for a connection.
func (r *Registry) Touch(connID string) {
	r.mu.RLock()
	conn, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now()
	conn.mu.Unlock()
}

// Disconnect removes a connection from all indexes, closes its transport
// and fires the disconnect hook. Disconnecting an unknown id is a no-op,
// so concurrent disconnect paths are safe.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connID)
	if conns, ok := r.byUser[conn.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	conn.mu.Lock()
	sessionID := conn.sessionID
	conn.sessionID = ""
	conn.mu.Unlock()
	r.removeSessionIndexLocked(connID, sessionID)
	r.totalDisconnected++
	r.mu.Unlock()

	if err := conn.transport.Close(); err != nil {
		r.logger.Debug("transport close failed", "conn_id", connID, "error", err)
	}

	r.logger.Info("connection disconnected",
		"conn_id", connID,
		"user_id", conn.UserID,
		"session_id", sessionID)

	if r.onDisconnect != nil {
		r.onDisconnect(conn, sessionID)
	}
}

// Send delivers data to one connection. A failed send disconnects the
// connection so it cannot linger half-dead in the indexes.
func (r *Registry) Send(connID string, data []byte) error {
	r.mu.RLock()
	conn, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return &errs.ValidationError{Field: "connection_id", Reason: "unknown connection"}
	}

	if err := conn.transport.Send(data); err != nil {
		r.mu.Lock()
		r.sendFailures++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.SendFailures.Inc()
		}
		r.logger.Warn("send failed, disconnecting",
			"conn_id", connID,
			"error", err)
		r.Disconnect(connID)
		return err
	}
	return nil
}

// Broadcast delivers data to every connection bound to a session, skipping
// the excluded connection id when non-empty. Failed receivers are
// disconnected; delivery to the rest continues.
func (r *Registry) Broadcast(sessionID string, data []byte, excludeConnID string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.bySession[sessionID]))
	for id, conn := range r.bySession[sessionID] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := r.Send(conn.ID, data); err == nil {
			delivered++
		}
	}
	return delivered
}

// SessionConns returns the connections currently bound to a session.
func (r *Registry) SessionConns(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.bySession[sessionID]))
	for _, conn := range r.bySession[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// UserConnCount returns how many connections a user currently holds.
func (r *Registry) UserConnCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Start launches the heartbeat sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper. Connections stay registered; callers disconnect
// them explicitly during shutdown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.GetSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Registry) sweepStale() {
	timeout := r.config.GetHeartbeatTimeout()
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range r.byID {
		conn.mu.Lock()
		last := conn.lastHeartbeat
		conn.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("sweeping stale connection", "conn_id", id, "timeout", timeout)
		r.Disconnect(id)
		r.mu.Lock()
		r.totalSwept++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.ConnectionsSwept.Inc()
		}
	}
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		ActiveConnections: len(r.byID),
		ActiveUsers:       len(r.byUser),
		ActiveSessions:    len(r.bySession),
		TotalRegistered:   r.totalRegistered,
		TotalDisconnected: r.totalDisconnected,
		TotalSwept:        r.totalSwept,
		SendFailures:      r.sendFailures,
	}
}
