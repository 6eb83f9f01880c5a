package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/auth"
	"github.com/voxmeet/voice-session-service/internal/broadcast"
	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/connection"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/metrics"
	"github.com/voxmeet/voice-session-service/internal/protocol"
	"github.com/voxmeet/voice-session-service/internal/session"
)

// WSStats represents WebSocket handler statistics.
type WSStats struct {
	Upgrades      uint64 `json:"upgrades"`
	AuthFailures  uint64 `json:"auth_failures"`
	MessagesRead  uint64 `json:"messages_read"`
	ParseErrors   uint64 `json:"parse_errors"`
	AudioMessages uint64 `json:"audio_messages"`
}

// WSHandler upgrades HTTP requests into realtime connections and drives
// each connection's read loop. One goroutine per connection reads; all
// writes go through the registry's transports.
type WSHandler struct {
	cfg      *config.Config
	verifier auth.Verifier
	registry *connection.Registry
	sessions *session.Manager
	router   *broadcast.Router
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	stats WSStats
}

// NewWSHandler creates the realtime connection handler.
func NewWSHandler(cfg *config.Config, verifier auth.Verifier, registry *connection.Registry,
	sessions *session.Manager, router *broadcast.Router, m *metrics.Metrics, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		sessions: sessions,
		router:   router,
		metrics:  m,
		logger:   logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.HTTP.ReadBufferSize,
			WriteBufferSize: cfg.HTTP.WriteBufferSize,
			// Token auth is the admission control; origin policy belongs
			// to the fronting proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle implements the /ws endpoint. The token is verified before the
// connection is registered; a bad token never touches the registry.
func (h *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(r.Context(), auth.BearerToken(r))
	if err != nil {
		h.mu.Lock()
		h.stats.AuthFailures++
		h.mu.Unlock()
		h.metrics.RecordConnectionRejected("authentication")
		h.logger.Warn("connection rejected", "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	transport := connection.NewWSTransport(ws, h.cfg.Connection.SendQueueSize)

	conn, err := h.registry.Register(connID, claims.UserID, claims.DisplayName, transport)
	if err != nil {
		h.metrics.RecordConnectionRejected("rate_limit")
		h.logger.Warn("connection rejected",
			"user_id", claims.UserID,
			"error", err)
		// Tell the client why before the socket goes away.
		msg := &protocol.ErrorMessage{
			Envelope: protocol.NewEnvelope(protocol.TypeError, ""),
			Message:  err.Error(),
			Code:     errs.Code(err),
		}
		transport.Send(protocol.MustEncode(msg))
		transport.Close()
		return
	}

	h.mu.Lock()
	h.stats.Upgrades++
	h.mu.Unlock()
	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()

	h.router.ConnectionEstablished(connID, claims.UserID)
	go h.readLoop(ws, conn)
}

// readLoop pumps inbound frames until the socket dies, then disconnects.
func (h *WSHandler) readLoop(ws *websocket.Conn, conn *connection.Conn) {
	defer func() {
		h.registry.Disconnect(conn.ID)
		h.metrics.ConnectionsActive.Dec()
	}()

	ws.SetReadLimit(h.cfg.HTTP.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		h.registry.Touch(conn.ID)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", "conn_id", conn.ID, "error", err)
			}
			return
		}

		h.mu.Lock()
		h.stats.MessagesRead++
		h.mu.Unlock()
		h.registry.Touch(conn.ID)

		msg, err := protocol.Parse(data)
		if err != nil {
			h.mu.Lock()
			h.stats.ParseErrors++
			h.mu.Unlock()
			h.router.SendError(conn.ID, "", err)
			continue
		}

		h.dispatch(conn, msg)
	}
}

// dispatch routes one parsed message. Errors are echoed to the sender only;
// nothing here ever terminates another participant's view of the session.
func (h *WSHandler) dispatch(conn *connection.Conn, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Transcription.GetTimeout()+5*time.Second)
	defer cancel()

	switch m := msg.(type) {
	case *protocol.Ping:
		h.router.Pong(conn.ID)

	case *protocol.Pong:
		// Touch already happened in the read loop.

	case *protocol.JoinSession:
		h.handleJoin(conn, m)

	case *protocol.LeaveSession:
		h.handleLeave(conn, m.SessionID)

	case *protocol.SessionControl:
		_, _, err := h.sessions.Control(ctx, m.SessionID, conn.UserID, session.ControlAction(m.Action))
		if err != nil {
			h.router.SendError(conn.ID, m.SessionID, err)
		}

	case *protocol.ParticipantStateUpdate:
		h.handleStateUpdate(conn, m)

	case *protocol.AudioData:
		h.handleAudio(ctx, conn, m)

	case *protocol.NetworkStats:
		h.handleNetworkStats(conn, m)
	}
}

func (h *WSHandler) handleJoin(conn *connection.Conn, m *protocol.JoinSession) {
	if err := h.registry.BindSession(conn.ID, m.SessionID); err != nil {
		if errs.IsRateLimit(err) {
			h.metrics.RecordConnectionRejected("session_cap")
		}
		h.router.SendError(conn.ID, m.SessionID, err)
		return
	}

	displayName := m.DisplayName
	if displayName == "" {
		displayName = conn.DisplayName
	}

	joined, roster, err := h.sessions.Join(m.SessionID, conn.ID, conn.UserID, displayName)
	if err != nil {
		h.registry.UnbindSession(conn.ID)
		h.router.SendError(conn.ID, m.SessionID, err)
		return
	}

	h.metrics.ParticipantCount.Observe(float64(len(roster)))
	h.router.SessionParticipants(conn.ID, m.SessionID, roster)
	h.router.ParticipantJoined(m.SessionID, joined, conn.ID)
}

func (h *WSHandler) handleLeave(conn *connection.Conn, sessionID string) {
	if sessionID == "" {
		sessionID = conn.SessionID()
	}
	if sessionID == "" {
		return
	}

	left, ok := h.sessions.Leave(sessionID, conn.UserID)
	h.registry.UnbindSession(conn.ID)
	if ok {
		h.router.ParticipantLeft(sessionID, left.UserID, conn.ID)
	}
}

func (h *WSHandler) handleStateUpdate(conn *connection.Conn, m *protocol.ParticipantStateUpdate) {
	targetID := m.UserID
	if targetID == "" {
		targetID = conn.UserID
	}

	var updated session.Participant
	var err error
	switch {
	case m.IsMuted != nil:
		updated, err = h.sessions.SetMute(m.SessionID, conn.UserID, targetID, *m.IsMuted)
	case m.Role != nil:
		updated, err = h.sessions.SetRole(m.SessionID, conn.UserID, targetID, session.Role(*m.Role))
	default:
		err = &errs.ValidationError{Field: "participant_state_update", Reason: "no field to update"}
	}
	if err != nil {
		h.router.SendError(conn.ID, m.SessionID, err)
		return
	}
	h.router.ParticipantUpdated(m.SessionID, updated)
}

func (h *WSHandler) handleNetworkStats(conn *connection.Conn, m *protocol.NetworkStats) {
	tier, err := h.sessions.ObserveNetwork(m.SessionID, audio.NetworkSample{
		BandwidthKbps: m.BandwidthKbps,
		LatencyMs:     m.LatencyMs,
		LossRate:      m.PacketLoss,
		JitterMs:      m.JitterMs,
	})
	if err != nil {
		h.router.SendError(conn.ID, m.SessionID, err)
		return
	}
	h.logger.Debug("network stats observed",
		"session_id", m.SessionID,
		"user_id", conn.UserID,
		"tier", tier.String())
}

func (h *WSHandler) handleAudio(ctx context.Context, conn *connection.Conn, m *protocol.AudioData) {
	h.mu.Lock()
	h.stats.AudioMessages++
	h.mu.Unlock()

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	result, err := h.sessions.IngestAudio(ctx, m.SessionID, conn.UserID, m.Data, m.SampleRate, m.Channels, ts)
	if err != nil {
		if errs.IsValidation(err) {
			h.metrics.ChunksRejected.Inc()
		}
		h.router.SendError(conn.ID, m.SessionID, err)
		return
	}

	if result.Dropped {
		h.router.SendWarning(conn.ID, m.SessionID, "audio dropped: participant is muted")
		return
	}

	samples := len(m.Data) / 2 / max(m.Channels, 1)
	h.metrics.RecordChunk(len(m.Data), float64(samples)/float64(max(m.SampleRate, 1)))

	if result.Level != nil && result.EmitLevel {
		h.router.AudioLevel(m.SessionID, *result.Level, conn.ID)
	}
	if result.Partial != nil {
		h.metrics.PartialsEmitted.Inc()
		h.router.TranscriptionSegment(m.SessionID, result.Partial)
	}
	if result.Final != nil {
		h.metrics.RecordSegment(result.Final.Confidence)
		h.router.TranscriptionSegment(m.SessionID, result.Final)
	}
}

// GetStats returns current handler statistics.
func (h *WSHandler) GetStats() WSStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
