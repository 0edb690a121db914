// Package relay bridges live phone calls to the completion backend. It
// accepts one media-stream WebSocket per call, segments the transcript stream
// into conversational turns, and speaks the assistant's replies back down the
// same connection. Sessions are fully independent: one call's slow completion
// or dead socket never affects another's.
package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hiagoragazini/voxemy-relay/pkg/completion"
	"github.com/hiagoragazini/voxemy-relay/pkg/gate"
	"github.com/hiagoragazini/voxemy-relay/pkg/protocol"
	"github.com/hiagoragazini/voxemy-relay/pkg/store"
)

// Keepalive tuning for call connections.
const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound frame size; media chunks
	// dominate and stay well under this.
	maxMessageSize = 64 * 1024
)

// Config holds per-session conversation settings shared by all calls.
type Config struct {
	// Voice is the synthesis voice profile tagged on speak events.
	Voice string

	// Greeting is spoken once when the media stream starts.
	Greeting string

	// Fallback is spoken whenever the completion backend fails.
	Fallback string

	// GreetingDelay avoids racing the provider's own stream setup.
	GreetingDelay time.Duration

	// HistoryWindow is how many trailing turns go to the completion backend.
	HistoryWindow int

	// Gate holds the transcript filter thresholds.
	Gate gate.Config

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns the shipped conversation settings.
func DefaultConfig() Config {
	return Config{
		Voice:         "Polly.Camila",
		Greeting:      "Olá! Aqui é a assistente virtual da Voxemy. Como posso ajudar?",
		Fallback:      "Desculpe, não consegui entender. Pode repetir, por favor?",
		GreetingDelay: 500 * time.Millisecond,
		HistoryWindow: 6,
		Gate:          gate.DefaultConfig(),
		Logger:        slog.Default(),
	}
}

// counters holds process-wide relay statistics.
type counters struct {
	messagesReceived    atomic.Uint64
	messagesSent        atomic.Uint64
	transcriptsAccepted atomic.Uint64
	transcriptsDropped  atomic.Uint64
	completions         atomic.Uint64
	fallbacks           atomic.Uint64
}

// Server accepts media-stream connections and multiplexes the resulting call
// sessions. The session registry is the only process-wide state; each entry
// is owned by its own connection handler goroutine.
type Server struct {
	cfg       Config
	completer completion.Completer
	store     store.ConversationStore
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	started  time.Time
	counters counters
}

// NewServer creates a relay server. completer and st may be nil when the
// corresponding backend is not configured.
func NewServer(cfg Config, completer completion.Completer, st store.ConversationStore) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		completer: completer,
		store:     st,
		logger:    cfg.Logger.With("component", "relay"),
		sessions:  make(map[string]*Session),
		started:   time.Now(),
	}
}

// RegisterRoutes registers the media-stream WebSocket routes on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Call connection endpoint
	app.Get("/ws/call", websocket.New(s.handleCall))
	app.Get("/ws/call/:id", websocket.New(s.handleCall))
}

// handleCall owns one call connection from accept to teardown.
func (s *Server) handleCall(c *websocket.Conn) {
	params := SessionParams{
		CallID:     c.Params("id"),
		AgentID:    c.Query("agentId"),
		CampaignID: c.Query("campaignId"),
		LeadID:     c.Query("leadId"),
	}
	if params.CallID == "" {
		params.CallID = c.Query("callId")
	}
	if params.CallID == "" {
		params.CallID = generateCallID()
	}

	writer := &connWriter{conn: c, sent: &s.counters.messagesSent}

	// Register under one lock so a reused call id can't clobber a live
	// session; the newcomer gets a suffixed id instead.
	s.mu.Lock()
	if _, taken := s.sessions[params.CallID]; taken {
		original := params.CallID
		params.CallID = original + "-" + uuid.NewString()[:8]
		s.logger.Warn("duplicate call id reassigned", "call_id", original, "reassigned", params.CallID)
	}
	sess := NewSession(params, writer, s.completer, s.store, s.cfg)
	sess.counters = &s.counters
	sess.onClose = s.unregister
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	s.logger.Info("call connected", "call_id", sess.ID, "open_connections", count)

	// Keepalive: extend the read deadline on every pong, ping on a timer.
	// A silent peer times out the read loop, which drives normal teardown.
	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(writer, done)

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop ended", "call_id", sess.ID, "error", err)
			break
		}
		s.counters.messagesReceived.Add(1)
		sess.HandleRaw(data)
	}

	sess.Terminate("connection closed")
}

// pingLoop probes the peer until the connection handler exits.
func (s *Server) pingLoop(writer *connWriter, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := writer.WritePing(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// unregister removes a terminated session from the registry.
func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	count := len(s.sessions)
	s.mu.Unlock()
	s.logger.Info("call disconnected", "call_id", sess.ID, "open_connections", count)
}

// GetSession returns a live session by call id.
func (s *Server) GetSession(callID string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[callID]
}

// SessionCount returns the number of open call connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// Stats contains relay statistics.
type Stats struct {
	ActiveCalls         int    `json:"active_calls"`
	MessagesReceived    uint64 `json:"messages_received"`
	MessagesSent        uint64 `json:"messages_sent"`
	TranscriptsAccepted uint64 `json:"transcripts_accepted"`
	TranscriptsDropped  uint64 `json:"transcripts_dropped"`
	Completions         uint64 `json:"completions"`
	Fallbacks           uint64 `json:"fallbacks"`
}

// GetStats returns relay statistics.
func (s *Server) GetStats() Stats {
	return Stats{
		ActiveCalls:         s.SessionCount(),
		MessagesReceived:    s.counters.messagesReceived.Load(),
		MessagesSent:        s.counters.messagesSent.Load(),
		TranscriptsAccepted: s.counters.transcriptsAccepted.Load(),
		TranscriptsDropped:  s.counters.transcriptsDropped.Load(),
		Completions:         s.counters.completions.Load(),
		Fallbacks:           s.counters.fallbacks.Load(),
	}
}

// CallInfo describes one live call for the operational API.
type CallInfo struct {
	CallID      string    `json:"call_id"`
	State       State     `json:"state"`
	AgentID     string    `json:"agent_id,omitempty"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Turns       int       `json:"turns"`
	ConnectedAt time.Time `json:"connected_at"`
}

// GetCallInfos returns info about all live calls.
func (s *Server) GetCallInfos() []CallInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]CallInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, CallInfo{
			CallID:      sess.ID,
			State:       sess.State(),
			AgentID:     sess.AgentID,
			CampaignID:  sess.CampaignID,
			Turns:       sess.TurnCount(),
			ConnectedAt: sess.ConnectedAt(),
		})
	}
	return infos
}

// RegisterAPIRoutes registers read-only operational routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	calls := api.Group("/calls")

	// List live calls
	calls.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"calls": s.GetCallInfos(),
			"count": s.SessionCount(),
		})
	})

	// Relay stats
	calls.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.GetStats())
	})
}

// CloseAll terminates every live session, flushing their histories. Used on
// graceful shutdown so in-flight calls are persisted before exit.
func (s *Server) CloseAll() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.Terminate("server shutdown")
	}
}

// connWriter serializes writes to one connection. Only the read-loop
// goroutine, the greeting timer, and the ping loop ever write, and they all
// go through here.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
	sent *atomic.Uint64
}

// WriteMessage writes one protocol message as a text frame.
func (w *connWriter) WriteMessage(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if w.sent != nil {
		w.sent.Add(1)
	}
	return nil
}

// WritePing writes a keepalive probe.
func (w *connWriter) WritePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// generateCallID creates an identifier for connections that carry none.
func generateCallID() string {
	return "call-" + uuid.NewString()
}
