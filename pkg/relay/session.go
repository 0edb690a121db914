package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hiagoragazini/voxemy-relay/pkg/completion"
	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
	"github.com/hiagoragazini/voxemy-relay/pkg/gate"
	"github.com/hiagoragazini/voxemy-relay/pkg/protocol"
	"github.com/hiagoragazini/voxemy-relay/pkg/store"
)

// State is the lifecycle state of a call session.
type State string

const (
	// StateAwaitingStream means the connection is open but no media stream
	// leg has been established yet.
	StateAwaitingStream State = "awaiting_stream"

	// StateActive means the media stream is up and transcripts are being
	// processed.
	StateActive State = "active"

	// StateTerminated is terminal: the history has been flushed and no
	// further events are processed.
	StateTerminated State = "terminated"
)

// storeWriteTimeout bounds one persistence write.
const storeWriteTimeout = 5 * time.Second

// mediaLogInterval is how many media chunks pass between diagnostic logs.
const mediaLogInterval = 250

// SessionParams carries the routing identity of one call. Only CallID
// matters for relay correctness; the rest just tags persisted records.
type SessionParams struct {
	CallID     string
	AgentID    string
	CampaignID string
	LeadID     string
}

// Session binds one call to its transcript gate, conversation history, and
// connection. It owns the call lifecycle: connect, greet, converse,
// terminate. All inbound events for the call are handled in arrival order by
// the connection's read loop; the greeting timer is the only other writer.
type Session struct {
	ID         string
	AgentID    string
	CampaignID string
	LeadID     string

	cfg       Config
	writer    MessageWriter
	dispatch  *Dispatcher
	completer completion.Completer
	store     store.ConversationStore
	gate      *gate.Gate
	history   *convo.History
	logger    *slog.Logger
	counters  *counters

	mu         sync.Mutex
	state      State
	streamSid  string
	greeted    bool
	greetTimer *time.Timer

	connectedAt time.Time
	mediaCount  atomic.Uint64

	// pending tracks fire-and-forget persistence writes so termination can
	// wait on them before the final flush.
	pending   sync.WaitGroup
	closeOnce sync.Once
	onClose   func(*Session)
}

// NewSession creates a session for one call connection. completer and st may
// be nil when the corresponding backend is not configured; the session then
// degrades to fallback replies and skips persistence.
func NewSession(params SessionParams, writer MessageWriter, completer completion.Completer, st store.ConversationStore, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("call_id", params.CallID)

	return &Session{
		ID:          params.CallID,
		AgentID:     params.AgentID,
		CampaignID:  params.CampaignID,
		LeadID:      params.LeadID,
		cfg:         cfg,
		writer:      writer,
		dispatch:    NewDispatcher(writer, cfg.Voice, logger),
		completer:   completer,
		store:       st,
		gate:        gate.New(cfg.Gate),
		history:     convo.NewHistory(),
		logger:      logger,
		counters:    &counters{},
		state:       StateAwaitingStream,
		connectedAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSid returns the media stream handle, empty until a start event.
func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// Greeted reports whether the opening greeting has been scheduled.
func (s *Session) Greeted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greeted
}

// TurnCount returns the number of turns in the conversation so far.
func (s *Session) TurnCount() int {
	return s.history.Len()
}

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// HandleRaw parses one inbound frame and processes it. Malformed frames are
// logged and dropped; they never take the session down.
func (s *Session) HandleRaw(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("malformed event dropped", "error", err)
		return
	}
	s.Handle(msg)
}

// Handle processes one inbound protocol event. Events arriving after
// termination are logged and dropped.
func (s *Session) Handle(msg *protocol.Message) {
	s.mu.Lock()
	terminated := s.state == StateTerminated
	s.mu.Unlock()
	if terminated {
		s.logger.Debug("event after termination dropped", "event", msg.Event)
		return
	}

	switch msg.Event {
	case protocol.EventConnected:
		s.handleConnected()
	case protocol.EventStart:
		s.handleStart(msg.Start)
	case protocol.EventMedia:
		s.handleMedia(msg.Media)
	case protocol.EventTranscript:
		s.handleTranscript(msg.Transcript)
	case protocol.EventMark:
		if msg.Mark != nil {
			s.logger.Debug("mark acknowledged", "name", msg.Mark.Name)
		}
	case protocol.EventStop:
		s.Terminate("stop event")
	default:
		s.logger.Debug("unknown event ignored", "event", msg.Event)
	}
}

func (s *Session) handleConnected() {
	s.logger.Info("media connection acknowledged")
	s.writeAsync(store.StatusConnected)
}

// handleStart records the stream handle and schedules the one-time greeting.
// Duplicate start events keep the original handle and never re-greet.
func (s *Session) handleStart(start *protocol.StartData) {
	if start == nil || start.StreamSid == "" {
		s.logger.Warn("start event without stream handle dropped")
		return
	}

	s.mu.Lock()
	if s.streamSid == "" {
		s.streamSid = start.StreamSid
	}
	if s.state == StateAwaitingStream {
		s.state = StateActive
	}
	first := !s.greeted
	if first {
		s.greeted = true
		s.greetTimer = time.AfterFunc(s.cfg.GreetingDelay, s.greet)
	}
	s.mu.Unlock()

	if first {
		s.logger.Info("media stream started", "stream_sid", start.StreamSid)
	} else {
		s.logger.Debug("duplicate start event ignored", "stream_sid", start.StreamSid)
	}
}

// greet dispatches the opening greeting. Runs once, shortly after the stream
// starts, so the provider has finished its own setup.
func (s *Session) greet() {
	if !s.beginTurn() {
		return
	}
	defer s.pending.Done()

	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()

	s.history.Append(convo.NewAssistantTurn(s.cfg.Greeting))
	s.writeAsync(store.StatusActive)
	s.dispatch.Speak(streamSid, s.cfg.Greeting)
}

func (s *Session) handleMedia(media *protocol.MediaData) {
	if media == nil {
		return
	}
	n := s.mediaCount.Add(1)
	if n%mediaLogInterval == 1 {
		s.logger.Debug("media flowing", "track", media.Track, "chunks", n)
	}
}

// handleTranscript runs the full turn pipeline: gate, user turn, completion,
// assistant turn, dispatch. Completion failures are substituted with the
// fallback utterance so the caller always hears something.
func (s *Session) handleTranscript(tr *protocol.TranscriptData) {
	if tr == nil {
		s.logger.Warn("transcript event without payload dropped")
		return
	}

	utterance, reason := s.gate.Evaluate(tr.Text, tr.Confidence, tr.IsFinal)
	if reason != gate.ReasonAccepted {
		s.counters.transcriptsDropped.Add(1)
		s.logger.Debug("transcript filtered", "reason", reason, "confidence", tr.Confidence)
		return
	}
	s.counters.transcriptsAccepted.Add(1)

	// The whole turn rides in pending so a concurrent Terminate waits for
	// the completion to land before the final flush.
	if !s.beginTurn() {
		return
	}
	defer s.pending.Done()

	// Window before appending so the utterance appears exactly once in the
	// outbound request.
	window := s.history.Window(s.cfg.HistoryWindow)
	s.history.Append(convo.NewUserTurn(utterance, tr.Confidence))
	s.writeAsync(store.StatusActive)

	reply := s.reply(utterance, window)
	s.history.Append(convo.NewAssistantTurn(reply))
	s.writeAsync(store.StatusActive)

	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()
	s.dispatch.Speak(streamSid, reply)
}

// reply asks the completion backend for the assistant's turn, falling back to
// the fixed phrase on any failure.
func (s *Session) reply(utterance string, window []convo.Turn) string {
	if s.completer == nil {
		s.counters.fallbacks.Add(1)
		return s.cfg.Fallback
	}

	text, err := s.completer.Complete(context.Background(), utterance, window, s.ID)
	if err != nil || text == "" {
		s.counters.fallbacks.Add(1)
		s.logger.Warn("completion failed, using fallback", "error", err)
		return s.cfg.Fallback
	}
	s.counters.completions.Add(1)
	return text
}

// beginTurn registers work that must land before the final flush. Returns
// false once the session is terminated; the caller then drops the work.
// Checking state and adding to pending under the same lock guarantees no new
// work can slip in after Terminate has started waiting.
func (s *Session) beginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.pending.Add(1)
	return true
}

// writeAsync mirrors the current history to the store without blocking the
// turn pipeline. Failures are logged and never retried; the live call takes
// priority over durability. Writes requested after termination are dropped
// so nothing can overwrite the completed flush.
func (s *Session) writeAsync(status store.Status) {
	if s.store == nil {
		return
	}
	if !s.beginTurn() {
		s.logger.Debug("persistence write after termination dropped", "status", status)
		return
	}
	rec := s.record(status)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		defer cancel()
		if err := s.store.Write(ctx, s.ID, rec); err != nil {
			s.logger.Warn("persistence write failed", "status", status, "error", err)
		}
	}()
}

// record snapshots the session for persistence.
func (s *Session) record(status store.Status) store.Record {
	return store.Record{
		Status:     status,
		History:    s.history.Turns(),
		AgentID:    s.AgentID,
		CampaignID: s.CampaignID,
		LeadID:     s.LeadID,
		UpdatedAt:  time.Now(),
	}
}

// Terminate drives the session to its terminal state: stop the greeting
// timer, wait for outstanding fire-and-forget writes, flush the full history
// as completed, and release the session. Safe to call any number of times
// from any combination of stop events, socket closes, and errors; the
// teardown runs exactly once.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTerminated
		if s.greetTimer != nil {
			s.greetTimer.Stop()
		}
		s.mu.Unlock()

		// Outstanding per-turn writes must land before the final flush so
		// the completed record carries the full history.
		s.pending.Wait()

		if s.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
			defer cancel()
			if err := s.store.Write(ctx, s.ID, s.record(store.StatusCompleted)); err != nil {
				s.logger.Warn("final persistence flush failed", "error", err)
			}
		}

		s.logger.Info("session terminated",
			"reason", reason,
			"turns", s.history.Len(),
			"duration_ms", time.Since(s.connectedAt).Milliseconds(),
		)

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
