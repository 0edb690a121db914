package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hiagoragazini/voxemy-relay/pkg/completion"
	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
	"github.com/hiagoragazini/voxemy-relay/pkg/protocol"
	"github.com/hiagoragazini/voxemy-relay/pkg/store"
)

// fakeWriter records outbound protocol messages.
type fakeWriter struct {
	mu       sync.Mutex
	messages []*protocol.Message
	err      error
}

func (f *fakeWriter) WriteMessage(msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeWriter) speaks() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.messages {
		if m.Event == protocol.EventSpeak {
			out = append(out, m)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GreetingDelay = 5 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, completer completion.Completer, st store.ConversationStore) (*Session, *fakeWriter) {
	t.Helper()
	writer := &fakeWriter{}
	sess := NewSession(SessionParams{CallID: "CALL1", AgentID: "agent-1"}, writer, completer, st, testConfig())
	return sess, writer
}

// newQuietSession builds a session whose greeting never fires, for tests that
// assert exact speak counts without waiting out the greeting timer.
func newQuietSession(t *testing.T, completer completion.Completer, st store.ConversationStore) (*Session, *fakeWriter) {
	t.Helper()
	cfg := testConfig()
	cfg.GreetingDelay = time.Hour
	writer := &fakeWriter{}
	sess := NewSession(SessionParams{CallID: "CALL1", AgentID: "agent-1"}, writer, completer, st, cfg)
	return sess, writer
}

func startEvent(streamSid string) *protocol.Message {
	return &protocol.Message{
		Event: protocol.EventStart,
		Start: &protocol.StartData{StreamSid: streamSid},
	}
}

func transcriptEvent(text string, confidence float64, isFinal bool) *protocol.Message {
	return &protocol.Message{
		Event: protocol.EventTranscript,
		Transcript: &protocol.TranscriptData{
			Text:       text,
			Confidence: confidence,
			IsFinal:    isFinal,
		},
	}
}

func TestGreetingDispatchedOnce(t *testing.T) {
	sess, writer := newTestSession(t, completion.NewMock(), store.NewMock())

	// Duplicate starts must not re-greet
	sess.Handle(startEvent("S1"))
	sess.Handle(startEvent("S1"))
	sess.Handle(startEvent("S2"))

	time.Sleep(50 * time.Millisecond)

	speaks := writer.speaks()
	if len(speaks) != 1 {
		t.Fatalf("speak events = %d, want exactly 1 greeting", len(speaks))
	}
	if speaks[0].StreamSid != "S1" {
		t.Errorf("StreamSid = %v, want S1 (first start wins)", speaks[0].StreamSid)
	}
	if speaks[0].Speak.Text != testConfig().Greeting {
		t.Errorf("Text = %q, want the greeting", speaks[0].Speak.Text)
	}

	if sess.State() != StateActive {
		t.Errorf("State = %v, want active", sess.State())
	}
	if !sess.Greeted() {
		t.Error("Greeted should be true")
	}
}

func TestIdempotentTermination(t *testing.T) {
	st := store.NewMock()
	sess, _ := newTestSession(t, completion.NewMock(), st)

	sess.Handle(startEvent("S1"))
	time.Sleep(20 * time.Millisecond)

	// stop event, then socket close, then another stop: one final flush
	sess.Handle(&protocol.Message{Event: protocol.EventStop, Stop: &protocol.StopData{}})
	sess.Terminate("socket close")
	sess.Handle(&protocol.Message{Event: protocol.EventStop, Stop: &protocol.StopData{}})
	sess.Terminate("socket error")

	if got := st.WriteCount(store.StatusCompleted); got != 1 {
		t.Errorf("completed writes = %d, want exactly 1", got)
	}
	if sess.State() != StateTerminated {
		t.Errorf("State = %v, want terminated", sess.State())
	}
}

func TestDuplicateTranscriptDropped(t *testing.T) {
	mock := completion.NewMock()
	sess, _ := newTestSession(t, mock, store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("ok tudo bem", 0.9, true))
	sess.Handle(transcriptEvent("ok tudo bem", 0.9, true))

	if mock.CallCount() != 1 {
		t.Errorf("completion calls = %d, want 1 (duplicate dropped)", mock.CallCount())
	}

	userTurns := 0
	for _, turn := range sess.history.Turns() {
		if turn.Role == convo.RoleUser {
			userTurns++
		}
	}
	if userTurns != 1 {
		t.Errorf("user turns = %d, want 1", userTurns)
	}
}

func TestConfidenceThreshold(t *testing.T) {
	mock := completion.NewMock()
	sess, _ := newTestSession(t, mock, store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("quero cancelar", 0.65, true))
	if mock.CallCount() != 0 {
		t.Errorf("completion calls = %d, want 0 below threshold", mock.CallCount())
	}

	sess.Handle(transcriptEvent("quero cancelar", 0.7, true))
	if mock.CallCount() != 1 {
		t.Errorf("completion calls = %d, want 1 at threshold", mock.CallCount())
	}
}

func TestPartialTranscriptIgnored(t *testing.T) {
	mock := completion.NewMock()
	sess, writer := newQuietSession(t, mock, store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("quero cancelar", 0.95, false))

	if mock.CallCount() != 0 {
		t.Errorf("completion calls = %d, want 0 for partial", mock.CallCount())
	}
	if len(writer.speaks()) != 0 {
		t.Errorf("speak events = %d, want 0 for partial", len(writer.speaks()))
	}
}

func TestFallbackOnCompletionFailure(t *testing.T) {
	sess, writer := newQuietSession(t, completion.WithError(errors.New("upstream timeout")), store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("quero cancelar", 0.95, true))

	speaks := writer.speaks()
	if len(speaks) != 1 {
		t.Fatalf("speak events = %d, want exactly 1 fallback", len(speaks))
	}
	if speaks[0].Speak.Text != testConfig().Fallback {
		t.Errorf("Text = %q, want the fallback phrase", speaks[0].Speak.Text)
	}
}

func TestFallbackOnEmptyReply(t *testing.T) {
	sess, writer := newQuietSession(t, completion.WithReply(""), store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("quero cancelar", 0.95, true))

	speaks := writer.speaks()
	if len(speaks) != 1 {
		t.Fatalf("speak events = %d, want 1", len(speaks))
	}
	if speaks[0].Speak.Text != testConfig().Fallback {
		t.Errorf("Text = %q, want the fallback phrase", speaks[0].Speak.Text)
	}
}

func TestNoPrematureSpeech(t *testing.T) {
	sess, writer := newTestSession(t, completion.NewMock(), store.NewMock())

	// Transcript before any start: the turn runs, but no speak can be
	// addressed without a stream handle.
	sess.Handle(transcriptEvent("quero cancelar", 0.95, true))

	if len(writer.speaks()) != 0 {
		t.Errorf("speak events = %d, want 0 before stream start", len(writer.speaks()))
	}
	if sess.TurnCount() != 2 {
		t.Errorf("turns = %d, want 2 (user + assistant recorded)", sess.TurnCount())
	}
}

func TestHistoryOrdering(t *testing.T) {
	replies := map[string]string{
		"primeira pergunta": "primeira resposta",
		"segunda pergunta":  "segunda resposta",
	}
	mock := &completion.Mock{
		CompleteFunc: func(ctx context.Context, utterance string, history []convo.Turn, callID string) (string, error) {
			return replies[utterance], nil
		},
	}

	st := store.NewMock()
	sess, _ := newTestSession(t, mock, st)
	sess.Handle(startEvent("S1"))
	time.Sleep(20 * time.Millisecond) // let the greeting land first

	sess.Handle(transcriptEvent("primeira pergunta", 0.9, true))
	sess.Handle(transcriptEvent("segunda pergunta", 0.9, true))
	sess.Terminate("test done")

	rec, ok := st.Record("CALL1")
	if !ok {
		t.Fatal("final record missing")
	}
	if rec.Status != store.StatusCompleted {
		t.Errorf("Status = %v, want completed", rec.Status)
	}

	want := []struct {
		role    convo.Role
		content string
	}{
		{convo.RoleAssistant, testConfig().Greeting},
		{convo.RoleUser, "primeira pergunta"},
		{convo.RoleAssistant, "primeira resposta"},
		{convo.RoleUser, "segunda pergunta"},
		{convo.RoleAssistant, "segunda resposta"},
	}
	if len(rec.History) != len(want) {
		t.Fatalf("history len = %d, want %d", len(rec.History), len(want))
	}
	for i, w := range want {
		if rec.History[i].Role != w.role || rec.History[i].Content != w.content {
			t.Errorf("history[%d] = %v %q, want %v %q",
				i, rec.History[i].Role, rec.History[i].Content, w.role, w.content)
		}
	}
}

func TestCompletionWindowExcludesNewUtterance(t *testing.T) {
	mock := completion.NewMock()
	sess, _ := newTestSession(t, mock, store.NewMock())
	sess.Handle(startEvent("S1"))
	time.Sleep(20 * time.Millisecond)

	sess.Handle(transcriptEvent("primeira pergunta", 0.9, true))

	last := mock.LastCall()
	if last == nil {
		t.Fatal("completion should have been called")
	}
	// Only the greeting precedes the utterance; the utterance itself is
	// passed separately, not inside the window.
	if last.HistoryTurns != 1 {
		t.Errorf("history turns = %d, want 1", last.HistoryTurns)
	}
	if last.Utterance != "primeira pergunta" {
		t.Errorf("utterance = %q", last.Utterance)
	}
}

func TestMalformedEventDropped(t *testing.T) {
	sess, writer := newQuietSession(t, completion.NewMock(), store.NewMock())
	sess.Handle(startEvent("S1"))

	sess.HandleRaw([]byte("not json at all"))
	sess.HandleRaw([]byte(`{"event":"transcript"}`)) // missing payload

	// Session keeps working afterwards
	sess.Handle(transcriptEvent("ainda funciona bem", 0.9, true))
	if len(writer.speaks()) != 1 {
		t.Errorf("speak events = %d, want 1 after malformed input", len(writer.speaks()))
	}
}

func TestEventsAfterTerminationDropped(t *testing.T) {
	mock := completion.NewMock()
	sess, _ := newTestSession(t, mock, store.NewMock())
	sess.Handle(startEvent("S1"))
	sess.Handle(&protocol.Message{Event: protocol.EventStop})

	sess.Handle(transcriptEvent("tem alguém aí", 0.9, true))
	sess.Handle(startEvent("S9"))

	if mock.CallCount() != 0 {
		t.Errorf("completion calls = %d, want 0 after termination", mock.CallCount())
	}
	if sess.StreamSid() != "S1" {
		t.Errorf("StreamSid = %v, want unchanged S1", sess.StreamSid())
	}
}

func TestPersistenceFailureDoesNotBreakCall(t *testing.T) {
	st := store.FailingMock(errors.New("store unavailable"))
	sess, writer := newQuietSession(t, completion.NewMock(), st)
	sess.Handle(startEvent("S1"))

	sess.Handle(transcriptEvent("quero cancelar", 0.95, true))

	if len(writer.speaks()) != 1 {
		t.Errorf("speak events = %d, want 1 despite store failure", len(writer.speaks()))
	}
	sess.Terminate("test done") // must not hang or panic
}

func TestTerminationWaitsForInFlightTurn(t *testing.T) {
	slow := &completion.Mock{
		CompleteFunc: func(ctx context.Context, utterance string, history []convo.Turn, callID string) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "resposta lenta", nil
		},
	}
	st := store.NewMock()
	sess, _ := newQuietSession(t, slow, st)
	sess.Handle(startEvent("S1"))

	// Turn blocks in the completion call; terminate mid-flight.
	done := make(chan struct{})
	go func() {
		sess.Handle(transcriptEvent("quero cancelar", 0.95, true))
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	sess.Terminate("server shutdown")
	<-done

	writes := st.Writes()
	if len(writes) == 0 {
		t.Fatal("no writes recorded")
	}
	for i, w := range writes[:len(writes)-1] {
		if w.Status == store.StatusCompleted {
			t.Errorf("write %d is completed before the last write", i)
		}
	}
	last := writes[len(writes)-1]
	if last.Status != store.StatusCompleted {
		t.Errorf("last write status = %v, want completed", last.Status)
	}
	if st.WriteCount(store.StatusCompleted) != 1 {
		t.Errorf("completed writes = %d, want exactly 1", st.WriteCount(store.StatusCompleted))
	}

	// The flush waited for the turn, so it carries the slow reply.
	if len(last.History) != 2 {
		t.Fatalf("history len = %d, want 2", len(last.History))
	}
	if last.History[1].Content != "resposta lenta" {
		t.Errorf("history[1] = %q, want the in-flight reply", last.History[1].Content)
	}
}

func TestConnectedEventPersistsStatus(t *testing.T) {
	st := store.NewMock()
	sess, _ := newTestSession(t, completion.NewMock(), st)

	sess.Handle(&protocol.Message{Event: protocol.EventConnected})
	sess.Terminate("test done") // waits for pending writes

	if got := st.WriteCount(store.StatusConnected); got != 1 {
		t.Errorf("connected writes = %d, want 1", got)
	}
}

func TestScenarioFullCall(t *testing.T) {
	mock := completion.WithReply("Claro, vou te ajudar com o cancelamento.")
	st := store.NewMock()
	sess, writer := newTestSession(t, mock, st)

	// Stream starts: expect the greeting addressed to S1
	sess.Handle(startEvent("S1"))
	time.Sleep(30 * time.Millisecond)

	speaks := writer.speaks()
	if len(speaks) != 1 {
		t.Fatalf("speak events = %d, want 1 greeting", len(speaks))
	}
	if speaks[0].StreamSid != "S1" || speaks[0].Speak.Text != testConfig().Greeting {
		t.Errorf("greeting = %+v", speaks[0])
	}

	// Caller speaks: expect one completion call and one reply
	sess.Handle(transcriptEvent("quero cancelar", 0.95, true))

	if mock.CallCount() != 1 {
		t.Errorf("completion calls = %d, want 1", mock.CallCount())
	}
	speaks = writer.speaks()
	if len(speaks) != 2 {
		t.Fatalf("speak events = %d, want 2", len(speaks))
	}
	if speaks[1].Speak.Text != "Claro, vou te ajudar com o cancelamento." {
		t.Errorf("reply = %q", speaks[1].Speak.Text)
	}

	// Stream stops: expect the completed record with all three turns
	sess.Handle(&protocol.Message{Event: protocol.EventStop})

	rec, ok := st.Record("CALL1")
	if !ok {
		t.Fatal("final record missing")
	}
	if rec.Status != store.StatusCompleted {
		t.Errorf("Status = %v, want completed", rec.Status)
	}
	if len(rec.History) != 3 {
		t.Fatalf("history len = %d, want 3 (greeting, utterance, reply)", len(rec.History))
	}
	if rec.History[1].Content != "quero cancelar" {
		t.Errorf("history[1] = %q, want the utterance", rec.History[1].Content)
	}
	if rec.AgentID != "agent-1" {
		t.Errorf("AgentID = %v, want agent-1", rec.AgentID)
	}
}

func TestDispatcherNoStreamHandle(t *testing.T) {
	writer := &fakeWriter{}
	d := NewDispatcher(writer, "Polly.Camila", nil)

	if d.Speak("", "olá") {
		t.Error("Speak without stream handle should report not emitted")
	}
	if len(writer.messages) != 0 {
		t.Errorf("messages = %d, want 0", len(writer.messages))
	}
}

func TestDispatcherWriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("connection gone")}
	d := NewDispatcher(writer, "Polly.Camila", nil)

	// Must swallow the error, not panic or propagate
	if d.Speak("S1", "olá") {
		t.Error("Speak on dead connection should report not emitted")
	}
}
