package completion

import (
	"context"
	"sync"
	"time"

	"github.com/hiagoragazini/voxemy-relay/pkg/convo"
)

// Mock implements Completer for testing.
// The behavior can be customized via the CompleteFunc field.
type Mock struct {
	// CompleteFunc is called when Complete is invoked.
	// If nil, returns a canned reply.
	CompleteFunc func(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error)

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Utterance    string
	HistoryTurns int
	CallID       string
	Time         time.Time
}

// NewMock creates a mock that echoes a canned reply.
func NewMock() *Mock {
	return &Mock{
		CompleteFunc: func(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error) {
			return "Entendi. Pode me contar mais?", nil
		},
	}
}

// WithReply returns a mock that always replies with the given text.
func WithReply(reply string) *Mock {
	return &Mock{
		CompleteFunc: func(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error) {
			return reply, nil
		},
	}
}

// WithError returns a mock that always fails with the given error.
func WithError(err error) *Mock {
	return &Mock{
		CompleteFunc: func(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error) {
			return "", err
		},
	}
}

// Complete calls CompleteFunc and records the call.
func (m *Mock) Complete(ctx context.Context, utterance string, recentHistory []convo.Turn, callID string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		Utterance:    utterance,
		HistoryTurns: len(recentHistory),
		CallID:       callID,
		Time:         time.Now(),
	})
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, utterance, recentHistory, callID)
	}
	return "", ErrEmptyCompletion
}

// Calls returns all recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of recorded invocations.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent invocation, or nil if none.
func (m *Mock) LastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Verify Mock implements Completer at compile time.
var _ Completer = (*Mock)(nil)
