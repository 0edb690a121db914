package store

import (
	"context"
	"sync"
)

// Mock implements ConversationStore for testing.
// Writes are kept in memory, latest record per call id, plus a full log.
type Mock struct {
	// WriteFunc, if set, replaces the default in-memory behavior.
	WriteFunc func(ctx context.Context, callID string, rec Record) error

	mu      sync.Mutex
	records map[string]Record
	writes  []Record
}

// NewMock creates an empty in-memory store.
func NewMock() *Mock {
	return &Mock{records: make(map[string]Record)}
}

// FailingMock returns a mock whose writes always fail with err.
func FailingMock(err error) *Mock {
	m := NewMock()
	m.WriteFunc = func(ctx context.Context, callID string, rec Record) error {
		return err
	}
	return m
}

// Write records the upsert.
func (m *Mock) Write(ctx context.Context, callID string, rec Record) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, callID, rec)
	}

	rec.CallID = callID
	m.mu.Lock()
	m.records[callID] = rec
	m.writes = append(m.writes, rec)
	m.mu.Unlock()
	return nil
}

// Record returns the latest record written for callID.
func (m *Mock) Record(callID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	return rec, ok
}

// Writes returns every write in order.
func (m *Mock) Writes() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.writes))
	copy(out, m.writes)
	return out
}

// WriteCount returns the number of writes with the given status.
func (m *Mock) WriteCount(status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, w := range m.writes {
		if w.Status == status {
			count++
		}
	}
	return count
}

// Verify Mock implements ConversationStore at compile time.
var _ ConversationStore = (*Mock)(nil)
