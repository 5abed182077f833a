package testutil

import (
	"sync"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
)

var (
	_ events.Emitter   = (*MockEmitter)(nil)
	_ metrics.Recorder = (*MockRecorder)(nil)
)

// MockEmitter captures emitted events for testing.
type MockEmitter struct {
	mu     sync.Mutex
	Events []EmittedEvent
	closed bool
}

// EmittedEvent represents a captured event.
type EmittedEvent struct {
	Type events.EventType
	Data interface{}
}

// NewMockEmitter creates a new mock emitter.
func NewMockEmitter() *MockEmitter {
	return &MockEmitter{Events: make([]EmittedEvent, 0)}
}

// Emit captures an event.
func (m *MockEmitter) Emit(t events.EventType, data interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, EmittedEvent{Type: t, Data: data})
}

// Close marks the emitter closed.
func (m *MockEmitter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockEmitter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// OfType returns the captured events of type t in order.
func (m *MockEmitter) OfType(t events.EventType) []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EmittedEvent
	for _, e := range m.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MockRecorder counts metric calls for testing.
type MockRecorder struct {
	mu          sync.Mutex
	Executions  int
	Interesting int
	States      int
	Transitions int
	CorpusSize  int
	Mutations   map[string]int
	Skipped     map[string]int
}

// NewMockRecorder creates a new mock recorder.
func NewMockRecorder() *MockRecorder {
	return &MockRecorder{Mutations: make(map[string]int), Skipped: make(map[string]int)}
}

func (m *MockRecorder) IncExecutions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executions++
}

func (m *MockRecorder) IncInteresting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Interesting++
}

func (m *MockRecorder) ObserveExecDuration(time.Duration) {}

func (m *MockRecorder) SetGraphSize(states, transitions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States, m.Transitions = states, transitions
}

func (m *MockRecorder) SetCorpusSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CorpusSize = n
}

func (m *MockRecorder) IncMutation(strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Mutations[strategy]++
}

func (m *MockRecorder) IncImportSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Skipped[reason]++
}

// SkippedCount returns the number of skipped records reported for reason.
func (m *MockRecorder) SkippedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Skipped[reason]
}

// ExecutionCount returns the number of executions reported.
func (m *MockRecorder) ExecutionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Executions
}
