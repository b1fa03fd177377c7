package claude

import (
	"context"
	"encoding/json"
	"sync"
)

// mockTransport is an in-memory Transport double standing in for the real
// subprocess: tests push InboundFrame values via push() instead of a real
// claude process writing to stdout, and inspect what was written via sentMessages().
// Exactly the seam transport.go's Transport interface exists for.
type mockTransport struct {
	mu      sync.Mutex
	status  TransportStatus
	started bool
	closed  bool

	subs      map[int]chan InboundFrame
	nextSubID int

	sentMu sync.Mutex
	sent   []map[string]any

	sendErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{status: TransportIdle, subs: map[int]chan InboundFrame{}}
}

func (m *mockTransport) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.status = TransportRunning
	return nil
}

func (m *mockTransport) Send(v any) error {
	m.mu.Lock()
	sendErr := m.sendErr
	m.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return err
	}
	m.sentMu.Lock()
	m.sent = append(m.sent, decoded)
	m.sentMu.Unlock()
	return nil
}

func (m *mockTransport) Subscribe() (<-chan InboundFrame, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan InboundFrame, 256)
	m.subs[id] = ch
	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.subs[id]; ok {
			close(existing)
			delete(m.subs, id)
		}
	}
	return ch, unsub
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.status = TransportClosed
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	return nil
}

func (m *mockTransport) Status() TransportStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// push delivers f to every current subscriber, mirroring subprocessTransport.broadcast.
func (m *mockTransport) push(f InboundFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		ch <- f
	}
}

// pushLine marshals v to JSON and delivers it as one inbound line.
func (m *mockTransport) pushLine(v any) {
	b, _ := json.Marshal(v)
	m.push(InboundFrame{Line: b})
}

// sentMessages returns a snapshot of everything sent so far.
func (m *mockTransport) sentMessages() []map[string]any {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	out := make([]map[string]any, len(m.sent))
	copy(out, m.sent)
	return out
}

// lastSent returns the most recently sent message, or nil if nothing was sent.
func (m *mockTransport) lastSent() map[string]any {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}
