package events

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one progress notification from a run. Seq is monotonic per
// run so clients can detect gaps after reconnecting.
type Event struct {
	RunID     string    `json:"run_id"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

const replayBufferSize = 256

// subscriber is one consumer channel. Slow consumers lose events
// rather than blocking the run.
type subscriber struct {
	id string
	ch chan Event
}

// Manager fans progress events out to subscribers and keeps a bounded
// replay buffer per run.
type Manager struct {
	logger   *zap.Logger
	capacity int

	mu      sync.RWMutex
	subs    map[string]*subscriber
	nextID  uint64
	seq     map[string]uint64
	history map[string][]Event
}

// NewManager creates an event manager. capacity sets per-subscriber
// channel depth; values below one default to 64.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Manager{
		logger:   logger,
		capacity: capacity,
		subs:     make(map[string]*subscriber),
		seq:      make(map[string]uint64),
		history:  make(map[string][]Event),
	}
}

// Subscribe registers a consumer. The returned channel closes on
// Unsubscribe.
func (m *Manager) Subscribe() (string, <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := subscriberID(m.nextID)
	sub := &subscriber{id: id, ch: make(chan Event, m.capacity)}
	m.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber without blocking. The
// event is appended to the run's replay buffer first, so replay sees
// events a slow subscriber missed.
func (m *Manager) Publish(runID, step, status, message string) {
	m.mu.Lock()
	m.seq[runID]++
	event := Event{
		RunID:     runID,
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Seq:       m.seq[runID],
	}

	buf := append(m.history[runID], event)
	if len(buf) > replayBufferSize {
		buf = buf[len(buf)-replayBufferSize:]
	}
	m.history[runID] = buf

	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("subscriber", sub.id),
				zap.String("run_id", runID),
				zap.Uint64("seq", event.Seq),
			)
		}
	}
}

// ReplaySince returns buffered events for a run with Seq greater than
// afterSeq, oldest first.
func (m *Manager) ReplaySince(runID string, afterSeq uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf := m.history[runID]
	out := make([]Event, 0, len(buf))
	for _, e := range buf {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// Forget drops a finished run's replay buffer.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
	delete(m.seq, runID)
}

func subscriberID(n uint64) string {
	return "sub-" + strconv.FormatUint(n, 10)
}
