package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/droprate/internal/search"
	"github.com/NodePath81/droprate/internal/trial"
)

const (
	StateRunning   = "running"
	StateConverged = "converged"
	StatePartial   = "partial"
	StateFailed    = "failed"
)

type IntervalStatus struct {
	Ratio float64 `json:"ratio"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SessionStatus is the externally visible state of one search run.
type SessionStatus struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Kind          string           `json:"kind"`
	Repetition    int              `json:"repetition"`
	State         string           `json:"state"`
	Trials        int              `json:"trials"`
	LastRate      float64          `json:"last_rate"`
	LastLossRatio float64          `json:"last_loss_ratio"`
	Intervals     []IntervalStatus `json:"intervals,omitempty"`
	Average       float64          `json:"average,omitempty"`
	Stdev         float64          `json:"stdev,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Error         string           `json:"error,omitempty"`
	// StartedAt and UpdatedAt are Unix milliseconds.
	StartedAt int64 `json:"started_at"`
	UpdatedAt int64 `json:"updated_at"`
}

type TrialEvent struct {
	Session    string  `json:"session"`
	DurationMs int64   `json:"duration_ms"`
	Rate       float64 `json:"rate"`
	Transmit   uint64  `json:"transmit"`
	Loss       uint64  `json:"loss"`
	LossRatio  float64 `json:"loss_ratio"`
}

type StatusStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionStatus
	order    []string
	hub      *StatusHub
	now      func() time.Time
}

func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{
		sessions: make(map[string]*SessionStatus),
		hub:      hub,
		now:      time.Now,
	}
}

func (s *StatusStore) Start(id, name, kind string, repetition int) {
	now := s.now().UnixMilli()
	entry := &SessionStatus{
		ID:         id,
		Name:       name,
		Kind:       kind,
		Repetition: repetition,
		State:      StateRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.order = append(s.order, id)
	}
	s.sessions[id] = entry
	snapshot := *entry
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{Type: "session_started", Session: &snapshot})
}

func (s *StatusStore) Trial(id string, m trial.Measurement) {
	s.mu.Lock()
	entry := s.sessions[id]
	if entry == nil {
		s.mu.Unlock()
		return
	}
	entry.Trials++
	entry.LastRate = m.TargetTR()
	entry.LastLossRatio = m.LossRatio()
	entry.UpdatedAt = s.now().UnixMilli()
	s.mu.Unlock()
	event := toTrialEvent(id, m)
	s.hub.Broadcast(statusMessage{Type: "trial", Trial: &event})
}

func (s *StatusStore) SearchProgress(id string, intervals []search.RatioInterval) {
	s.update(id, func(entry *SessionStatus) {
		entry.Intervals = toIntervalStatus(intervals)
	})
}

func (s *StatusStore) SoakProgress(id string, average, stdev float64) {
	s.update(id, func(entry *SessionStatus) {
		entry.Average = average
		entry.Stdev = stdev
	})
}

// Finish closes the session. A non-nil err marks it failed; otherwise
// converged selects between converged and partial.
func (s *StatusStore) Finish(id string, converged bool, reason string, err error) {
	s.mu.Lock()
	entry := s.sessions[id]
	if entry == nil {
		s.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		entry.State = StateFailed
		entry.Error = err.Error()
	case converged:
		entry.State = StateConverged
	default:
		entry.State = StatePartial
	}
	entry.Reason = reason
	entry.UpdatedAt = s.now().UnixMilli()
	snapshot := cloneStatus(entry)
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{Type: "session_finished", Session: &snapshot})
}

func (s *StatusStore) update(id string, fn func(*SessionStatus)) {
	s.mu.Lock()
	entry := s.sessions[id]
	if entry == nil {
		s.mu.Unlock()
		return
	}
	fn(entry)
	entry.UpdatedAt = s.now().UnixMilli()
	snapshot := cloneStatus(entry)
	s.mu.Unlock()
	s.hub.Broadcast(statusMessage{Type: "progress", Session: &snapshot})
}

// Snapshot returns all sessions in start order.
func (s *StatusStore) Snapshot() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneStatus(s.sessions[id]))
	}
	return out
}

func (s *StatusStore) Get(id string) (SessionStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return SessionStatus{}, false
	}
	return cloneStatus(entry), true
}

// Running counts sessions still searching.
func (s *StatusStore) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.sessions {
		if entry.State == StateRunning {
			n++
		}
	}
	return n
}

// Observe wraps a Measurer so each successful trial reaches the store.
func (s *StatusStore) Observe(next trial.Measurer, id string) trial.Measurer {
	return trial.MeasurerFunc(func(ctx context.Context, duration time.Duration, rate float64) (trial.Measurement, error) {
		m, err := next.Measure(ctx, duration, rate)
		if err == nil {
			s.Trial(id, m)
		}
		return m, err
	})
}

func cloneStatus(entry *SessionStatus) SessionStatus {
	out := *entry
	out.Intervals = append([]IntervalStatus(nil), entry.Intervals...)
	return out
}

func toIntervalStatus(intervals []search.RatioInterval) []IntervalStatus {
	out := make([]IntervalStatus, 0, len(intervals))
	for _, iv := range intervals {
		out = append(out, IntervalStatus{
			Ratio: iv.Ratio,
			Lower: iv.Low.TargetTR(),
			Upper: iv.High.TargetTR(),
		})
	}
	return out
}

type statusMessage struct {
	SchemaVersion int              `json:"schema_version"`
	Type          string           `json:"type"`
	Timestamp     int64            `json:"timestamp"`
	Session       *SessionStatus   `json:"session,omitempty"`
	Sessions      []SessionStatus  `json:"sessions,omitempty"`
	Trial         *TrialEvent      `json:"trial,omitempty"`
	Error         *statusErrorBody `json:"error,omitempty"`
}

type statusErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
}

type statusClient struct {
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 256),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			msg.SchemaVersion = 1
			if msg.Timestamp == 0 {
				msg.Timestamp = time.Now().UnixMilli()
			}
			data, _ := json.Marshal(msg)
			h.mu.Lock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// Broadcast drops the message when the hub is backed up.
func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// trySend drops data for a slow or closed client.
func (c *statusClient) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *statusClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
