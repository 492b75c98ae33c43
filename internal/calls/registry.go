package calls

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-turns/internal/observability"
)

// DefaultObserverBuffer is the per-subscriber event buffer used when none is configured.
const DefaultObserverBuffer = 64

// Registry owns every CallSession and the live observer subscriptions.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]chan Event
	nextSub uint64

	buffer int
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry. buffer <= 0 selects DefaultObserverBuffer.
func NewRegistry(buffer int, logger zerolog.Logger) *Registry {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	return &Registry{
		sessions: make(map[string]*CallSession),
		subs:     make(map[string]map[uint64]chan Event),
		buffer:   buffer,
		logger:   logger,
		now:      time.Now,
	}
}

// Create starts a new session for callID.
func (r *Registry) Create(callID, streamID string) (*CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("create call: empty call id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return nil, fmt.Errorf("create call %s: %w", callID, ErrAlreadyExists)
	}

	session := &CallSession{
		CallID:    callID,
		StreamID:  streamID,
		StartTime: r.now(),
		Turns:     []Turn{},
	}
	r.sessions[callID] = session

	r.logger.Info().Str("call_id", callID).Str("stream_id", streamID).Msg("Call session created")
	return cloneSession(session), nil
}

// RecordPartial applies update to a copy of the call's partial turn. The copy
// is stored only if update returns nil; its error is returned unchanged.
func (r *Registry) RecordPartial(callID string, update func(*PartialTurn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.activeLocked(callID)
	if err != nil {
		return err
	}
	var next PartialTurn
	if session.Partial != nil {
		next = *session.Partial
	}
	if err := update(&next); err != nil {
		return err
	}
	session.Partial = &next
	return nil
}

// AppendTurn appends a completed turn and drops the partial. Negative latencies are clamped to zero.
func (r *Registry) AppendTurn(callID string, turn Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.activeLocked(callID)
	if err != nil {
		return err
	}

	turn.STTMs = clampLatency(turn.STTMs)
	turn.LLMMs = clampLatency(turn.LLMMs)
	turn.TTSMs = clampLatency(turn.TTSMs)

	session.Turns = append(session.Turns, turn)
	session.Partial = nil
	return nil
}

// DiscardPartial drops the in-flight turn, if any.
func (r *Registry) DiscardPartial(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[callID]
	if !ok {
		return fmt.Errorf("discard partial %s: %w", callID, ErrNotFound)
	}
	session.Partial = nil
	return nil
}

// Finalize sets the end time exactly once and notifies observers with call_ended.
// A second call returns ErrAlreadyFinalized and changes nothing.
func (r *Registry) Finalize(callID string) (*CallSession, error) {
	r.mu.Lock()
	session, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("finalize %s: %w", callID, ErrNotFound)
	}
	if !session.Active() {
		r.mu.Unlock()
		return nil, fmt.Errorf("finalize %s: %w", callID, ErrAlreadyFinalized)
	}

	end := r.now()
	session.EndTime = &end
	session.Partial = nil
	snapshot := cloneSession(session)
	r.mu.Unlock()

	r.logger.Info().
		Str("call_id", callID).
		Int("turns", len(snapshot.Turns)).
		Dur("duration", end.Sub(snapshot.StartTime)).
		Msg("Call session finalized")

	r.Publish(Event{
		CallID:  callID,
		Stage:   StageCallEnded,
		Payload: map[string]any{"turns": len(snapshot.Turns)},
	})
	return snapshot, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(callID string) (*CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", callID, ErrNotFound)
	}
	return cloneSession(session), nil
}

// List returns summaries of all sessions, newest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Summary{
			CallID:    s.CallID,
			StreamID:  s.StreamID,
			StartTime: s.StartTime,
			EndTime:   copyTime(s.EndTime),
			TurnCount: len(s.Turns),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Prune removes sessions finalized more than retention ago and returns how many were removed.
func (r *Registry) Prune(retention time.Duration) int {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if !s.Active() && s.EndTime.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// RunPruner calls Prune every interval until ctx is done. retention <= 0 disables pruning.
func (r *Registry) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Prune(retention); n > 0 {
				r.logger.Debug().Int("removed", n).Msg("Pruned finalized calls")
			}
		}
	}
}

// Subscribe registers an observer for future events of callID. The returned
// function unsubscribes and closes the channel; calling it more than once is safe.
func (r *Registry) Subscribe(callID string) (<-chan Event, func()) {
	ch := make(chan Event, r.buffer)

	r.subsMu.Lock()
	r.nextSub++
	id := r.nextSub
	if r.subs[callID] == nil {
		r.subs[callID] = make(map[uint64]chan Event)
	}
	r.subs[callID][id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			defer r.subsMu.Unlock()

			delete(r.subs[callID], id)
			if len(r.subs[callID]) == 0 {
				delete(r.subs, callID)
			}
			close(ch)
		})
	}
}

// SubscriberCount returns the number of observers of callID.
func (r *Registry) SubscriberCount(callID string) int {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	return len(r.subs[callID])
}

// Publish delivers ev to every observer of its call without blocking.
// Observers whose buffer is full miss the event.
func (r *Registry) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}

	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for _, ch := range r.subs[ev.CallID] {
		select {
		case ch <- ev:
		default:
			observability.RecordObserverDrop()
			r.logger.Debug().
				Str("call_id", ev.CallID).
				Str("stage", ev.Stage).
				Msg("Observer too slow, event dropped")
		}
	}
}

// activeLocked must be called with mu held.
func (r *Registry) activeLocked(callID string) (*CallSession, error) {
	session, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}
	if !session.Active() {
		return nil, fmt.Errorf("call %s: %w", callID, ErrAlreadyFinalized)
	}
	return session, nil
}

func clampLatency(ms float64) float64 {
	if ms < 0 {
		return 0
	}
	return ms
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneSession(s *CallSession) *CallSession {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	if c.Turns == nil {
		c.Turns = []Turn{}
	}
	c.EndTime = copyTime(s.EndTime)
	if s.Partial != nil {
		p := *s.Partial
		c.Partial = &p
	}
	return &c
}
