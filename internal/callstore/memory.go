package callstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"call-signaling/internal/call"
)

// MemoryStore is a full-fidelity in-memory Store used by tests and local
// development. It honors the same conditional-update and write-once semantics
// as the Redis implementation. Not intended for production use.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*call.Record
	subs    map[string]map[int]*memSub
	nextSub int

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*call.Record),
		subs:    make(map[string]map[int]*memSub),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *MemoryStore) Create(ctx context.Context, rec call.Record) (call.Record, error) {
	if rec.ID == "" || rec.CallerID == "" || rec.RecipientID == "" ||
		rec.CallerID == rec.RecipientID || !rec.Type.Valid() {
		return call.Record{}, ErrInvalidRecord
	}
	if rec.Status == "" {
		rec.Status = call.StatusRinging
	}
	if rec.Status != call.StatusRinging {
		return call.Record{}, ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return call.Record{}, ErrAlreadyExists
	}

	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StatusChangedAt = rec.CreatedAt
	rec.ConnectedAt = nil
	rec.EndedAt = nil
	rec.Revision = 1

	stored := rec.Clone()
	s.records[rec.ID] = &stored
	s.broadcastLocked(rec.ID)
	return stored.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return call.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, mut call.Mutation, expected call.Status) (call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return call.Record{}, ErrNotFound
	}
	if rec.Status != expected {
		return call.Record{}, ErrStatusConflict
	}

	changingStatus := mut.Status != "" && mut.Status != expected
	if changingStatus {
		if err := call.ValidateTransition(expected, mut.Status); err != nil {
			return call.Record{}, err
		}
	}
	if !changingStatus && mut.Signal == nil {
		return call.Record{}, ErrInvalidRecord
	}

	now := s.clock().UTC()
	if changingStatus {
		rec.Status = mut.Status
		rec.StatusChangedAt = now
		// Write-once stamps: first writer wins, later writers no-op.
		if mut.Status == call.StatusConnected && rec.ConnectedAt == nil {
			t := now
			rec.ConnectedAt = &t
		}
		if mut.Status.Terminal() && rec.EndedAt == nil {
			t := now
			rec.EndedAt = &t
		}
	}
	if mut.Signal != nil {
		sig := *mut.Signal
		if sig.SentAt.IsZero() {
			sig.SentAt = now
		}
		rec.Signals = append(rec.Signals, sig)
	}
	rec.Revision++

	s.broadcastLocked(id)
	return rec.Clone(), nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan call.Record, func(), error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}

	sub := newMemSub()
	s.nextSub++
	key := s.nextSub
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]*memSub)
	}
	s.subs[id][key] = sub

	// Replay the current revision so late subscribers converge immediately.
	sub.enqueue(rec.Clone())
	s.mu.Unlock()

	cancel := func() {
		sub.close()
		s.mu.Lock()
		if m := s.subs[id]; m != nil {
			delete(m, key)
		}
		s.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

func (s *MemoryStore) ListStale(ctx context.Context, status call.Status, cutoff time.Time, limit int) ([]call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []call.Record
	for _, rec := range s.records {
		if rec.Status == status && rec.StatusChangedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	sortByStatusChanged(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []call.Record
	for _, rec := range s.records {
		if rec.Status.Terminal() && rec.EndedAt != nil && rec.EndedAt.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	sortByStatusChanged(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)

	// Record gone: end the streams. Subscribers treat a closed stream the same
	// as a terminal status.
	for _, sub := range s.subs[id] {
		sub.close()
	}
	delete(s.subs, id)
	return nil
}

func (s *MemoryStore) broadcastLocked(id string) {
	rec := s.records[id]
	for _, sub := range s.subs[id] {
		sub.enqueue(rec.Clone())
	}
}

func sortByStatusChanged(recs []call.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StatusChangedAt.Before(recs[j].StatusChangedAt)
	})
}

// memSub is one subscriber. Deliveries are queued so a slow consumer never
// blocks writers, and order is preserved.
type memSub struct {
	ch   chan call.Record
	done chan struct{}

	mu     sync.Mutex
	queue  []call.Record
	notify chan struct{}
	once   sync.Once
}

func newMemSub() *memSub {
	sub := &memSub{
		ch:     make(chan call.Record),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	go sub.pump()
	return sub
}

func (m *memSub) enqueue(rec call.Record) {
	m.mu.Lock()
	m.queue = append(m.queue, rec)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *memSub) pump() {
	defer close(m.ch)
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			rec := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case m.ch <- rec:
			case <-m.done:
				return
			}
		}
	}
}

// close is idempotent.
func (m *memSub) close() {
	m.once.Do(func() { close(m.done) })
}
