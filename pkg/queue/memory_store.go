package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the queue table in process. It backs the "memory"
// backend and the tests.
type MemoryStore struct {
	mu          sync.Mutex
	queueName   string
	entries     map[string]QueueEntry
	last        time.Time
	now         func() time.Time
	subscribers map[string]chan ChangeEvent
	closed      bool
}

func NewMemoryStore(queueName string) *MemoryStore {
	return &MemoryStore{
		queueName:   queueName,
		entries:     map[string]QueueEntry{},
		now:         time.Now,
		subscribers: map[string]chan ChangeEvent{},
	}
}

// SetClock replaces the time source. Assigned timestamps stay strictly
// increasing whatever the clock returns.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) stamp() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) Admit(_ context.Context, participantID string, maxActive int) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return QueueEntry{}, ErrStoreUnavailable
	}

	status := StatusWaiting
	if s.countLocked(StatusProcessing) < maxActive {
		status = StatusProcessing
	}
	return s.insertLocked(participantID, status), nil
}

func (s *MemoryStore) Insert(_ context.Context, participantID string, status Status) (QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return QueueEntry{}, ErrStoreUnavailable
	}
	return s.insertLocked(participantID, status), nil
}

func (s *MemoryStore) insertLocked(participantID string, status Status) QueueEntry {
	ts := s.stamp()
	e := QueueEntry{
		ID:            uuid.Must(uuid.NewV7()).String(),
		QueueName:     s.queueName,
		ParticipantID: participantID,
		Status:        status,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	s.entries[e.ID] = e
	s.publishLocked(ChangeInserted, e)
	return e
}

func (s *MemoryStore) countLocked(status Status) int {
	n := 0
	for _, e := range s.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ListEntries(_ context.Context) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}
	return s.sortedLocked(), nil
}

func (s *MemoryStore) sortedLocked() []QueueEntry {
	out := make([]QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]QueueEntry, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	return filterStatus(entries, status), nil
}

func (s *MemoryStore) ListForParticipant(ctx context.Context, participantID string) ([]QueueEntry, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := []QueueEntry{}
	for _, e := range entries {
		if e.ParticipantID == participantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) OldestWaiting(ctx context.Context) (*QueueEntry, error) {
	waiting, err := s.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	return &waiting[0], nil
}

func (s *MemoryStore) Promote(_ context.Context, e QueueEntry, maxActive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}

	current, ok := s.entries[e.ID]
	if !ok || current.Status != StatusWaiting {
		return ErrConflict
	}
	if s.countLocked(StatusProcessing) >= maxActive {
		return ErrNoSlot
	}
	current.Status = StatusProcessing
	current.UpdatedAt = s.stamp()
	s.entries[e.ID] = current
	s.publishLocked(ChangeUpdated, current)
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, e QueueEntry, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}

	current, ok := s.entries[e.ID]
	if !ok || current.Status != e.Status {
		return ErrConflict
	}
	current.Status = to
	current.UpdatedAt = s.stamp()
	s.entries[e.ID] = current
	s.publishLocked(ChangeUpdated, current)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, e QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}

	current, ok := s.entries[e.ID]
	if !ok {
		return ErrConflict
	}
	current.UpdatedAt = s.stamp()
	s.entries[e.ID] = current
	s.publishLocked(ChangeUpdated, current)
	return nil
}

func (s *MemoryStore) DeleteEntry(_ context.Context, e QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreUnavailable
	}

	current, ok := s.entries[e.ID]
	if !ok {
		return nil
	}
	delete(s.entries, e.ID)
	s.publishLocked(ChangeDeleted, current)
	return nil
}

func (s *MemoryStore) DeleteParticipant(_ context.Context, participantID string) ([]QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	deleted := []QueueEntry{}
	for _, e := range s.sortedLocked() {
		if e.ParticipantID != participantID {
			continue
		}
		delete(s.entries, e.ID)
		deleted = append(deleted, e)
		s.publishLocked(ChangeDeleted, e)
	}
	return deleted, nil
}

// Subscribe never blocks writers: each subscriber holds at most one pending
// event, which is enough because consumers re-read the whole table.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreUnavailable
	}

	id := uuid.NewString()
	ch := make(chan ChangeEvent, 1)
	s.subscribers[id] = ch

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}()

	return ch, nil
}

func (s *MemoryStore) publishLocked(kind ChangeKind, e QueueEntry) {
	for _, sub := range s.subscribers {
		entry := e
		select {
		case sub <- ChangeEvent{Kind: kind, Entry: &entry}:
		default:
		}
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub)
	}
	return nil
}
