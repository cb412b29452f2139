package queue

import (
	"context"
	"sort"
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
)

func (s Status) Valid() bool {
	return s == StatusWaiting || s == StatusProcessing
}

// Store is the shared queue table. Every participant talks to the same
// table, so the store is the only synchronisation point between them.
type Store interface {
	// Admit counts processing entries and inserts a new entry for the
	// participant in a single atomic step. The entry is processing when fewer
	// than maxActive entries were processing, waiting otherwise.
	Admit(ctx context.Context, participantID string, maxActive int) (QueueEntry, error)
	Insert(ctx context.Context, participantID string, status Status) (QueueEntry, error)
	// ListEntries returns every entry of the queue ordered by CreatedAt then ID.
	ListEntries(ctx context.Context) ([]QueueEntry, error)
	ListByStatus(ctx context.Context, status Status) ([]QueueEntry, error)
	ListForParticipant(ctx context.Context, participantID string) ([]QueueEntry, error)
	// OldestWaiting returns nil when nobody is waiting.
	OldestWaiting(ctx context.Context) (*QueueEntry, error)
	// Promote moves a waiting entry to processing if fewer than maxActive
	// entries are processing. It returns ErrConflict when the entry is gone or
	// no longer waiting and ErrNoSlot when every slot is taken.
	Promote(ctx context.Context, e QueueEntry, maxActive int) error
	// UpdateStatus moves e to the given status. It returns ErrConflict when the
	// stored entry is gone or no longer has e.Status.
	UpdateStatus(ctx context.Context, e QueueEntry, to Status) error
	Touch(ctx context.Context, e QueueEntry) error
	DeleteEntry(ctx context.Context, e QueueEntry) error
	// DeleteParticipant removes every entry of the participant and returns
	// the removed rows.
	DeleteParticipant(ctx context.Context, participantID string) ([]QueueEntry, error)
	// Subscribe streams change notifications until ctx is done or the feed
	// drops, at which point the channel is closed.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
	Close() error
}

type QueueEntry struct {
	ID            string
	QueueName     string
	ParticipantID string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (e QueueEntry) Live() bool {
	return e.Status.Valid()
}

// Before reports whether e is ahead of o in the queue.
func (e QueueEntry) Before(o QueueEntry) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ID < o.ID
}

func SortEntries(entries []QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
}

func filterStatus(entries []QueueEntry, status Status) []QueueEntry {
	out := []QueueEntry{}
	for _, e := range entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	// ChangeResync is sent by feeds that cannot tell what changed, only that
	// something did.
	ChangeResync ChangeKind = "resync"
)

// ChangeEvent tells subscribers that the queue table changed. Consumers
// re-read the table instead of patching their view from Entry.
type ChangeEvent struct {
	Kind  ChangeKind
	Entry *QueueEntry
}
