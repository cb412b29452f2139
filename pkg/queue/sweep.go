package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultStaleAfter is how long an entry may go without a heartbeat before
// the sweep treats its owner as gone.
const DefaultStaleAfter = 2 * time.Minute

// IsStale reports whether the entry's owner stopped sending heartbeats.
func IsStale(e QueueEntry, now time.Time, staleAfter time.Duration) bool {
	return now.Sub(e.UpdatedAt) > staleAfter
}

type SweepOptions struct {
	MaxActive  int
	StaleAfter time.Duration
	Now        time.Time
	// Owner is the sweeping participant. Its own entries are never stale.
	Owner string
}

type SweepReport struct {
	Deleted  int
	Demoted  int
	Promoted int
}

func (r SweepReport) Changed() bool {
	return r.Deleted+r.Demoted+r.Promoted > 0
}

// Sweep repairs the queue table: it deletes stale entries, demotes
// processing entries beyond MaxActive back to waiting (newest first) and then
// fills free slots from the head of the waiting line. Entries another sweeper
// already changed are skipped.
func Sweep(ctx context.Context, store Store, opts SweepOptions) (SweepReport, error) {
	report := SweepReport{}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 1
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	entries, err := store.ListEntries(ctx)
	if err != nil {
		return report, err
	}

	live := []QueueEntry{}
	for _, e := range entries {
		if opts.StaleAfter <= 0 || !IsStale(e, opts.Now, opts.StaleAfter) ||
			(opts.Owner != "" && e.ParticipantID == opts.Owner) {
			live = append(live, e)
			continue
		}

		log.WithFields(log.Fields{
			"clientId":    e.ParticipantID,
			"status":      e.Status,
			"lastUpdated": e.UpdatedAt,
		}).Warn("Deleting stale queue entry for client")

		if err := store.DeleteEntry(ctx, e); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return report, err
		}
		report.Deleted++
	}

	processing := filterStatus(live, StatusProcessing)
	for len(processing) > opts.MaxActive {
		excess := processing[len(processing)-1]
		processing = processing[:len(processing)-1]

		log.WithFields(log.Fields{
			"clientId":  excess.ParticipantID,
			"createdAt": excess.CreatedAt,
		}).Warn("Demoting over-admitted queue entry")

		if err := store.UpdateStatus(ctx, excess, StatusWaiting); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return report, err
		}
		report.Demoted++
	}

	free := opts.MaxActive - len(processing)
	for _, e := range filterStatus(live, StatusWaiting) {
		if free <= 0 {
			break
		}
		err := store.Promote(ctx, e, opts.MaxActive)
		if errors.Is(err, ErrNoSlot) {
			break
		}
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return report, err
		}
		log.WithFields(log.Fields{"clientId": e.ParticipantID}).Info("Promoted waiting queue entry")
		report.Promoted++
		free--
	}

	return report, nil
}

// jitter spreads heartbeats so that clients started together do not hit the
// store in lockstep. The result lies in [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half))
}
