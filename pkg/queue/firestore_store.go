package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one document per entry. The processing count lives in
// a separate admission document so that every admission and every status
// change touches the same document and Firestore serialises them.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	queueName  string
}

func NewFirestoreStore(ctx context.Context, projectID, databaseID, collection, queueName string) (*FirestoreStore, error) {
	var (
		client *firestore.Client
		err    error
	)
	if databaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &FirestoreStore{client: client, collection: collection, queueName: queueName}, nil
}

func (s *FirestoreStore) entries() firestore.Query {
	return s.client.Collection(s.collection).Where("queueName", "==", s.queueName)
}

func (s *FirestoreStore) admissionDoc() *firestore.DocumentRef {
	safeQueue := base64.RawURLEncoding.EncodeToString([]byte(s.queueName))
	return s.client.Collection(s.collection + "_admission").Doc(safeQueue)
}

func activeCount(tx *firestore.Transaction, ref *firestore.DocumentRef) (int64, error) {
	doc, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return toInt64(doc.Data()["active"]), nil
}

func (s *FirestoreStore) Admit(ctx context.Context, participantID string, maxActive int) (QueueEntry, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ref := s.client.Collection(s.collection).Doc(id)
	admission := s.admissionDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active, err := activeCount(tx, admission)
		if err != nil {
			return err
		}

		st := StatusWaiting
		if active < int64(maxActive) {
			st = StatusProcessing
			if err := tx.Set(admission, map[string]interface{}{"active": active + 1}); err != nil {
				return err
			}
		}
		return tx.Create(ref, s.document(id, participantID, st))
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return s.read(ctx, ref)
}

func (s *FirestoreStore) document(id, participantID string, st Status) map[string]interface{} {
	return map[string]interface{}{
		"entryId":     id,
		"queueName":   s.queueName,
		"clientId":    participantID,
		"status":      string(st),
		"createdAt":   firestore.ServerTimestamp,
		"lastUpdated": firestore.ServerTimestamp,
	}
}

func (s *FirestoreStore) Insert(ctx context.Context, participantID string, st Status) (QueueEntry, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ref := s.client.Collection(s.collection).Doc(id)
	admission := s.admissionDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if st == StatusProcessing {
			active, err := activeCount(tx, admission)
			if err != nil {
				return err
			}
			if err := tx.Set(admission, map[string]interface{}{"active": active + 1}); err != nil {
				return err
			}
		}
		return tx.Create(ref, s.document(id, participantID, st))
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return s.read(ctx, ref)
}

func (s *FirestoreStore) read(ctx context.Context, ref *firestore.DocumentRef) (QueueEntry, error) {
	doc, err := ref.Get(ctx)
	if err != nil {
		return QueueEntry{}, err
	}
	return parseFirestoreDoc(doc), nil
}

func parseFirestoreDoc(doc *firestore.DocumentSnapshot) QueueEntry {
	data := doc.Data()
	entry := QueueEntry{ID: doc.Ref.ID}

	if v, ok := data["entryId"].(string); ok {
		entry.ID = v
	}
	if v, ok := data["queueName"].(string); ok {
		entry.QueueName = v
	}
	if v, ok := data["clientId"].(string); ok {
		entry.ParticipantID = v
	}
	if v, ok := data["status"].(string); ok {
		entry.Status = Status(v)
	}
	if v, ok := data["createdAt"]; ok {
		entry.CreatedAt = toTime(v)
	}
	if v, ok := data["lastUpdated"]; ok {
		entry.UpdatedAt = toTime(v)
	}

	return entry
}

func (s *FirestoreStore) ListEntries(ctx context.Context) ([]QueueEntry, error) {
	entries := []QueueEntry{}
	iter := s.entries().OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, parseFirestoreDoc(doc))
	}

	SortEntries(entries)
	return entries, nil
}

func (s *FirestoreStore) ListByStatus(ctx context.Context, st Status) ([]QueueEntry, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	return filterStatus(entries, st), nil
}

func (s *FirestoreStore) ListForParticipant(ctx context.Context, participantID string) ([]QueueEntry, error) {
	entries := []QueueEntry{}
	iter := s.entries().Where("clientId", "==", participantID).Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, parseFirestoreDoc(doc))
	}

	SortEntries(entries)
	return entries, nil
}

func (s *FirestoreStore) OldestWaiting(ctx context.Context) (*QueueEntry, error) {
	iter := s.entries().
		Where("status", "==", string(StatusWaiting)).
		OrderBy("createdAt", firestore.Asc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := parseFirestoreDoc(doc)
	return &entry, nil
}

var errFirestoreConflict = errors.New("firestore entry changed")

func (s *FirestoreStore) UpdateStatus(ctx context.Context, e QueueEntry, to Status) error {
	ref := s.client.Collection(s.collection).Doc(e.ID)
	admission := s.admissionDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active, err := activeCount(tx, admission)
		if err != nil {
			return err
		}
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return errFirestoreConflict
		}
		if err != nil {
			return err
		}
		if parseFirestoreDoc(doc).Status != e.Status {
			return errFirestoreConflict
		}

		if delta := statusDelta(e.Status, to); delta != 0 {
			if err := tx.Set(admission, map[string]interface{}{"active": active + int64(delta)}); err != nil {
				return err
			}
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "lastUpdated", Value: firestore.ServerTimestamp},
		})
	})
	if errors.Is(err, errFirestoreConflict) {
		return ErrConflict
	}
	return err
}

func (s *FirestoreStore) Promote(ctx context.Context, e QueueEntry, maxActive int) error {
	ref := s.client.Collection(s.collection).Doc(e.ID)
	admission := s.admissionDoc()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active, err := activeCount(tx, admission)
		if err != nil {
			return err
		}
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return errFirestoreConflict
		}
		if err != nil {
			return err
		}
		if parseFirestoreDoc(doc).Status != StatusWaiting {
			return errFirestoreConflict
		}
		if active >= int64(maxActive) {
			return ErrNoSlot
		}

		if err := tx.Set(admission, map[string]interface{}{"active": active + 1}); err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(StatusProcessing)},
			{Path: "lastUpdated", Value: firestore.ServerTimestamp},
		})
	})
	if errors.Is(err, errFirestoreConflict) {
		return ErrConflict
	}
	return err
}

func (s *FirestoreStore) Touch(ctx context.Context, e QueueEntry) error {
	_, err := s.client.Collection(s.collection).Doc(e.ID).Update(ctx, []firestore.Update{{
		Path:  "lastUpdated",
		Value: firestore.ServerTimestamp,
	}})
	if status.Code(err) == codes.NotFound {
		return ErrConflict
	}
	return err
}

func (s *FirestoreStore) DeleteEntry(ctx context.Context, e QueueEntry) error {
	_, err := s.deleteDocs(ctx, []QueueEntry{e})
	return err
}

func (s *FirestoreStore) DeleteParticipant(ctx context.Context, participantID string) ([]QueueEntry, error) {
	entries, err := s.ListForParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	return s.deleteDocs(ctx, entries)
}

// deleteDocs removes the entries that still exist and keeps the admission
// count in step with the processing rows it removed.
func (s *FirestoreStore) deleteDocs(ctx context.Context, entries []QueueEntry) ([]QueueEntry, error) {
	admission := s.admissionDoc()
	var deleted []QueueEntry

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = deleted[:0]
		active, err := activeCount(tx, admission)
		if err != nil {
			return err
		}

		refs := make([]*firestore.DocumentRef, 0, len(entries))
		for _, e := range entries {
			ref := s.client.Collection(s.collection).Doc(e.ID)
			doc, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				continue
			}
			if err != nil {
				return err
			}
			current := parseFirestoreDoc(doc)
			if current.Status == StatusProcessing {
				active--
			}
			refs = append(refs, ref)
			deleted = append(deleted, current)
		}

		for _, ref := range refs {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		if active < 0 {
			active = 0
		}
		return tx.Set(admission, map[string]interface{}{"active": active})
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Subscribe uses a real-time listener on the queue. The channel closes when
// the listener fails so the caller can fall back to polling.
func (s *FirestoreStore) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	it := s.entries().Snapshots(ctx)
	ch := make(chan ChangeEvent, 1)

	go func() {
		defer close(ch)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && err != iterator.Done {
					log.WithFields(log.Fields{"queueName": s.queueName, "error": err}).Warn("Firestore listener stopped")
				}
				return
			}

			event := ChangeEvent{Kind: ChangeResync}
			if len(snap.Changes) == 1 {
				change := snap.Changes[0]
				entry := parseFirestoreDoc(change.Doc)
				event.Entry = &entry
				switch change.Kind {
				case firestore.DocumentAdded:
					event.Kind = ChangeInserted
				case firestore.DocumentModified:
					event.Kind = ChangeUpdated
				case firestore.DocumentRemoved:
					event.Kind = ChangeDeleted
				}
			}

			select {
			case ch <- event:
			default:
			}
		}
	}()

	return ch, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case int64:
		return time.Unix(t, 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	default:
		return 0
	}
}
