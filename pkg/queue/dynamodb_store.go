package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// The admission row shares the partition with the entries and sits at sort
// key 0, ahead of every real entry. Its "active" attribute counts processing
// entries and is only changed inside the same transaction as the entry.
const admissionRowTimestamp = 0

const conditionalCheckFailed = "ConditionalCheckFailed"

type DynamoDBStore struct {
	svc          dynamodbiface.DynamoDBAPI
	tableName    string
	queueName    string
	pollInterval time.Duration

	mu   sync.Mutex
	last int64
}

func NewDynamoDBStore(svc dynamodbiface.DynamoDBAPI, tableName, queueName string) *DynamoDBStore {
	return &DynamoDBStore{
		svc:          svc,
		tableName:    tableName,
		queueName:    queueName,
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval sets how often Subscribe re-reads the table.
func (s *DynamoDBStore) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// DynamoDB has no server clock we can ask for, so entry timestamps come from
// this process. The conditional put rejects a timestamp another client already
// took and we retry with a fresh one.
func (s *DynamoDBStore) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}

func (s *DynamoDBStore) newEntry(participantID string, status Status) QueueEntry {
	ts := time.Unix(0, s.nextTimestamp())
	return QueueEntry{
		ID:            uuid.Must(uuid.NewV7()).String(),
		QueueName:     s.queueName,
		ParticipantID: participantID,
		Status:        status,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

func (s *DynamoDBStore) key(entryTimestamp int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"queueName": {
			S: aws.String(s.queueName),
		},
		"entryTimestamp": {
			N: aws.String(strconv.FormatInt(entryTimestamp, 10)),
		},
	}
}

func (s *DynamoDBStore) item(e QueueEntry) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"queueName": {
			S: aws.String(s.queueName),
		},
		"entryTimestamp": {
			N: aws.String(strconv.FormatInt(e.CreatedAt.UnixNano(), 10)),
		},
		"entryId": {
			S: aws.String(e.ID),
		},
		"clientId": {
			S: aws.String(e.ParticipantID),
		},
		"status": {
			S: aws.String(string(e.Status)),
		},
		"lastUpdated": {
			N: aws.String(strconv.FormatInt(e.UpdatedAt.UnixNano(), 10)),
		},
	}
}

func parseDynamoDBItem(item map[string]*dynamodb.AttributeValue) QueueEntry {
	entry := QueueEntry{}

	if v, ok := item["queueName"]; ok && v.S != nil {
		entry.QueueName = *v.S
	}
	if v, ok := item["entryId"]; ok && v.S != nil {
		entry.ID = *v.S
	}
	if v, ok := item["clientId"]; ok && v.S != nil {
		entry.ParticipantID = *v.S
	}
	if v, ok := item["status"]; ok && v.S != nil {
		entry.Status = Status(*v.S)
	}
	if v, ok := item["entryTimestamp"]; ok && v.N != nil {
		if ts, err := strconv.ParseInt(*v.N, 10, 64); err == nil {
			entry.CreatedAt = time.Unix(0, ts)
		}
	}
	if v, ok := item["lastUpdated"]; ok && v.N != nil {
		if lu, err := strconv.ParseInt(*v.N, 10, 64); err == nil {
			entry.UpdatedAt = time.Unix(0, lu)
		}
	}

	return entry
}

func (s *DynamoDBStore) counterUpdate(delta int) *dynamodb.Update {
	return &dynamodb.Update{
		TableName:        aws.String(s.tableName),
		Key:              s.key(admissionRowTimestamp),
		UpdateExpression: aws.String("ADD active :delta"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":delta": {N: aws.String(strconv.Itoa(delta))},
		},
	}
}

func (s *DynamoDBStore) entryPut(e QueueEntry) *dynamodb.Put {
	return &dynamodb.Put{
		TableName:           aws.String(s.tableName),
		Item:                s.item(e),
		ConditionExpression: aws.String("attribute_not_exists(entryTimestamp)"),
	}
}

// cancellationReasons returns the per-item codes of a cancelled transaction,
// or nil when err is something else.
func cancellationReasons(err error) []string {
	var tce *dynamodb.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil
	}
	codes := make([]string, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		if r != nil && r.Code != nil {
			codes[i] = *r.Code
		}
	}
	return codes
}

func (s *DynamoDBStore) Admit(ctx context.Context, participantID string, maxActive int) (QueueEntry, error) {
	for try := 0; try < 3; try++ {
		e := s.newEntry(participantID, StatusProcessing)
		counter := s.counterUpdate(1)
		counter.ConditionExpression = aws.String("attribute_not_exists(active) OR active < :max")
		counter.ExpressionAttributeValues[":max"] = &dynamodb.AttributeValue{N: aws.String(strconv.Itoa(maxActive))}

		_, err := s.svc.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []*dynamodb.TransactWriteItem{
				{Update: counter},
				{Put: s.entryPut(e)},
			},
		})
		if err == nil {
			return e, nil
		}

		reasons := cancellationReasons(err)
		switch {
		case len(reasons) == 2 && reasons[0] == conditionalCheckFailed:
			// every slot is taken
			return s.Insert(ctx, participantID, StatusWaiting)
		case len(reasons) == 2 && reasons[1] == conditionalCheckFailed:
			log.WithFields(log.Fields{"queueName": s.queueName, "try": try}).Debug("Entry timestamp taken, retrying admission")
			continue
		default:
			return QueueEntry{}, err
		}
	}
	return QueueEntry{}, fmt.Errorf("failed to admit %s after 3 attempts", participantID)
}

func (s *DynamoDBStore) Insert(ctx context.Context, participantID string, status Status) (QueueEntry, error) {
	for try := 0; try < 3; try++ {
		e := s.newEntry(participantID, status)

		var err error
		if status == StatusProcessing {
			_, err = s.svc.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
				TransactItems: []*dynamodb.TransactWriteItem{
					{Update: s.counterUpdate(1)},
					{Put: s.entryPut(e)},
				},
			})
		} else {
			put := s.entryPut(e)
			_, err = s.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
				TableName:           put.TableName,
				Item:                put.Item,
				ConditionExpression: put.ConditionExpression,
			})
		}
		if err == nil {
			return e, nil
		}
		if !isConditionalFailure(err) {
			return QueueEntry{}, err
		}
	}
	return QueueEntry{}, fmt.Errorf("failed to insert queue entry for %s after 3 attempts", participantID)
}

func isConditionalFailure(err error) bool {
	var ccf *dynamodb.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	for _, r := range cancellationReasons(err) {
		if r == conditionalCheckFailed {
			return true
		}
	}
	return false
}

func (s *DynamoDBStore) ListEntries(ctx context.Context) ([]QueueEntry, error) {
	entries := []QueueEntry{}

	queryInput := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("queueName = :queueName AND entryTimestamp > :admission"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":queueName": {
				S: aws.String(s.queueName),
			},
			":admission": {
				N: aws.String(strconv.Itoa(admissionRowTimestamp)),
			},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(true),
	}

	for {
		result, err := s.svc.QueryWithContext(ctx, queryInput)
		if err != nil {
			return nil, err
		}

		for _, item := range result.Items {
			entries = append(entries, parseDynamoDBItem(item))
		}

		if result.LastEvaluatedKey == nil {
			break
		}
		queryInput.ExclusiveStartKey = result.LastEvaluatedKey
	}

	SortEntries(entries)
	return entries, nil
}

func (s *DynamoDBStore) ListByStatus(ctx context.Context, status Status) ([]QueueEntry, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	return filterStatus(entries, status), nil
}

func (s *DynamoDBStore) ListForParticipant(ctx context.Context, participantID string) ([]QueueEntry, error) {
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

func (s *DynamoDBStore) OldestWaiting(ctx context.Context) (*QueueEntry, error) {
	waiting, err := s.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	return &waiting[0], nil
}

func statusDelta(from, to Status) int {
	delta := 0
	if from == StatusProcessing {
		delta--
	}
	if to == StatusProcessing {
		delta++
	}
	return delta
}

func (s *DynamoDBStore) UpdateStatus(ctx context.Context, e QueueEntry, to Status) error {
	update := &dynamodb.Update{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(e.CreatedAt.UnixNano()),
		UpdateExpression:    aws.String("SET #st = :to, lastUpdated = :lastUpdated"),
		ConditionExpression: aws.String("#st = :from"),
		ExpressionAttributeNames: map[string]*string{
			"#st": aws.String("status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":to":          {S: aws.String(string(to))},
			":from":        {S: aws.String(string(e.Status))},
			":lastUpdated": {N: aws.String(strconv.FormatInt(time.Now().UnixNano(), 10))},
		},
	}

	var err error
	if delta := statusDelta(e.Status, to); delta != 0 {
		_, err = s.svc.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []*dynamodb.TransactWriteItem{
				{Update: update},
				{Update: s.counterUpdate(delta)},
			},
		})
	} else {
		_, err = s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
			TableName:                 update.TableName,
			Key:                       update.Key,
			UpdateExpression:          update.UpdateExpression,
			ConditionExpression:       update.ConditionExpression,
			ExpressionAttributeNames:  update.ExpressionAttributeNames,
			ExpressionAttributeValues: update.ExpressionAttributeValues,
		})
	}
	if isConditionalFailure(err) {
		return ErrConflict
	}
	return err
}

func (s *DynamoDBStore) Promote(ctx context.Context, e QueueEntry, maxActive int) error {
	counter := s.counterUpdate(1)
	counter.ConditionExpression = aws.String("attribute_not_exists(active) OR active < :max")
	counter.ExpressionAttributeValues[":max"] = &dynamodb.AttributeValue{N: aws.String(strconv.Itoa(maxActive))}

	_, err := s.svc.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []*dynamodb.TransactWriteItem{
			{Update: &dynamodb.Update{
				TableName:           aws.String(s.tableName),
				Key:                 s.key(e.CreatedAt.UnixNano()),
				UpdateExpression:    aws.String("SET #st = :processing, lastUpdated = :lastUpdated"),
				ConditionExpression: aws.String("#st = :waiting"),
				ExpressionAttributeNames: map[string]*string{
					"#st": aws.String("status"),
				},
				ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
					":processing":  {S: aws.String(string(StatusProcessing))},
					":waiting":     {S: aws.String(string(StatusWaiting))},
					":lastUpdated": {N: aws.String(strconv.FormatInt(time.Now().UnixNano(), 10))},
				},
			}},
			{Update: counter},
		},
	})

	reasons := cancellationReasons(err)
	switch {
	case len(reasons) == 2 && reasons[0] == conditionalCheckFailed:
		return ErrConflict
	case len(reasons) == 2 && reasons[1] == conditionalCheckFailed:
		return ErrNoSlot
	}
	return err
}

func (s *DynamoDBStore) Touch(ctx context.Context, e QueueEntry) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(e.CreatedAt.UnixNano()),
		UpdateExpression:    aws.String("SET lastUpdated = :lastUpdated"),
		ConditionExpression: aws.String("attribute_exists(entryTimestamp)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":lastUpdated": {
				N: aws.String(strconv.FormatInt(time.Now().UnixNano(), 10)),
			},
		},
	})
	if isConditionalFailure(err) {
		return ErrConflict
	}
	return err
}

func (s *DynamoDBStore) DeleteEntry(ctx context.Context, e QueueEntry) error {
	del := &dynamodb.Delete{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(e.CreatedAt.UnixNano()),
		ConditionExpression: aws.String("#st = :status"),
		ExpressionAttributeNames: map[string]*string{
			"#st": aws.String("status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":status": {S: aws.String(string(e.Status))},
		},
	}

	var err error
	if e.Status == StatusProcessing {
		_, err = s.svc.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: []*dynamodb.TransactWriteItem{
				{Delete: del},
				{Update: s.counterUpdate(-1)},
			},
		})
	} else {
		_, err = s.svc.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName:                 del.TableName,
			Key:                       del.Key,
			ConditionExpression:       del.ConditionExpression,
			ExpressionAttributeNames:  del.ExpressionAttributeNames,
			ExpressionAttributeValues: del.ExpressionAttributeValues,
		})
	}
	if isConditionalFailure(err) {
		return ErrConflict
	}
	return err
}

// DeleteParticipant re-reads the participant's rows once when a row changed
// status between the read and the delete.
func (s *DynamoDBStore) DeleteParticipant(ctx context.Context, participantID string) ([]QueueEntry, error) {
	deleted := []QueueEntry{}
	for try := 0; try < 2; try++ {
		entries, err := s.ListForParticipant(ctx, participantID)
		if err != nil {
			return deleted, err
		}

		conflict := false
		for _, e := range entries {
			err := s.DeleteEntry(ctx, e)
			if errors.Is(err, ErrConflict) {
				conflict = true
				continue
			}
			if err != nil {
				return deleted, err
			}
			deleted = append(deleted, e)
		}
		if !conflict {
			return deleted, nil
		}
	}
	return deleted, ErrConflict
}

// Subscribe polls the partition and emits a resync event whenever the
// table contents differ from the previous poll.
func (s *DynamoDBStore) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan ChangeEvent, 1)
	go func() {
		defer close(ch)
		last := fingerprint(entries)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			entries, err := s.ListEntries(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithFields(log.Fields{"queueName": s.queueName, "error": err}).Error("Error polling queue table")
				continue
			}

			current := fingerprint(entries)
			if current == last {
				continue
			}
			last = current

			select {
			case ch <- ChangeEvent{Kind: ChangeResync}:
			default:
			}
		}
	}()

	return ch, nil
}

func fingerprint(entries []QueueEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%s:%d;", e.ID, e.Status, e.UpdatedAt.UnixNano())
	}
	return b.String()
}

func (s *DynamoDBStore) Close() error {
	return nil
}
