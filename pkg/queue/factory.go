package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

type StoreOptions struct {
	Backend    string
	Table      string
	QueueName  string
	GCPProject string
	// GCPDatabase selects a named Firestore database. Empty means "(default)".
	GCPDatabase  string
	PollInterval time.Duration
}

// NewStore builds the store for the selected backend. "aws" is the default.
func NewStore(ctx context.Context, opts StoreOptions) (Store, error) {
	selected := strings.ToLower(strings.TrimSpace(opts.Backend))
	if selected == "" {
		selected = "aws"
	}
	if opts.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	switch selected {
	case "memory":
		return NewMemoryStore(opts.QueueName), nil
	case "aws", "dynamodb":
		if opts.Table == "" {
			return nil, fmt.Errorf("queue table name is required when backend is set to aws/dynamodb")
		}
		sess := session.Must(session.NewSession())
		store := NewDynamoDBStore(dynamodb.New(sess), opts.Table, opts.QueueName)
		store.SetPollInterval(opts.PollInterval)
		return store, nil
	case "gcp", "firestore":
		if opts.Table == "" {
			return nil, fmt.Errorf("queue collection name is required when backend is set to gcp/firestore")
		}
		projectID := strings.TrimSpace(opts.GCPProject)
		if projectID == "" {
			projectID = strings.TrimSpace(os.Getenv("GCP_PROJECT"))
		}
		if projectID == "" {
			projectID = strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
		}
		if projectID == "" {
			return nil, fmt.Errorf("gcp project ID is required when backend is set to gcp/firestore")
		}
		return NewFirestoreStore(ctx, projectID, opts.GCPDatabase, opts.Table, opts.QueueName)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", opts.Backend)
	}
}
