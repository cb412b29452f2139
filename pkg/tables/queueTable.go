package tables

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	log "github.com/sirupsen/logrus"
)

const (
	partitionKey = "queueName"
	sortKey      = "entryTimestamp"
)

// QueueTableInput describes the queue table: one partition per queue name,
// entries sorted by their admission timestamp.
func QueueTableInput(tableName string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(partitionKey),
				AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
			},
			{
				AttributeName: aws.String(sortKey),
				AttributeType: aws.String(dynamodb.ScalarAttributeTypeN),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(partitionKey),
				KeyType:       aws.String(dynamodb.KeyTypeHash),
			},
			{
				AttributeName: aws.String(sortKey),
				KeyType:       aws.String(dynamodb.KeyTypeRange),
			},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	}
}

// EnsureQueueTable creates the queue table when it is missing and checks the
// key schema when it exists. It reports whether the table was created.
func EnsureQueueTable(svc dynamodbiface.DynamoDBAPI, tableName string) (bool, error) {
	out, err := svc.DescribeTable(&dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
	if err == nil {
		return false, checkKeySchema(tableName, out.Table)
	}

	var notFound *dynamodb.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return false, err
	}

	log.WithFields(log.Fields{"tableName": tableName}).Info("Creating queue table")
	if _, err := svc.CreateTable(QueueTableInput(tableName)); err != nil {
		return false, fmt.Errorf("failed to create queue table %s: %w", tableName, err)
	}
	if err := svc.WaitUntilTableExists(&dynamodb.DescribeTableInput{TableName: aws.String(tableName)}); err != nil {
		return true, fmt.Errorf("queue table %s did not become active: %w", tableName, err)
	}
	log.WithFields(log.Fields{"tableName": tableName}).Info("Queue table created")

	return true, nil
}

func checkKeySchema(tableName string, table *dynamodb.TableDescription) error {
	if table == nil {
		return fmt.Errorf("table %s has no description", tableName)
	}

	want := map[string]string{
		partitionKey: dynamodb.KeyTypeHash,
		sortKey:      dynamodb.KeyTypeRange,
	}
	if len(table.KeySchema) != len(want) {
		return fmt.Errorf("table %s must be keyed by %s (hash) and %s (range)", tableName, partitionKey, sortKey)
	}
	for _, k := range table.KeySchema {
		if k.AttributeName == nil || k.KeyType == nil || want[*k.AttributeName] != *k.KeyType {
			return fmt.Errorf("table %s must be keyed by %s (hash) and %s (range)", tableName, partitionKey, sortKey)
		}
	}
	return nil
}
