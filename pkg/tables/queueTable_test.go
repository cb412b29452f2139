package tables

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTables struct {
	dynamodbiface.DynamoDBAPI

	describe *dynamodb.DescribeTableOutput
	err      error
	created  []*dynamodb.CreateTableInput
	waited   bool
}

func (f *fakeTables) DescribeTable(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	return f.describe, f.err
}

func (f *fakeTables) CreateTable(in *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	f.created = append(f.created, in)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeTables) WaitUntilTableExists(*dynamodb.DescribeTableInput) error {
	f.waited = true
	return nil
}

func TestEnsureQueueTableCreatesMissingTable(t *testing.T) {
	fake := &fakeTables{err: &dynamodb.ResourceNotFoundException{}}

	created, err := EnsureQueueTable(fake, "speech-queue")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, fake.waited)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "speech-queue", *fake.created[0].TableName)
	assert.Equal(t, dynamodb.BillingModePayPerRequest, *fake.created[0].BillingMode)
}

func TestEnsureQueueTableAcceptsExistingTable(t *testing.T) {
	fake := &fakeTables{describe: &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{KeySchema: QueueTableInput("speech-queue").KeySchema},
	}}

	created, err := EnsureQueueTable(fake, "speech-queue")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, fake.created)
}

func TestEnsureQueueTableRejectsWrongSchema(t *testing.T) {
	fake := &fakeTables{describe: &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("lockName"), KeyType: aws.String(dynamodb.KeyTypeHash)},
		}},
	}}

	_, err := EnsureQueueTable(fake, "speech-queue")
	assert.Error(t, err)
}

func TestEnsureQueueTablePassesDescribeErrors(t *testing.T) {
	denied := errors.New("access denied")
	fake := &fakeTables{err: denied}

	_, err := EnsureQueueTable(fake, "speech-queue")
	assert.ErrorIs(t, err, denied)
	assert.Empty(t, fake.created)
}
