package thread

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrThreadNotFound = errors.New("thread not found")
)

// Repository handles thread and message-id index storage in DynamoDB.
type Repository struct {
	client    dynamo.Client
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

// GetThread retrieves a thread by ID.
func (r *Repository) GetThread(ctx context.Context, accountID, threadID string) (*Item, error) {
	th := &Item{AccountID: accountID, ThreadID: threadID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: th.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: th.SK()},
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrThreadNotFound
	}

	return unmarshalThread(output.Item), nil
}

// GetMessageID looks up a normalized message-id in the account's index.
// Returns nil (no error) when the id is unknown.
func (r *Repository) GetMessageID(ctx context.Context, accountID, normalizedID string) (*MessageIDItem, error) {
	mi := &MessageIDItem{AccountID: accountID, MessageID: normalizedID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: mi.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: mi.SK()},
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, nil
	}

	return unmarshalMessageID(output.Item), nil
}

// BuildPutThreadItem returns the transaction item creating a thread row.
func (r *Repository) BuildPutThreadItem(th *Item) types.TransactWriteItem {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:       &types.AttributeValueMemberS{Value: th.PK()},
		dynamo.AttrSK:       &types.AttributeValueMemberS{Value: th.SK()},
		AttrThreadID:        &types.AttributeValueMemberS{Value: th.ThreadID},
		AttrAccountID:       &types.AttributeValueMemberS{Value: th.AccountID},
		AttrLatestMessageAt: &types.AttributeValueMemberS{Value: th.LatestMessageAt.UTC().Format(time.RFC3339)},
		AttrCreatedAt:       &types.AttributeValueMemberS{Value: th.CreatedAt.UTC().Format(time.RFC3339)},
		AttrUpdatedAt:       &types.AttributeValueMemberS{Value: th.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item:      item,
		},
	}
}

// BuildSetLatestItem returns the transaction item advancing a thread's
// latestMessageAt. Callers only include it when the new date is later than
// the stored one.
func (r *Repository) BuildSetLatestItem(accountID, threadID string, latest time.Time) types.TransactWriteItem {
	th := &Item{AccountID: accountID, ThreadID: threadID}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: th.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: th.SK()},
			},
			UpdateExpression: aws.String("SET " + AttrLatestMessageAt + " = :latest, " + AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":latest":    &types.AttributeValueMemberS{Value: latest.UTC().Format(time.RFC3339)},
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

// BuildDeleteThreadItem returns the transaction item removing a thread row.
func (r *Repository) BuildDeleteThreadItem(accountID, threadID string) types.TransactWriteItem {
	th := &Item{AccountID: accountID, ThreadID: threadID}

	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: th.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: th.SK()},
			},
		},
	}
}

// BuildPutMessageIDItem returns the transaction item indexing a message-id.
// Re-delivery of the same message-id overwrites the row, which is harmless
// because the fields are identical.
func (r *Repository) BuildPutMessageIDItem(mi *MessageIDItem) types.TransactWriteItem {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:    &types.AttributeValueMemberS{Value: mi.PK()},
		dynamo.AttrSK:    &types.AttributeValueMemberS{Value: mi.SK()},
		AttrMessageID:    &types.AttributeValueMemberS{Value: mi.MessageID},
		AttrAccountID:    &types.AttributeValueMemberS{Value: mi.AccountID},
		AttrEmailID:      &types.AttributeValueMemberS{Value: mi.EmailID},
		AttrThreadID:     &types.AttributeValueMemberS{Value: mi.ThreadID},
		AttrInternalDate: &types.AttributeValueMemberS{Value: mi.InternalDate.UTC().Format(time.RFC3339)},
	}

	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item:      item,
		},
	}
}

// BuildDeleteMessageIDItem returns the transaction item removing a
// message-id index entry.
func (r *Repository) BuildDeleteMessageIDItem(accountID, normalizedID string) types.TransactWriteItem {
	mi := &MessageIDItem{AccountID: accountID, MessageID: normalizedID}

	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: mi.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: mi.SK()},
			},
		},
	}
}

func unmarshalThread(item map[string]types.AttributeValue) *Item {
	th := &Item{}

	if v, ok := item[AttrThreadID].(*types.AttributeValueMemberS); ok {
		th.ThreadID = v.Value
	}
	if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		th.AccountID = v.Value
	}
	if v, ok := item[AttrLatestMessageAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			th.LatestMessageAt = t
		}
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			th.CreatedAt = t
		}
	}
	if v, ok := item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			th.UpdatedAt = t
		}
	}

	return th
}

func unmarshalMessageID(item map[string]types.AttributeValue) *MessageIDItem {
	mi := &MessageIDItem{}

	if v, ok := item[AttrMessageID].(*types.AttributeValueMemberS); ok {
		mi.MessageID = v.Value
	}
	if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		mi.AccountID = v.Value
	}
	if v, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
		mi.EmailID = v.Value
	}
	if v, ok := item[AttrThreadID].(*types.AttributeValueMemberS); ok {
		mi.ThreadID = v.Value
	}
	if v, ok := item[AttrInternalDate].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			mi.InternalDate = t
		}
	}

	return mi
}
