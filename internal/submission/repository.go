package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrClaimLost means another scheduler invocation claimed the
	// submission first, or its status changed underneath us.
	ErrClaimLost = errors.New("submission claim lost")
)

// Repository handles submission storage in DynamoDB.
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

// GetSubmission retrieves a submission.
func (r *Repository) GetSubmission(ctx context.Context, accountID, submissionID string) (*Item, error) {
	s := &Item{AccountID: accountID, SubmissionID: submissionID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: s.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: s.SK()},
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrSubmissionNotFound
	}

	return unmarshalItem(output.Item), nil
}

// ListForAccount returns all submissions of one account.
func (r *Repository) ListForAccount(ctx context.Context, accountID string) ([]*Item, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixSubmit},
		},
	})
	if err != nil {
		return nil, err
	}

	items := make([]*Item, len(output.Items))
	for i, item := range output.Items {
		items[i] = unmarshalItem(item)
	}
	return items, nil
}

// ListDue returns queue pointers whose nextAttemptAt has passed, ordered by
// due time then creation time, up to limit.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int32) ([]*QueuePointer, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND " + dynamo.AttrSK + " BETWEEN :skStart AND :skEnd"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      &types.AttributeValueMemberS{Value: QueuePartition},
			":skStart": &types.AttributeValueMemberS{Value: PrefixDue},
			":skEnd":   &types.AttributeValueMemberS{Value: PrefixDue + now.UTC().Format(time.RFC3339) + "#~"},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, err
	}

	pointers := make([]*QueuePointer, 0, len(output.Items))
	for _, item := range output.Items {
		p := &QueuePointer{}
		if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
			p.AccountID = v.Value
		}
		if v, ok := item[AttrSubmissionID].(*types.AttributeValueMemberS); ok {
			p.SubmissionID = v.Value
		}
		if v, ok := item[AttrNextAttemptAt].(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
				p.NextAttemptAt = t
			}
		}
		if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
				p.CreatedAt = t
			}
		}
		pointers = append(pointers, p)
	}
	return pointers, nil
}

// BuildCreateItems returns the transaction items creating a submission and
// its queue pointer.
func (r *Repository) BuildCreateItems(s *Item) []types.TransactWriteItem {
	pointer := &QueuePointer{
		AccountID:     s.AccountID,
		SubmissionID:  s.SubmissionID,
		NextAttemptAt: s.NextAttemptAt,
		CreatedAt:     s.CreatedAt,
	}

	return []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                marshalItem(s),
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(r.tableName),
				Item:      marshalPointer(pointer),
			},
		},
	}
}

// ClaimSending flips a due pending submission to sending. The conditional
// update is the compare-and-swap that makes concurrent scheduler
// invocations safe: exactly one caller sees the update succeed.
func (r *Repository) ClaimSending(ctx context.Context, accountID, submissionID string, now time.Time) error {
	s := &Item{AccountID: accountID, SubmissionID: submissionID}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: s.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: s.SK()},
		},
		UpdateExpression: aws.String("SET #status = :sending, " + AttrUpdatedAt + " = :now"),
		ConditionExpression: aws.String("#status = :pending AND " +
			AttrNextAttemptAt + " <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": AttrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sending": &types.AttributeValueMemberS{Value: string(StatusSending)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now":     &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrClaimLost
		}
		return fmt.Errorf("claim submission: %w", err)
	}
	return nil
}

// Cancel flips a pending submission to canceled and removes its queue
// pointer in the same transaction, so the sweep never sees the canceled
// row again. Only reachable from pending: anything already claimed keeps
// running.
func (r *Repository) Cancel(ctx context.Context, accountID, submissionID string) error {
	sub, err := r.GetSubmission(ctx, accountID, submissionID)
	if err != nil {
		return err
	}
	if sub.Status != StatusPending {
		return ErrClaimLost
	}

	s := &Item{AccountID: accountID, SubmissionID: submissionID}
	pointer := &QueuePointer{
		AccountID:     accountID,
		SubmissionID:  submissionID,
		NextAttemptAt: sub.NextAttemptAt,
		CreatedAt:     sub.CreatedAt,
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: s.PK()},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: s.SK()},
					},
					UpdateExpression:    aws.String("SET #status = :canceled, " + AttrUpdatedAt + " = :now"),
					ConditionExpression: aws.String("#status = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#status": AttrStatus,
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":canceled": &types.AttributeValueMemberS{Value: string(StatusCanceled)},
						":pending":  &types.AttributeValueMemberS{Value: string(StatusPending)},
						":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
					},
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(r.tableName),
					Key: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: pointer.PK()},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: pointer.SK()},
					},
				},
			},
		},
	})
	if err != nil {
		// The pending guard failing means the sweep (or another cancel)
		// got there first.
		var txCanceled *types.TransactionCanceledException
		if errors.As(err, &txCanceled) {
			return ErrClaimLost
		}
		return fmt.Errorf("cancel submission: %w", err)
	}
	return nil
}

// Settle records a send outcome: terminal status or a pending retry with a
// new nextAttemptAt, plus the updated delivery status map.
func (r *Repository) Settle(ctx context.Context, s *Item) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: s.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: s.SK()},
		},
		UpdateExpression: aws.String("SET #status = :status, " +
			AttrRetryCount + " = :retryCount, " +
			AttrNextAttemptAt + " = :nextAttemptAt, " +
			AttrDeliveryStatus + " = :deliveryStatus, " +
			AttrProviderMsgID + " = :providerMsgId, " +
			AttrUpdatedAt + " = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": AttrStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":         &types.AttributeValueMemberS{Value: string(s.Status)},
			":retryCount":     &types.AttributeValueMemberN{Value: strconv.Itoa(s.RetryCount)},
			":nextAttemptAt":  &types.AttributeValueMemberS{Value: s.NextAttemptAt.UTC().Format(time.RFC3339)},
			":deliveryStatus": &types.AttributeValueMemberS{Value: marshalDeliveryStatus(s.DeliveryStatus)},
			":providerMsgId":  &types.AttributeValueMemberS{Value: s.ProviderMessageID},
			":now":            &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("settle submission: %w", err)
	}
	return nil
}

// PutProviderPointer writes a lookup row from the provider's message id to
// the submission, so webhook events can find their submission without a
// scan. Written once, on the first accepted send.
func (r *Repository) PutProviderPointer(ctx context.Context, providerMessageID, accountID, submissionID string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			dynamo.AttrPK:    &types.AttributeValueMemberS{Value: PrefixProviderMsg + providerMessageID},
			dynamo.AttrSK:    &types.AttributeValueMemberS{Value: SKMeta},
			AttrAccountID:    &types.AttributeValueMemberS{Value: accountID},
			AttrSubmissionID: &types.AttributeValueMemberS{Value: submissionID},
		},
	})
	if err != nil {
		return fmt.Errorf("put provider pointer: %w", err)
	}
	return nil
}

// FindByProviderMessage resolves a provider message id to the account and
// submission it belongs to. Returns ErrSubmissionNotFound for ids this
// service never sent (or events that raced the pointer write).
func (r *Repository) FindByProviderMessage(ctx context.Context, providerMessageID string) (accountID, submissionID string, err error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: PrefixProviderMsg + providerMessageID},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: SKMeta},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("find provider pointer: %w", err)
	}
	if out.Item == nil {
		return "", "", ErrSubmissionNotFound
	}
	if v, ok := out.Item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		accountID = v.Value
	}
	if v, ok := out.Item[AttrSubmissionID].(*types.AttributeValueMemberS); ok {
		submissionID = v.Value
	}
	if accountID == "" || submissionID == "" {
		return "", "", ErrSubmissionNotFound
	}
	return accountID, submissionID, nil
}

// DeleteQueuePointer removes a pointer row. Best-effort: a stale pointer
// only costs the sweep a failed claim.
func (r *Repository) DeleteQueuePointer(ctx context.Context, p *QueuePointer) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: p.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: p.SK()},
		},
	})
	if err != nil {
		return fmt.Errorf("delete queue pointer: %w", err)
	}
	return nil
}

// PutQueuePointer writes a pointer row for a retry.
func (r *Repository) PutQueuePointer(ctx context.Context, p *QueuePointer) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      marshalPointer(p),
	})
	if err != nil {
		return fmt.Errorf("put queue pointer: %w", err)
	}
	return nil
}

func marshalDeliveryStatus(m map[string]DeliveryStatus) string {
	b, _ := json.Marshal(m)
	return string(b)
}

func marshalPointer(p *QueuePointer) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK:     &types.AttributeValueMemberS{Value: p.PK()},
		dynamo.AttrSK:     &types.AttributeValueMemberS{Value: p.SK()},
		AttrAccountID:     &types.AttributeValueMemberS{Value: p.AccountID},
		AttrSubmissionID:  &types.AttributeValueMemberS{Value: p.SubmissionID},
		AttrNextAttemptAt: &types.AttributeValueMemberS{Value: p.NextAttemptAt.UTC().Format(time.RFC3339)},
		AttrCreatedAt:     &types.AttributeValueMemberS{Value: p.CreatedAt.UTC().Format(time.RFC3339)},
	}
}

func marshalItem(s *Item) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:      &types.AttributeValueMemberS{Value: s.PK()},
		dynamo.AttrSK:      &types.AttributeValueMemberS{Value: s.SK()},
		AttrSubmissionID:   &types.AttributeValueMemberS{Value: s.SubmissionID},
		AttrAccountID:      &types.AttributeValueMemberS{Value: s.AccountID},
		AttrEmailID:        &types.AttributeValueMemberS{Value: s.EmailID},
		AttrBlobID:         &types.AttributeValueMemberS{Value: s.BlobID},
		AttrEnvelope:       &types.AttributeValueMemberS{Value: MarshalEnvelope(&s.Envelope)},
		AttrDeliveryStatus: &types.AttributeValueMemberS{Value: marshalDeliveryStatus(s.DeliveryStatus)},
		AttrRetryCount:     &types.AttributeValueMemberN{Value: strconv.Itoa(s.RetryCount)},
		AttrNextAttemptAt:  &types.AttributeValueMemberS{Value: s.NextAttemptAt.UTC().Format(time.RFC3339)},
		AttrStatus:         &types.AttributeValueMemberS{Value: string(s.Status)},
		AttrSendAt:         &types.AttributeValueMemberS{Value: s.SendAt.UTC().Format(time.RFC3339)},
		AttrCreatedAt:      &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339)},
		AttrUpdatedAt:      &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	if s.IdentityID != "" {
		item[AttrIdentityID] = &types.AttributeValueMemberS{Value: s.IdentityID}
	}
	if s.ProviderMessageID != "" {
		item[AttrProviderMsgID] = &types.AttributeValueMemberS{Value: s.ProviderMessageID}
	}
	return item
}

func unmarshalItem(item map[string]types.AttributeValue) *Item {
	s := &Item{DeliveryStatus: make(map[string]DeliveryStatus)}

	if v, ok := item[AttrSubmissionID].(*types.AttributeValueMemberS); ok {
		s.SubmissionID = v.Value
	}
	if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		s.AccountID = v.Value
	}
	if v, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
		s.EmailID = v.Value
	}
	if v, ok := item[AttrIdentityID].(*types.AttributeValueMemberS); ok {
		s.IdentityID = v.Value
	}
	if v, ok := item[AttrBlobID].(*types.AttributeValueMemberS); ok {
		s.BlobID = v.Value
	}
	if v, ok := item[AttrEnvelope].(*types.AttributeValueMemberS); ok {
		if e, err := UnmarshalEnvelope(v.Value); err == nil {
			s.Envelope = *e
		}
	}
	if v, ok := item[AttrDeliveryStatus].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &s.DeliveryStatus)
	}
	if v, ok := item[AttrRetryCount].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			s.RetryCount = n
		}
	}
	if v, ok := item[AttrNextAttemptAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			s.NextAttemptAt = t
		}
	}
	if v, ok := item[AttrStatus].(*types.AttributeValueMemberS); ok {
		s.Status = Status(v.Value)
	}
	if v, ok := item[AttrProviderMsgID].(*types.AttributeValueMemberS); ok {
		s.ProviderMessageID = v.Value
	}
	if v, ok := item[AttrSendAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			s.SendAt = t
		}
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			s.CreatedAt = t
		}
	}
	if v, ok := item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			s.UpdatedAt = t
		}
	}

	return s
}
