package state

import (
	"context"
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
	ErrTransactionFailed = errors.New("transaction failed")
	ErrStateMismatch     = errors.New("state mismatch")
)

// Repository handles state counters and the change log.
type Repository struct {
	client        dynamo.Client
	tableName     string
	retentionDays int
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string, retentionDays int) *Repository {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Repository{
		client:        client,
		tableName:     tableName,
		retentionDays: retentionDays,
	}
}

// GetCurrentState retrieves the current modSeq for an account and object type.
// Returns 0 if no counter exists yet.
func (r *Repository) GetCurrentState(ctx context.Context, accountID string, objectType ObjectType) (int64, error) {
	counter := &CounterItem{AccountID: accountID, ObjectType: objectType}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: counter.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: counter.SK()},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get current state: %w", err)
	}

	if output.Item == nil {
		return 0, nil
	}

	if v, ok := output.Item[AttrCurrentState].(*types.AttributeValueMemberN); ok {
		current, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse state: %w", err)
		}
		return current, nil
	}

	return 0, nil
}

// GetState returns the state string clients see: the counter value, "0" if absent.
func (r *Repository) GetState(ctx context.Context, accountID string, objectType ObjectType) (string, error) {
	current, err := r.GetCurrentState(ctx, accountID, objectType)
	if err != nil {
		return "", err
	}
	return FormatState(current), nil
}

// CheckState validates an ifInState precondition against the current counter.
// A nil expected state always passes. Returns ErrStateMismatch on failure so
// callers can map it to the JMAP stateMismatch error without any writes.
func (r *Repository) CheckState(ctx context.Context, accountID string, objectType ObjectType, ifInState *string) (int64, error) {
	current, err := r.GetCurrentState(ctx, accountID, objectType)
	if err != nil {
		return 0, err
	}
	if ifInState == nil {
		return current, nil
	}
	expected, err := strconv.ParseInt(*ifInState, 10, 64)
	if err != nil || expected != current {
		return current, ErrStateMismatch
	}
	return current, nil
}

// counterUpdateItem returns the transaction item incrementing the state
// counter by n, initializing it at zero when absent.
func (r *Repository) counterUpdateItem(accountID string, objectType ObjectType, n int64, now time.Time) types.TransactWriteItem {
	counter := &CounterItem{AccountID: accountID, ObjectType: objectType}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: counter.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: counter.SK()},
			},
			UpdateExpression: aws.String("SET " + AttrCurrentState + " = if_not_exists(" + AttrCurrentState + ", :zero) + :n, " + AttrUpdatedAt + " = :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":n":    &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)},
				":now":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			},
		},
	}
}

// changeLogItem returns the Put item for one change log row.
func (r *Repository) changeLogItem(record *ChangeRecord) types.TransactWriteItem {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:  &types.AttributeValueMemberS{Value: record.PK()},
		dynamo.AttrSK:  &types.AttributeValueMemberS{Value: record.SK()},
		AttrObjectID:   &types.AttributeValueMemberS{Value: record.ObjectID},
		AttrChangeType: &types.AttributeValueMemberS{Value: string(record.ChangeType)},
		AttrTimestamp:  &types.AttributeValueMemberS{Value: record.Timestamp.Format(time.RFC3339)},
		AttrState:      &types.AttributeValueMemberN{Value: strconv.FormatInt(record.State, 10)},
		AttrTTL:        &types.AttributeValueMemberN{Value: strconv.FormatInt(record.TTL, 10)},
	}
	if len(record.UpdatedProperties) > 0 {
		props := make([]types.AttributeValue, len(record.UpdatedProperties))
		for i, p := range record.UpdatedProperties {
			props[i] = &types.AttributeValueMemberS{Value: p}
		}
		item[AttrUpdatedProperties] = &types.AttributeValueMemberL{Value: props}
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(r.tableName),
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
			Item:                item,
		},
	}
}

// BuildBumpItems returns the transaction items that bump the state counter by
// len(changes) and append one change log row per change, with sequential
// modSeq values. The caller composes these into its own transaction so the
// counter bump and every object write commit or roll back together.
func (r *Repository) BuildBumpItems(accountID string, objectType ObjectType, currentState int64, changes []Change) (int64, []types.TransactWriteItem) {
	n := int64(len(changes))
	if n == 0 {
		return currentState, nil
	}

	now := time.Now().UTC()
	ttl := now.Add(time.Duration(r.retentionDays) * 24 * time.Hour).Unix()
	newState := currentState + n

	items := make([]types.TransactWriteItem, 0, n+1)
	items = append(items, r.counterUpdateItem(accountID, objectType, n, now))

	for i, ch := range changes {
		items = append(items, r.changeLogItem(&ChangeRecord{
			AccountID:         accountID,
			ObjectType:        objectType,
			State:             currentState + int64(i) + 1,
			ObjectID:          ch.ObjectID,
			ChangeType:        ch.ChangeType,
			UpdatedProperties: ch.UpdatedProperties,
			Timestamp:         now,
			TTL:               ttl,
		}))
	}

	return newState, items
}

// BumpState increments the counter and logs a single change in its own
// transaction. Callers with other writes should use BuildBumpItems instead.
func (r *Repository) BumpState(ctx context.Context, accountID string, objectType ObjectType, objectID string, changeType ChangeType) (int64, error) {
	currentState, err := r.GetCurrentState(ctx, accountID, objectType)
	if err != nil {
		return 0, err
	}

	newState, items := r.BuildBumpItems(accountID, objectType, currentState, []Change{
		{ObjectID: objectID, ChangeType: changeType},
	})

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	return newState, nil
}

// QueryChanges retrieves raw change log entries with modSeq > sinceState in
// ascending modSeq order. When maxChanges > 0 one extra row is requested so
// the caller can detect truncation.
func (r *Repository) QueryChanges(ctx context.Context, accountID string, objectType ObjectType, sinceState int64, maxChanges int) ([]ChangeRecord, error) {
	pk := dynamo.PrefixAccount + accountID
	skStart := fmt.Sprintf("%s%s#%010d", PrefixChange, objectType, sinceState+1)
	skEnd := fmt.Sprintf("%s%s#%010d", PrefixChange, objectType, MaxStateValue)

	queryInput := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND " + dynamo.AttrSK + " BETWEEN :skStart AND :skEnd"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      &types.AttributeValueMemberS{Value: pk},
			":skStart": &types.AttributeValueMemberS{Value: skStart},
			":skEnd":   &types.AttributeValueMemberS{Value: skEnd},
		},
		ScanIndexForward: aws.Bool(true),
	}

	if maxChanges > 0 {
		queryInput.Limit = aws.Int32(int32(maxChanges + 1))
	}

	output, err := r.client.Query(ctx, queryInput)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}

	changes := make([]ChangeRecord, 0, len(output.Items))
	for _, item := range output.Items {
		record := ChangeRecord{
			AccountID:  accountID,
			ObjectType: objectType,
		}

		if v, ok := item[AttrObjectID].(*types.AttributeValueMemberS); ok {
			record.ObjectID = v.Value
		}
		if v, ok := item[AttrChangeType].(*types.AttributeValueMemberS); ok {
			record.ChangeType = ChangeType(v.Value)
		}
		if v, ok := item[AttrUpdatedProperties].(*types.AttributeValueMemberL); ok {
			for _, p := range v.Value {
				if s, ok := p.(*types.AttributeValueMemberS); ok {
					record.UpdatedProperties = append(record.UpdatedProperties, s.Value)
				}
			}
		}
		if v, ok := item[AttrTimestamp].(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
				record.Timestamp = t
			}
		}
		if v, ok := item[AttrState].(*types.AttributeValueMemberN); ok {
			if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				record.State = n
			}
		}

		changes = append(changes, record)
	}

	return changes, nil
}

// GetOldestAvailableState returns the oldest modSeq still in the change log,
// or 0 when no entries exist (the full history is reconstructible).
func (r *Repository) GetOldestAvailableState(ctx context.Context, accountID string, objectType ObjectType) (int64, error) {
	pk := dynamo.PrefixAccount + accountID
	skPrefix := PrefixChange + string(objectType) + "#"

	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get oldest available state: %w", err)
	}

	if len(output.Items) == 0 {
		return 0, nil
	}

	if v, ok := output.Items[0][AttrState].(*types.AttributeValueMemberN); ok {
		oldest, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse state: %w", err)
		}
		return oldest, nil
	}

	return 0, nil
}
