package mailbox

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrMailboxNotFound = errors.New("mailbox not found")
)

// Repository handles mailbox storage in DynamoDB.
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

// GetMailbox retrieves a single mailbox by ID.
func (r *Repository) GetMailbox(ctx context.Context, accountID, mailboxID string) (*Item, error) {
	mb := &Item{AccountID: accountID, MailboxID: mailboxID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
		},
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, ErrMailboxNotFound
	}

	return unmarshalItem(output.Item), nil
}

// GetAllMailboxes retrieves all mailboxes for an account.
func (r *Repository) GetAllMailboxes(ctx context.Context, accountID string) ([]*Item, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixMailbox},
		},
	})
	if err != nil {
		return nil, err
	}

	mailboxes := make([]*Item, len(output.Items))
	for i, item := range output.Items {
		mailboxes[i] = unmarshalItem(item)
	}
	return mailboxes, nil
}

// MailboxExists checks if a mailbox exists.
func (r *Repository) MailboxExists(ctx context.Context, accountID, mailboxID string) (bool, error) {
	mb := &Item{AccountID: accountID, MailboxID: mailboxID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
		},
		ProjectionExpression: aws.String(dynamo.AttrPK),
	})
	if err != nil {
		return false, err
	}

	return output.Item != nil, nil
}

// BuildPutItem returns the transaction item creating a mailbox. The condition
// makes re-creation of an existing id fail the whole transaction.
func (r *Repository) BuildPutItem(mb *Item) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(r.tableName),
			Item:                marshalItem(mb),
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}
}

// BuildUpdateItem returns the transaction item replacing a mailbox's mutable
// fields (name, parentId, role, sortOrder, isSubscribed).
func (r *Repository) BuildUpdateItem(mb *Item) types.TransactWriteItem {
	updateExpr := "SET #name = :name, " + AttrSortOrder + " = :sortOrder, " + AttrIsSubscribed + " = :isSubscribed, " + AttrUpdatedAt + " = :updatedAt"
	exprAttrNames := map[string]string{
		"#name": AttrName,
	}
	exprAttrValues := map[string]types.AttributeValue{
		":name":         &types.AttributeValueMemberS{Value: mb.Name},
		":sortOrder":    &types.AttributeValueMemberN{Value: strconv.Itoa(mb.SortOrder)},
		":isSubscribed": &types.AttributeValueMemberBOOL{Value: mb.IsSubscribed},
		":updatedAt":    &types.AttributeValueMemberS{Value: mb.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	var removeParts []string

	if mb.Role != "" {
		updateExpr += ", #role = :role"
		exprAttrNames["#role"] = AttrRole
		exprAttrValues[":role"] = &types.AttributeValueMemberS{Value: mb.Role}
	} else {
		removeParts = append(removeParts, "#role")
		exprAttrNames["#role"] = AttrRole
	}

	if mb.ParentID != "" {
		updateExpr += ", " + AttrParentID + " = :parentId"
		exprAttrValues[":parentId"] = &types.AttributeValueMemberS{Value: mb.ParentID}
	} else {
		removeParts = append(removeParts, AttrParentID)
	}

	if len(removeParts) > 0 {
		updateExpr += " REMOVE " + removeParts[0]
		for _, p := range removeParts[1:] {
			updateExpr += ", " + p
		}
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
			},
			UpdateExpression:          aws.String(updateExpr),
			ExpressionAttributeNames:  exprAttrNames,
			ExpressionAttributeValues: exprAttrValues,
			ConditionExpression:       aws.String("attribute_exists(pk)"),
		},
	}
}

// BuildDeleteItem returns the transaction item removing a mailbox row.
func (r *Repository) BuildDeleteItem(accountID, mailboxID string) types.TransactWriteItem {
	mb := &Item{AccountID: accountID, MailboxID: mailboxID}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

// BuildIncrementCountsItem returns the transaction item incrementing
// totalEmails and optionally unreadEmails.
func (r *Repository) BuildIncrementCountsItem(accountID, mailboxID string, incrementUnread bool) types.TransactWriteItem {
	return r.buildCountsItem(accountID, mailboxID, "+", incrementUnread)
}

// BuildDecrementCountsItem returns the transaction item decrementing
// totalEmails and optionally unreadEmails.
func (r *Repository) BuildDecrementCountsItem(accountID, mailboxID string, decrementUnread bool) types.TransactWriteItem {
	return r.buildCountsItem(accountID, mailboxID, "-", decrementUnread)
}

// BuildAdjustUnreadItem returns the transaction item shifting unreadEmails
// by delta without touching totalEmails, for $seen transitions on emails
// that stay in the mailbox.
func (r *Repository) BuildAdjustUnreadItem(accountID, mailboxID string, delta int) types.TransactWriteItem {
	mb := &Item{AccountID: accountID, MailboxID: mailboxID}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
			},
			UpdateExpression: aws.String("SET " + AttrUnreadEmails + " = " + AttrUnreadEmails + " + :delta, " +
				AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":delta":     &types.AttributeValueMemberN{Value: strconv.Itoa(delta)},
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

func (r *Repository) buildCountsItem(accountID, mailboxID, op string, includeUnread bool) types.TransactWriteItem {
	mb := &Item{AccountID: accountID, MailboxID: mailboxID}

	updateExpr := "SET " + AttrTotalEmails + " = " + AttrTotalEmails + " " + op + " :one, " + AttrUpdatedAt + " = :updatedAt"
	if includeUnread {
		updateExpr = "SET " + AttrTotalEmails + " = " + AttrTotalEmails + " " + op + " :one, " +
			AttrUnreadEmails + " = " + AttrUnreadEmails + " " + op + " :one, " + AttrUpdatedAt + " = :updatedAt"
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: mb.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: mb.SK()},
			},
			UpdateExpression: aws.String(updateExpr),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":       &types.AttributeValueMemberN{Value: "1"},
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

// marshalItem converts an Item to DynamoDB attribute values.
func marshalItem(mb *Item) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:    &types.AttributeValueMemberS{Value: mb.PK()},
		dynamo.AttrSK:    &types.AttributeValueMemberS{Value: mb.SK()},
		AttrMailboxID:    &types.AttributeValueMemberS{Value: mb.MailboxID},
		AttrAccountID:    &types.AttributeValueMemberS{Value: mb.AccountID},
		AttrName:         &types.AttributeValueMemberS{Value: mb.Name},
		AttrSortOrder:    &types.AttributeValueMemberN{Value: strconv.Itoa(mb.SortOrder)},
		AttrTotalEmails:  &types.AttributeValueMemberN{Value: strconv.Itoa(mb.TotalEmails)},
		AttrUnreadEmails: &types.AttributeValueMemberN{Value: strconv.Itoa(mb.UnreadEmails)},
		AttrIsSubscribed: &types.AttributeValueMemberBOOL{Value: mb.IsSubscribed},
		AttrCreatedAt:    &types.AttributeValueMemberS{Value: mb.CreatedAt.UTC().Format(time.RFC3339)},
		AttrUpdatedAt:    &types.AttributeValueMemberS{Value: mb.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if mb.Role != "" {
		item[AttrRole] = &types.AttributeValueMemberS{Value: mb.Role}
	}
	if mb.ParentID != "" {
		item[AttrParentID] = &types.AttributeValueMemberS{Value: mb.ParentID}
	}

	return item
}

// unmarshalItem converts DynamoDB attribute values to an Item.
func unmarshalItem(item map[string]types.AttributeValue) *Item {
	mb := &Item{}

	if v, ok := item[AttrMailboxID].(*types.AttributeValueMemberS); ok {
		mb.MailboxID = v.Value
	}
	if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		mb.AccountID = v.Value
	}
	if v, ok := item[AttrName].(*types.AttributeValueMemberS); ok {
		mb.Name = v.Value
	}
	if v, ok := item[AttrParentID].(*types.AttributeValueMemberS); ok {
		mb.ParentID = v.Value
	}
	if v, ok := item[AttrRole].(*types.AttributeValueMemberS); ok {
		mb.Role = v.Value
	}
	if v, ok := item[AttrSortOrder].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			mb.SortOrder = n
		}
	}
	if v, ok := item[AttrTotalEmails].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			mb.TotalEmails = n
		}
	}
	if v, ok := item[AttrUnreadEmails].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			mb.UnreadEmails = n
		}
	}
	if v, ok := item[AttrIsSubscribed].(*types.AttributeValueMemberBOOL); ok {
		mb.IsSubscribed = v.Value
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			mb.CreatedAt = t
		}
	}
	if v, ok := item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			mb.UpdatedAt = t
		}
	}

	return mb
}
