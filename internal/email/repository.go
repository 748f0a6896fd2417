package email

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
	ErrEmailNotFound   = errors.New("email not found")
	ErrVersionConflict = errors.New("email modified concurrently")
)

// Repository handles per-account email storage operations.
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

// GetEmail retrieves an email by account ID and email ID. Soft-deleted
// emails are returned; callers decide whether deletion matters.
func (r *Repository) GetEmail(ctx context.Context, accountID, emailID string) (*Item, error) {
	e := &Item{AccountID: accountID, EmailID: emailID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: e.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: e.SK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	if output.Item == nil {
		return nil, ErrEmailNotFound
	}

	return unmarshalItem(output.Item), nil
}

// FindByThreadID returns the live emails in a thread, oldest first.
func (r *Repository) FindByThreadID(ctx context.Context, accountID, threadID string) ([]*Item, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexLSI2),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrLSI2SK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixThread + threadID + "#"},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}

	emails := make([]*Item, 0, len(output.Items))
	for _, item := range output.Items {
		e := unmarshalItem(item)
		if e.IsDeleted {
			continue
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// HasOtherLiveInThread reports whether the thread contains any live email
// other than the one being excluded.
func (r *Repository) HasOtherLiveInThread(ctx context.Context, accountID, threadID, excludeEmailID string) (bool, error) {
	emails, err := r.FindByThreadID(ctx, accountID, threadID)
	if err != nil {
		return false, err
	}
	for _, e := range emails {
		if e.EmailID != excludeEmailID {
			return true, nil
		}
	}
	return false, nil
}

// MailboxHasEmails reports whether any membership row exists for the mailbox.
func (r *Repository) MailboxHasEmails(ctx context.Context, accountID, mailboxID string) (bool, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: membershipPrefix(mailboxID)},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to query memberships: %w", err)
	}
	return len(output.Items) > 0, nil
}

// ListMemberships returns all membership rows for a mailbox, for destroy
// cascades.
func (r *Repository) ListMemberships(ctx context.Context, accountID, mailboxID string) ([]*MembershipItem, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: membershipPrefix(mailboxID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}

	memberships := make([]*MembershipItem, 0, len(output.Items))
	for _, item := range output.Items {
		m := &MembershipItem{AccountID: accountID, MailboxID: mailboxID}
		if v, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
			m.EmailID = v.Value
		}
		if v, ok := item[AttrReceivedAt].(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
				m.ReceivedAt = t
			}
		}
		memberships = append(memberships, m)
	}
	return memberships, nil
}

// GetCustomKeywords returns the normalized custom keywords stored for an
// email.
func (r *Repository) GetCustomKeywords(ctx context.Context, accountID, emailID string) ([]string, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: fmt.Sprintf("%sEMAIL#%s#", PrefixKeyword, emailID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}

	keywords := make([]string, 0, len(output.Items))
	for _, item := range output.Items {
		if v, ok := item[AttrKeyword].(*types.AttributeValueMemberS); ok {
			keywords = append(keywords, v.Value)
		}
	}
	return keywords, nil
}

// BuildPutEmailItem returns the transaction item creating an email row.
func (r *Repository) BuildPutEmailItem(e *Item) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(r.tableName),
			Item:                marshalItem(e),
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}
}

// BuildUpdateMailboxesItem returns the transaction item replacing the
// mailboxIds map. The version condition fails the whole transaction if the
// email changed since it was read; callers retry from a fresh read.
func (r *Repository) BuildUpdateMailboxesItem(e *Item, expectedVersion int64) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("SET " + AttrMailboxIDs + " = :mailboxIds, " +
				AttrVersion + " = :newVersion, " + AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":mailboxIds":      marshalBoolMap(e.MailboxIDs),
				":newVersion":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
				":updatedAt":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
				":expectedVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
			ConditionExpression: aws.String(AttrVersion + " = :expectedVersion"),
		},
	}
}

// BuildUpdateFlagsItem returns the transaction item replacing the four
// well-known flags, also guarded by the version counter.
func (r *Repository) BuildUpdateFlagsItem(e *Item, expectedVersion int64) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("SET " + AttrSeen + " = :seen, " + AttrFlagged + " = :flagged, " +
				AttrAnswered + " = :answered, " + AttrDraft + " = :draft, " +
				AttrVersion + " = :newVersion, " + AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":seen":            &types.AttributeValueMemberBOOL{Value: e.Flags.Seen},
				":flagged":         &types.AttributeValueMemberBOOL{Value: e.Flags.Flagged},
				":answered":        &types.AttributeValueMemberBOOL{Value: e.Flags.Answered},
				":draft":           &types.AttributeValueMemberBOOL{Value: e.Flags.Draft},
				":newVersion":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
				":updatedAt":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
				":expectedVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
			ConditionExpression: aws.String(AttrVersion + " = :expectedVersion"),
		},
	}
}

// BuildUpdateMailboxesAndFlagsItem returns the transaction item replacing
// both the mailboxIds map and the flags in one update, since a transaction
// cannot touch the same item twice.
func (r *Repository) BuildUpdateMailboxesAndFlagsItem(e *Item, expectedVersion int64) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("SET " + AttrMailboxIDs + " = :mailboxIds, " +
				AttrSeen + " = :seen, " + AttrFlagged + " = :flagged, " +
				AttrAnswered + " = :answered, " + AttrDraft + " = :draft, " +
				AttrVersion + " = :newVersion, " + AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":mailboxIds":      marshalBoolMap(e.MailboxIDs),
				":seen":            &types.AttributeValueMemberBOOL{Value: e.Flags.Seen},
				":flagged":         &types.AttributeValueMemberBOOL{Value: e.Flags.Flagged},
				":answered":        &types.AttributeValueMemberBOOL{Value: e.Flags.Answered},
				":draft":           &types.AttributeValueMemberBOOL{Value: e.Flags.Draft},
				":newVersion":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
				":updatedAt":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
				":expectedVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
			ConditionExpression: aws.String(AttrVersion + " = :expectedVersion"),
		},
	}
}

// BuildSoftDeleteItem returns the transaction item marking the email
// deleted and clearing its mailbox map.
func (r *Repository) BuildSoftDeleteItem(e *Item, expectedVersion int64) types.TransactWriteItem {
	now := time.Now().UTC().Format(time.RFC3339)
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("SET " + AttrIsDeleted + " = :deleted, " + AttrDeletedAt + " = :deletedAt, " +
				AttrMailboxIDs + " = :empty, " + AttrVersion + " = :newVersion, " + AttrUpdatedAt + " = :updatedAt"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":deleted":         &types.AttributeValueMemberBOOL{Value: true},
				":deletedAt":       &types.AttributeValueMemberS{Value: now},
				":empty":           &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
				":newVersion":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
				":updatedAt":       &types.AttributeValueMemberS{Value: now},
				":expectedVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
			ConditionExpression: aws.String(AttrVersion + " = :expectedVersion"),
		},
	}
}

// BuildHardDeleteItem returns the transaction item removing the email row
// entirely. Used by cleanup after the canonical message is unreferenced.
func (r *Repository) BuildHardDeleteItem(accountID, emailID string) types.TransactWriteItem {
	e := &Item{AccountID: accountID, EmailID: emailID}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
		},
	}
}

// BuildTouchItem returns the transaction item bumping updatedAt and the
// version counter, for emails displaced by a mailbox destroy.
func (r *Repository) BuildTouchItem(accountID, emailID string) types.TransactWriteItem {
	e := &Item{AccountID: accountID, EmailID: emailID}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("SET " + AttrUpdatedAt + " = :updatedAt ADD " +
				AttrVersion + " :one"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
				":one":       &types.AttributeValueMemberN{Value: "1"},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

// BuildRemoveMailboxItem returns the transaction item deleting one mailbox
// id from the email's membership map, for mailbox destroy cascades.
func (r *Repository) BuildRemoveMailboxItem(accountID, emailID, mailboxID string) types.TransactWriteItem {
	e := &Item{AccountID: accountID, EmailID: emailID}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(r.tableName),
			Key:       itemKey(e),
			UpdateExpression: aws.String("REMOVE " + AttrMailboxIDs + ".#mbox SET " +
				AttrUpdatedAt + " = :updatedAt ADD " + AttrVersion + " :one"),
			ExpressionAttributeNames: map[string]string{
				"#mbox": mailboxID,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
				":one":       &types.AttributeValueMemberN{Value: "1"},
			},
			ConditionExpression: aws.String("attribute_exists(pk)"),
		},
	}
}

// BuildPutMembershipItem returns the transaction item adding a membership
// row.
func (r *Repository) BuildPutMembershipItem(m *MembershipItem) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				dynamo.AttrPK:  &types.AttributeValueMemberS{Value: m.PK()},
				dynamo.AttrSK:  &types.AttributeValueMemberS{Value: m.SK()},
				AttrEmailID:    &types.AttributeValueMemberS{Value: m.EmailID},
				AttrReceivedAt: &types.AttributeValueMemberS{Value: m.ReceivedAt.UTC().Format(time.RFC3339)},
			},
		},
	}
}

// BuildDeleteMembershipItem returns the transaction item removing a
// membership row.
func (r *Repository) BuildDeleteMembershipItem(m *MembershipItem) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: m.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: m.SK()},
			},
		},
	}
}

// BuildPutKeywordItem returns the transaction item adding a custom keyword
// row.
func (r *Repository) BuildPutKeywordItem(k *KeywordItem) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: k.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: k.SK()},
				AttrEmailID:   &types.AttributeValueMemberS{Value: k.EmailID},
				AttrKeyword:   &types.AttributeValueMemberS{Value: k.Keyword},
			},
		},
	}
}

// BuildDeleteKeywordItem returns the transaction item removing a custom
// keyword row.
func (r *Repository) BuildDeleteKeywordItem(k *KeywordItem) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: k.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: k.SK()},
			},
		},
	}
}

func membershipPrefix(mailboxID string) string {
	return fmt.Sprintf("%s%s#EMAIL#", PrefixMbox, mailboxID)
}

func itemKey(e *Item) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: e.PK()},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: e.SK()},
	}
}

func marshalBoolMap(m map[string]bool) types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		out[k] = &types.AttributeValueMemberBOOL{Value: v}
	}
	return &types.AttributeValueMemberM{Value: out}
}

func marshalItem(e *Item) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:     &types.AttributeValueMemberS{Value: e.PK()},
		dynamo.AttrSK:     &types.AttributeValueMemberS{Value: e.SK()},
		dynamo.AttrLSI1SK: &types.AttributeValueMemberS{Value: e.LSI1SK()},
		dynamo.AttrLSI2SK: &types.AttributeValueMemberS{Value: e.LSI2SK()},
		AttrEmailID:       &types.AttributeValueMemberS{Value: e.EmailID},
		AttrAccountID:     &types.AttributeValueMemberS{Value: e.AccountID},
		AttrIngestID:      &types.AttributeValueMemberS{Value: e.IngestID},
		AttrBlobID:        &types.AttributeValueMemberS{Value: e.BlobID},
		AttrThreadID:      &types.AttributeValueMemberS{Value: e.ThreadID},
		AttrMailboxIDs:    marshalBoolMap(e.MailboxIDs),
		AttrSeen:          &types.AttributeValueMemberBOOL{Value: e.Flags.Seen},
		AttrFlagged:       &types.AttributeValueMemberBOOL{Value: e.Flags.Flagged},
		AttrAnswered:      &types.AttributeValueMemberBOOL{Value: e.Flags.Answered},
		AttrDraft:         &types.AttributeValueMemberBOOL{Value: e.Flags.Draft},
		AttrReceivedAt:    &types.AttributeValueMemberS{Value: e.ReceivedAt.UTC().Format(time.RFC3339)},
		AttrSize:          &types.AttributeValueMemberN{Value: strconv.FormatInt(e.Size, 10)},
		AttrSubject:       &types.AttributeValueMemberS{Value: e.Subject},
		AttrPreview:       &types.AttributeValueMemberS{Value: e.Preview},
		AttrHasAttach:     &types.AttributeValueMemberBOOL{Value: e.HasAttachment},
		AttrVersion:       &types.AttributeValueMemberN{Value: strconv.FormatInt(e.Version, 10)},
		AttrIsDeleted:     &types.AttributeValueMemberBOOL{Value: e.IsDeleted},
		AttrCreatedAt:     &types.AttributeValueMemberS{Value: e.CreatedAt.UTC().Format(time.RFC3339)},
		AttrUpdatedAt:     &types.AttributeValueMemberS{Value: e.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if !e.DeletedAt.IsZero() {
		item[AttrDeletedAt] = &types.AttributeValueMemberS{Value: e.DeletedAt.UTC().Format(time.RFC3339)}
	}

	return item
}

func unmarshalItem(item map[string]types.AttributeValue) *Item {
	e := &Item{MailboxIDs: make(map[string]bool)}

	if v, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
		e.EmailID = v.Value
	}
	if v, ok := item[AttrAccountID].(*types.AttributeValueMemberS); ok {
		e.AccountID = v.Value
	}
	if v, ok := item[AttrIngestID].(*types.AttributeValueMemberS); ok {
		e.IngestID = v.Value
	}
	if v, ok := item[AttrBlobID].(*types.AttributeValueMemberS); ok {
		e.BlobID = v.Value
	}
	if v, ok := item[AttrThreadID].(*types.AttributeValueMemberS); ok {
		e.ThreadID = v.Value
	}
	if v, ok := item[AttrMailboxIDs].(*types.AttributeValueMemberM); ok {
		for k, val := range v.Value {
			if b, ok := val.(*types.AttributeValueMemberBOOL); ok {
				e.MailboxIDs[k] = b.Value
			}
		}
	}
	if v, ok := item[AttrSeen].(*types.AttributeValueMemberBOOL); ok {
		e.Flags.Seen = v.Value
	}
	if v, ok := item[AttrFlagged].(*types.AttributeValueMemberBOOL); ok {
		e.Flags.Flagged = v.Value
	}
	if v, ok := item[AttrAnswered].(*types.AttributeValueMemberBOOL); ok {
		e.Flags.Answered = v.Value
	}
	if v, ok := item[AttrDraft].(*types.AttributeValueMemberBOOL); ok {
		e.Flags.Draft = v.Value
	}
	if v, ok := item[AttrReceivedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			e.ReceivedAt = t
		}
	}
	if v, ok := item[AttrSize].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			e.Size = n
		}
	}
	if v, ok := item[AttrSubject].(*types.AttributeValueMemberS); ok {
		e.Subject = v.Value
	}
	if v, ok := item[AttrPreview].(*types.AttributeValueMemberS); ok {
		e.Preview = v.Value
	}
	if v, ok := item[AttrHasAttach].(*types.AttributeValueMemberBOOL); ok {
		e.HasAttachment = v.Value
	}
	if v, ok := item[AttrVersion].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			e.Version = n
		}
	}
	if v, ok := item[AttrIsDeleted].(*types.AttributeValueMemberBOOL); ok {
		e.IsDeleted = v.Value
	}
	if v, ok := item[AttrDeletedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			e.DeletedAt = t
		}
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			e.CreatedAt = t
		}
	}
	if v, ok := item[AttrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			e.UpdatedAt = t
		}
	}

	return e
}
