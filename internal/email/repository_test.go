package email

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoClient implements dynamo.Client with overridable functions.
type mockDynamoClient struct {
	getItemFunc    func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc      func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	putItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc func(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactFunc   func(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, params, optFns...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc != nil {
		return m.deleteItemFunc(ctx, params, optFns...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactFunc != nil {
		return m.transactFunc(ctx, params, optFns...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func liveItem() *Item {
	return &Item{
		AccountID:     "user-123",
		EmailID:       "email-456",
		IngestID:      "ing-789",
		BlobID:        "blob-abc",
		ThreadID:      "thread-1",
		MailboxIDs:    map[string]bool{"inbox": true},
		Flags:         Flags{Seen: true},
		ReceivedAt:    time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC),
		Size:          2048,
		Subject:       "Hello",
		Preview:       "Hello there",
		HasAttachment: true,
		Version:       3,
		CreatedAt:     time.Date(2024, 1, 20, 10, 0, 1, 0, time.UTC),
		UpdatedAt:     time.Date(2024, 1, 21, 8, 0, 0, 0, time.UTC),
	}
}

func TestGetEmail(t *testing.T) {
	client := &mockDynamoClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			pk := params.Key["pk"].(*types.AttributeValueMemberS).Value
			sk := params.Key["sk"].(*types.AttributeValueMemberS).Value
			if pk != "ACCOUNT#user-123" || sk != "EMAIL#email-456" {
				t.Errorf("key = %s/%s", pk, sk)
			}
			return &dynamodb.GetItemOutput{Item: marshalItem(liveItem())}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	got, err := repo.GetEmail(context.Background(), "user-123", "email-456")
	if err != nil {
		t.Fatalf("GetEmail() error = %v", err)
	}
	if got.EmailID != "email-456" || got.IngestID != "ing-789" || got.ThreadID != "thread-1" {
		t.Errorf("got = %+v", got)
	}
	if !got.MailboxIDs["inbox"] {
		t.Error("mailboxIds missing inbox membership")
	}
	if !got.Flags.Seen || got.Flags.Draft {
		t.Errorf("flags = %+v", got.Flags)
	}
}

func TestGetEmailNotFound(t *testing.T) {
	client := &mockDynamoClient{
		getItemFunc: func(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: nil}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	_, err := repo.GetEmail(context.Background(), "user-123", "missing")
	if !errors.Is(err, ErrEmailNotFound) {
		t.Errorf("GetEmail() error = %v, want ErrEmailNotFound", err)
	}
}

func TestFindByThreadIDSkipsDeleted(t *testing.T) {
	deleted := liveItem()
	deleted.EmailID = "email-dead"
	deleted.IsDeleted = true

	client := &mockDynamoClient{
		queryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			if *params.IndexName != "lsi2" {
				t.Errorf("IndexName = %q, want lsi2", *params.IndexName)
			}
			prefix := params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
			if prefix != "THREAD#thread-1#" {
				t.Errorf("prefix = %q", prefix)
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				marshalItem(liveItem()),
				marshalItem(deleted),
			}}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	emails, err := repo.FindByThreadID(context.Background(), "user-123", "thread-1")
	if err != nil {
		t.Fatalf("FindByThreadID() error = %v", err)
	}
	if len(emails) != 1 || emails[0].EmailID != "email-456" {
		t.Errorf("emails = %+v, want only the live one", emails)
	}
}

func TestHasOtherLiveInThread(t *testing.T) {
	client := &mockDynamoClient{
		queryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				marshalItem(liveItem()),
			}}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	other, err := repo.HasOtherLiveInThread(context.Background(), "user-123", "thread-1", "email-456")
	if err != nil {
		t.Fatalf("HasOtherLiveInThread() error = %v", err)
	}
	if other {
		t.Error("the only live email is the excluded one; want false")
	}

	other, err = repo.HasOtherLiveInThread(context.Background(), "user-123", "thread-1", "email-999")
	if err != nil {
		t.Fatalf("HasOtherLiveInThread() error = %v", err)
	}
	if !other {
		t.Error("a different live email exists; want true")
	}
}

func TestListMemberships(t *testing.T) {
	client := &mockDynamoClient{
		queryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			prefix := params.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
			if prefix != "MBOX#inbox#EMAIL#" {
				t.Errorf("prefix = %q", prefix)
			}
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				{
					AttrEmailID:    &types.AttributeValueMemberS{Value: "email-1"},
					AttrReceivedAt: &types.AttributeValueMemberS{Value: "2024-01-20T10:00:00Z"},
				},
			}}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	memberships, err := repo.ListMemberships(context.Background(), "user-123", "inbox")
	if err != nil {
		t.Fatalf("ListMemberships() error = %v", err)
	}
	if len(memberships) != 1 || memberships[0].EmailID != "email-1" {
		t.Fatalf("memberships = %+v", memberships)
	}
	if memberships[0].ReceivedAt.IsZero() {
		t.Error("receivedAt not parsed")
	}
}

func TestGetCustomKeywords(t *testing.T) {
	client := &mockDynamoClient{
		queryFunc: func(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				{AttrKeyword: &types.AttributeValueMemberS{Value: "$phishing"}},
				{AttrKeyword: &types.AttributeValueMemberS{Value: "receipts"}},
			}}, nil
		},
	}
	repo := NewRepository(client, "test-table")

	keywords, err := repo.GetCustomKeywords(context.Background(), "user-123", "email-456")
	if err != nil {
		t.Fatalf("GetCustomKeywords() error = %v", err)
	}
	if len(keywords) != 2 || keywords[0] != "$phishing" {
		t.Errorf("keywords = %v", keywords)
	}
}

func TestBuildPutEmailItemConditionsOnNewRow(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")
	item := repo.BuildPutEmailItem(liveItem())

	if item.Put == nil {
		t.Fatal("want Put item")
	}
	if *item.Put.ConditionExpression != "attribute_not_exists(pk)" {
		t.Errorf("condition = %q", *item.Put.ConditionExpression)
	}
	if _, ok := item.Put.Item["lsi1sk"]; !ok {
		t.Error("marshal missing lsi1sk")
	}
	if _, ok := item.Put.Item["lsi2sk"]; !ok {
		t.Error("marshal missing lsi2sk")
	}
}

func TestBuildUpdateMailboxesItemGuardsVersion(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")
	e := liveItem()
	e.MailboxIDs = map[string]bool{"archive": true}

	item := repo.BuildUpdateMailboxesItem(e, 3)
	if item.Update == nil {
		t.Fatal("want Update item")
	}
	if !strings.Contains(*item.Update.ConditionExpression, "version = :expectedVersion") {
		t.Errorf("condition = %q", *item.Update.ConditionExpression)
	}
	expected := item.Update.ExpressionAttributeValues[":expectedVersion"].(*types.AttributeValueMemberN).Value
	newVersion := item.Update.ExpressionAttributeValues[":newVersion"].(*types.AttributeValueMemberN).Value
	if expected != "3" || newVersion != "4" {
		t.Errorf("expectedVersion = %s, newVersion = %s", expected, newVersion)
	}
}

func TestBuildSoftDeleteItemClearsMailboxes(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")
	item := repo.BuildSoftDeleteItem(liveItem(), 3)

	if item.Update == nil {
		t.Fatal("want Update item")
	}
	expr := *item.Update.UpdateExpression
	if !strings.Contains(expr, AttrIsDeleted) || !strings.Contains(expr, AttrDeletedAt) {
		t.Errorf("update expression = %q", expr)
	}
	empty := item.Update.ExpressionAttributeValues[":empty"].(*types.AttributeValueMemberM)
	if len(empty.Value) != 0 {
		t.Error("soft delete must clear the mailbox map")
	}
}

func TestBuildRemoveMailboxItemUsesNamePlaceholder(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")
	item := repo.BuildRemoveMailboxItem("user-123", "email-456", "inbox")

	if item.Update.ExpressionAttributeNames["#mbox"] != "inbox" {
		t.Errorf("names = %v", item.Update.ExpressionAttributeNames)
	}
	if !strings.Contains(*item.Update.UpdateExpression, "REMOVE "+AttrMailboxIDs+".#mbox") {
		t.Errorf("update expression = %q", *item.Update.UpdateExpression)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	original := liveItem()
	original.IsDeleted = true
	original.DeletedAt = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	got := unmarshalItem(marshalItem(original))

	if got.EmailID != original.EmailID || got.AccountID != original.AccountID {
		t.Errorf("ids = %s/%s", got.AccountID, got.EmailID)
	}
	if got.IngestID != original.IngestID || got.BlobID != original.BlobID {
		t.Errorf("content refs = %s/%s", got.IngestID, got.BlobID)
	}
	if !got.ReceivedAt.Equal(original.ReceivedAt) {
		t.Errorf("receivedAt = %v", got.ReceivedAt)
	}
	if got.Size != original.Size || got.Version != original.Version {
		t.Errorf("size/version = %d/%d", got.Size, got.Version)
	}
	if !got.IsDeleted || !got.DeletedAt.Equal(original.DeletedAt) {
		t.Errorf("deletion state = %v/%v", got.IsDeleted, got.DeletedAt)
	}
	if got.Subject != original.Subject || got.Preview != original.Preview || !got.HasAttachment {
		t.Errorf("denormalized fields = %q/%q/%v", got.Subject, got.Preview, got.HasAttachment)
	}
}

func TestMarshalOmitsZeroDeletedAt(t *testing.T) {
	item := marshalItem(liveItem())
	if _, ok := item[AttrDeletedAt]; ok {
		t.Error("live emails must not carry deletedAt")
	}
}
