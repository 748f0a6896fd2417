package canonical

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoClient is a test double for DynamoDB operations.
type mockDynamoClient struct {
	getItemFunc            func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc              func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	putItemFunc            func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFunc         func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc         func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteItemsFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoClient) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoClient) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, input, opts...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc != nil {
		return m.deleteItemFunc(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoClient) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemsFunc != nil {
		return m.transactWriteItemsFunc(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func testMessage() *Message {
	return &Message{
		IngestID:      "abc123",
		RawBlobID:     "rawhash",
		Size:          2048,
		HasAttachment: true,
		Subject:       "Quarterly report",
		From:          []Address{{Name: "Alice", Email: "alice@example.com"}},
		To:            []Address{{Email: "bob@example.com"}},
		SentAt:        time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
		MessageID:     []string{"1@x"},
		Preview:       "Please find attached",
		BodyStructure: BodyPart{
			PartID: "0",
			Type:   "multipart/mixed",
			SubParts: []BodyPart{
				{PartID: "1", Type: "text/plain", Size: 100},
				{PartID: "2", Type: "application/pdf", BlobID: "pdfhash", Size: 1900, Name: "report.pdf"},
			},
		},
		TextBody:    []string{"1"},
		Attachments: []Attachment{{PartID: "2", BlobID: "pdfhash", Type: "application/pdf", Name: "report.pdf", Size: 1900}},
		CreatedAt:   time.Date(2024, 2, 1, 9, 5, 0, 0, time.UTC),
	}
}

func TestMessage_Keys(t *testing.T) {
	msg := &Message{IngestID: "abc123"}
	if got, want := msg.PK(), "MSG#abc123"; got != want {
		t.Errorf("PK() = %q, want %q", got, want)
	}
	if got, want := msg.SK(), "META"; got != want {
		t.Errorf("SK() = %q, want %q", got, want)
	}

	ref := &Reference{IngestID: "abc123", AccountID: "user-1", EmailID: "m1"}
	if got, want := ref.SK(), "REF#ACCOUNT#user-1#EMAIL#m1"; got != want {
		t.Errorf("Reference.SK() = %q, want %q", got, want)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	msg := testMessage()
	got := unmarshalMessage(marshalMessage(msg))

	if got.IngestID != msg.IngestID {
		t.Errorf("IngestID = %q, want %q", got.IngestID, msg.IngestID)
	}
	if got.Subject != msg.Subject {
		t.Errorf("Subject = %q, want %q", got.Subject, msg.Subject)
	}
	if len(got.From) != 1 || got.From[0].Email != "alice@example.com" {
		t.Errorf("From = %+v", got.From)
	}
	if !got.SentAt.Equal(msg.SentAt) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, msg.SentAt)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].BlobID != "pdfhash" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
	if len(got.BodyStructure.SubParts) != 2 {
		t.Errorf("BodyStructure.SubParts = %+v", got.BodyStructure.SubParts)
	}
	if got.BodyStructure.SubParts[1].PartID != "2" {
		t.Errorf("SubParts[1].PartID = %q, want %q", got.BodyStructure.SubParts[1].PartID, "2")
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")
	_, err := repo.GetMessage(context.Background(), "missing")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("GetMessage() error = %v, want ErrMessageNotFound", err)
	}
}

func TestHasReferences(t *testing.T) {
	refRow := func(sk string) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "MSG#abc123"},
			"sk": &types.AttributeValueMemberS{Value: sk},
		}
	}

	tests := []struct {
		name    string
		rows    []map[string]types.AttributeValue
		exclude *Reference
		want    bool
	}{
		{
			"no references",
			nil,
			nil,
			false,
		},
		{
			"one reference, not excluded",
			[]map[string]types.AttributeValue{refRow("REF#ACCOUNT#user-1#EMAIL#m1")},
			nil,
			true,
		},
		{
			"only the excluded reference",
			[]map[string]types.AttributeValue{refRow("REF#ACCOUNT#user-1#EMAIL#m1")},
			&Reference{IngestID: "abc123", AccountID: "user-1", EmailID: "m1"},
			false,
		},
		{
			"excluded plus another account",
			[]map[string]types.AttributeValue{
				refRow("REF#ACCOUNT#user-1#EMAIL#m1"),
				refRow("REF#ACCOUNT#user-2#EMAIL#m9"),
			},
			&Reference{IngestID: "abc123", AccountID: "user-1", EmailID: "m1"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockDynamoClient{
				queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
					pk := input.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS)
					if pk.Value != "MSG#abc123" {
						t.Errorf("unexpected pk: %q", pk.Value)
					}
					return &dynamodb.QueryOutput{Items: tt.rows}, nil
				},
			}

			repo := NewRepository(mock, "test-table")
			got, err := repo.HasReferences(context.Background(), "abc123", tt.exclude)
			if err != nil {
				t.Fatalf("HasReferences() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("HasReferences() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildUpsertItem_Unconditional(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table")

	item := repo.BuildUpsertItem(testMessage())
	if item.Put == nil {
		t.Fatal("BuildUpsertItem() returned item without Put")
	}
	if item.Put.ConditionExpression != nil {
		t.Errorf("ConditionExpression = %q, want none for idempotent upsert", *item.Put.ConditionExpression)
	}
}
