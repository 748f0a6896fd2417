package submission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDBClient is a test double for DynamoDB operations.
type mockDynamoDBClient struct {
	getItemFunc            func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc              func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	putItemFunc            func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFunc         func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc         func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteItemsFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoDBClient) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, input, opts...)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc != nil {
		return m.deleteItemFunc(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDBClient) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemsFunc != nil {
		return m.transactWriteItemsFunc(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func testSubmission(now time.Time) *Item {
	return &Item{
		AccountID:    "user-123",
		SubmissionID: "sub-1",
		EmailID:      "email-1",
		IdentityID:   "identity-1",
		BlobID:       "blob-1",
		Envelope: Envelope{
			MailFrom: "alice@example.com",
			RcptTo:   []string{"bob@example.org"},
		},
		DeliveryStatus: map[string]DeliveryStatus{},
		Status:         StatusPending,
		NextAttemptAt:  now,
		SendAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestItemKeys(t *testing.T) {
	s := &Item{AccountID: "user-123", SubmissionID: "sub-1"}

	if s.PK() != "ACCOUNT#user-123" {
		t.Errorf("PK() = %q, want ACCOUNT#user-123", s.PK())
	}
	if s.SK() != "SUBMIT#sub-1" {
		t.Errorf("SK() = %q, want SUBMIT#sub-1", s.SK())
	}
}

func TestQueuePointerSK(t *testing.T) {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	p := &QueuePointer{
		AccountID:     "user-123",
		SubmissionID:  "sub-1",
		NextAttemptAt: due,
		CreatedAt:     created,
	}

	if p.PK() != "SUBQUEUE" {
		t.Errorf("PK() = %q, want SUBQUEUE", p.PK())
	}
	want := "DUE#2026-03-01T12:00:00Z#2026-03-01T11:00:00Z#ACCOUNT#user-123#sub-1"
	if p.SK() != want {
		t.Errorf("SK() = %q, want %q", p.SK(), want)
	}
}

func TestQueuePointerOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := &QueuePointer{AccountID: "a", SubmissionID: "s1", NextAttemptAt: base, CreatedAt: base}
	later := &QueuePointer{AccountID: "a", SubmissionID: "s2", NextAttemptAt: base.Add(time.Minute), CreatedAt: base}

	if earlier.SK() >= later.SK() {
		t.Errorf("earlier due time should sort first: %q vs %q", earlier.SK(), later.SK())
	}

	sameDueOlder := &QueuePointer{AccountID: "a", SubmissionID: "s3", NextAttemptAt: base, CreatedAt: base.Add(-time.Hour)}
	if sameDueOlder.SK() >= earlier.SK() {
		t.Errorf("older creation should sort first within a due time: %q vs %q", sameDueOlder.SK(), earlier.SK())
	}
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		failedAttempts int
		wantDelay      time.Duration
		wantOK         bool
	}{
		{0, 0, false},
		{1, 60 * time.Second, true},
		{2, 5 * time.Minute, true},
		{3, 15 * time.Minute, true},
		{4, time.Hour, true},
		{5, 6 * time.Hour, true},
		{6, 0, false},
		{100, 0, false},
	}

	for _, tt := range tests {
		next, ok := NextAttempt(now, tt.failedAttempts)
		if ok != tt.wantOK {
			t.Errorf("NextAttempt(%d failures) ok = %v, want %v", tt.failedAttempts, ok, tt.wantOK)
			continue
		}
		if ok && !next.Equal(now.Add(tt.wantDelay)) {
			t.Errorf("NextAttempt(%d failures) = %v, want %v", tt.failedAttempts, next, now.Add(tt.wantDelay))
		}
	}
}

func TestEnvelopeValid(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"normal", Envelope{MailFrom: "a@b.com", RcptTo: []string{"c@d.com"}}, true},
		{"no sender", Envelope{RcptTo: []string{"c@d.com"}}, false},
		{"no recipients", Envelope{MailFrom: "a@b.com"}, false},
		{"empty recipient", Envelope{MailFrom: "a@b.com", RcptTo: []string{""}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSubmissionNotFound(t *testing.T) {
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: nil}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	_, err := repo.GetSubmission(context.Background(), "user-123", "missing")
	if !errors.Is(err, ErrSubmissionNotFound) {
		t.Errorf("expected ErrSubmissionNotFound, got %v", err)
	}
}

func TestGetSubmissionRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := testSubmission(now)
	stored.RetryCount = 2
	stored.DeliveryStatus["bob@example.org"] = DeliveryStatus{
		SMTPReply: "451 4.0.0 transient failure",
		Delivered: DeliveredQueued,
		Displayed: DeliveredUnknown,
	}

	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: marshalItem(stored)}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	got, err := repo.GetSubmission(context.Background(), "user-123", "sub-1")
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}

	if got.SubmissionID != "sub-1" || got.EmailID != "email-1" || got.BlobID != "blob-1" {
		t.Errorf("unexpected identifiers: %+v", got)
	}
	if got.Envelope.MailFrom != "alice@example.com" || len(got.Envelope.RcptTo) != 1 {
		t.Errorf("envelope did not survive storage: %+v", got.Envelope)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	ds, ok := got.DeliveryStatus["bob@example.org"]
	if !ok || ds.Delivered != DeliveredQueued {
		t.Errorf("delivery status did not survive storage: %+v", got.DeliveryStatus)
	}
	if !got.NextAttemptAt.Equal(now) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, now)
	}
}

func TestClaimSendingLost(t *testing.T) {
	mock := &mockDynamoDBClient{
		updateItemFunc: func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			return nil, &types.ConditionalCheckFailedException{}
		},
	}
	repo := NewRepository(mock, "test-table")

	err := repo.ClaimSending(context.Background(), "user-123", "sub-1", time.Now())
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost, got %v", err)
	}
}

func TestClaimSendingCondition(t *testing.T) {
	var captured *dynamodb.UpdateItemInput
	mock := &mockDynamoDBClient{
		updateItemFunc: func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
			captured = input
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.ClaimSending(context.Background(), "user-123", "sub-1", now); err != nil {
		t.Fatalf("ClaimSending failed: %v", err)
	}

	cond := *captured.ConditionExpression
	if !strings.Contains(cond, ":pending") || !strings.Contains(cond, "nextAttemptAt <= :now") {
		t.Errorf("claim must require pending status and a due attempt time, got %q", cond)
	}
}

func TestCancelRemovesQueuePointer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := testSubmission(now)

	var captured *dynamodb.TransactWriteItemsInput
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: marshalItem(stored)}, nil
		},
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			captured = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	if err := repo.Cancel(context.Background(), "user-123", "sub-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if captured == nil || len(captured.TransactItems) != 2 {
		t.Fatalf("expected one transaction with status update + pointer delete, got %+v", captured)
	}
	update := captured.TransactItems[0].Update
	if update == nil || !strings.Contains(*update.ConditionExpression, ":pending") {
		t.Errorf("cancel must require pending status, got %+v", captured.TransactItems[0])
	}
	val := update.ExpressionAttributeValues[":canceled"].(*types.AttributeValueMemberS).Value
	if val != "canceled" {
		t.Errorf("cancel target status = %q, want canceled", val)
	}
	del := captured.TransactItems[1].Delete
	if del == nil {
		t.Fatal("cancel must delete the queue pointer in the same transaction")
	}
	sk := del.Key["sk"].(*types.AttributeValueMemberS).Value
	want := "DUE#2026-03-01T12:00:00Z#2026-03-01T12:00:00Z#ACCOUNT#user-123#sub-1"
	if sk != want {
		t.Errorf("pointer sk = %q, want %q", sk, want)
	}
}

func TestCancelNotPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := testSubmission(now)
	stored.Status = StatusSent

	transacted := false
	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: marshalItem(stored)}, nil
		},
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			transacted = true
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	err := repo.Cancel(context.Background(), "user-123", "sub-1")
	if !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost, got %v", err)
	}
	if transacted {
		t.Error("a non-pending submission must not be written")
	}
}

func TestCancelRace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := testSubmission(now)

	mock := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: marshalItem(stored)}, nil
		},
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			// The sweep claimed the submission between the read and the write.
			return nil, &types.TransactionCanceledException{}
		},
	}
	repo := NewRepository(mock, "test-table")

	if err := repo.Cancel(context.Background(), "user-123", "sub-1"); !errors.Is(err, ErrClaimLost) {
		t.Errorf("expected ErrClaimLost on a lost race, got %v", err)
	}
}

func TestListDueBounds(t *testing.T) {
	var captured *dynamodb.QueryInput
	mock := &mockDynamoDBClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = input
			return &dynamodb.QueryOutput{}, nil
		},
	}
	repo := NewRepository(mock, "test-table")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := repo.ListDue(context.Background(), now, 25); err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}

	pk := captured.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	if pk != "SUBQUEUE" {
		t.Errorf("queue partition = %q, want SUBQUEUE", pk)
	}
	end := captured.ExpressionAttributeValues[":skEnd"].(*types.AttributeValueMemberS).Value
	if !strings.HasPrefix(end, "DUE#2026-03-01T12:00:00Z") {
		t.Errorf("upper bound should stop at now, got %q", end)
	}
	if *captured.Limit != 25 {
		t.Errorf("Limit = %d, want 25", *captured.Limit)
	}
}

func TestBuildCreateItems(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(&mockDynamoDBClient{}, "test-table")

	items := repo.BuildCreateItems(testSubmission(now))
	if len(items) != 2 {
		t.Fatalf("expected 2 transaction items, got %d", len(items))
	}

	if items[0].Put == nil || *items[0].Put.ConditionExpression != "attribute_not_exists(pk)" {
		t.Errorf("submission row must be create-only")
	}
	pointerSK := items[1].Put.Item["sk"].(*types.AttributeValueMemberS).Value
	if !strings.HasPrefix(pointerSK, "DUE#2026-03-01T12:00:00Z") {
		t.Errorf("pointer sk = %q, want DUE# prefix with due time", pointerSK)
	}
}
