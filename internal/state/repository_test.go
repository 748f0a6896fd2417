package state

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoClient is a test double for DynamoDB operations.
type mockDynamoClient struct {
	getItemFunc       func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc         func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	putItemFunc       func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	updateItemFunc    func(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	deleteItemFunc    func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
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
	if m.transactWriteFunc != nil {
		return m.transactWriteFunc(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func counterOutput(value int64) *dynamodb.GetItemOutput {
	return &dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			AttrCurrentState: &types.AttributeValueMemberN{Value: strconv.FormatInt(value, 10)},
		},
	}
}

func TestRepository_GetCurrentState(t *testing.T) {
	mock := &mockDynamoClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			pk := input.Key["pk"].(*types.AttributeValueMemberS).Value
			sk := input.Key["sk"].(*types.AttributeValueMemberS).Value
			if pk != "ACCOUNT#user-123" {
				t.Errorf("pk = %q, want %q", pk, "ACCOUNT#user-123")
			}
			if sk != "STATE#Email" {
				t.Errorf("sk = %q, want %q", sk, "STATE#Email")
			}
			return counterOutput(42), nil
		},
	}

	repo := NewRepository(mock, "test-table", 7)
	got, err := repo.GetCurrentState(context.Background(), "user-123", ObjectTypeEmail)
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if got != 42 {
		t.Errorf("GetCurrentState() = %d, want 42", got)
	}
}

func TestRepository_GetCurrentState_Absent(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table", 7)
	got, err := repo.GetCurrentState(context.Background(), "user-123", ObjectTypeMailbox)
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if got != 0 {
		t.Errorf("GetCurrentState() = %d, want 0", got)
	}

	s, err := repo.GetState(context.Background(), "user-123", ObjectTypeMailbox)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if s != "0" {
		t.Errorf("GetState() = %q, want %q", s, "0")
	}
}

func TestRepository_CheckState(t *testing.T) {
	mock := &mockDynamoClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return counterOutput(5), nil
		},
	}
	repo := NewRepository(mock, "test-table", 7)

	match := "5"
	if _, err := repo.CheckState(context.Background(), "a", ObjectTypeEmail, &match); err != nil {
		t.Errorf("CheckState(matching) error = %v", err)
	}

	stale := "4"
	if _, err := repo.CheckState(context.Background(), "a", ObjectTypeEmail, &stale); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("CheckState(stale) error = %v, want ErrStateMismatch", err)
	}

	garbage := "not-a-number"
	if _, err := repo.CheckState(context.Background(), "a", ObjectTypeEmail, &garbage); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("CheckState(garbage) error = %v, want ErrStateMismatch", err)
	}

	if _, err := repo.CheckState(context.Background(), "a", ObjectTypeEmail, nil); err != nil {
		t.Errorf("CheckState(nil) error = %v", err)
	}
}

func TestRepository_BuildBumpItems_Sequential(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table", 7)

	newState, items := repo.BuildBumpItems("user-123", ObjectTypeEmail, 10, []Change{
		{ObjectID: "e1", ChangeType: ChangeTypeCreated},
		{ObjectID: "e2", ChangeType: ChangeTypeUpdated},
		{ObjectID: "e3", ChangeType: ChangeTypeDestroyed},
	})

	if newState != 13 {
		t.Errorf("newState = %d, want 13", newState)
	}
	if len(items) != 4 {
		t.Fatalf("len(items) = %d, want 4 (counter + 3 changes)", len(items))
	}

	update := items[0].Update
	if update == nil {
		t.Fatal("items[0] is not an Update")
	}
	if n := update.ExpressionAttributeValues[":n"].(*types.AttributeValueMemberN).Value; n != "3" {
		t.Errorf("counter increment = %s, want 3", n)
	}

	for i, wantState := range []string{"0000000011", "0000000012", "0000000013"} {
		put := items[i+1].Put
		if put == nil {
			t.Fatalf("items[%d] is not a Put", i+1)
		}
		sk := put.Item["sk"].(*types.AttributeValueMemberS).Value
		if !strings.HasSuffix(sk, wantState) {
			t.Errorf("change %d sk = %q, want suffix %q", i, sk, wantState)
		}
	}
}

func TestRepository_BuildBumpItems_Empty(t *testing.T) {
	repo := NewRepository(&mockDynamoClient{}, "test-table", 7)
	newState, items := repo.BuildBumpItems("user-123", ObjectTypeEmail, 7, nil)
	if newState != 7 || items != nil {
		t.Errorf("BuildBumpItems(empty) = (%d, %v), want (7, nil)", newState, items)
	}
}

func TestRepository_BumpState_Monotonic(t *testing.T) {
	current := int64(0)
	mock := &mockDynamoClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if current == 0 {
				return &dynamodb.GetItemOutput{}, nil
			}
			return counterOutput(current), nil
		},
		transactWriteFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			current++
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}
	repo := NewRepository(mock, "test-table", 7)

	var last int64
	for i := 0; i < 5; i++ {
		got, err := repo.BumpState(context.Background(), "a", ObjectTypeThread, "t1", ChangeTypeUpdated)
		if err != nil {
			t.Fatalf("BumpState() error = %v", err)
		}
		if got <= last {
			t.Fatalf("BumpState() = %d, not strictly greater than %d", got, last)
		}
		last = got
	}
}
