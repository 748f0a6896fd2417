package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
)

type fakeEmails struct{}

func (f *fakeEmails) BuildHardDeleteItem(accountID, emailID string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#" + accountID},
			"sk": &types.AttributeValueMemberS{Value: "EMAIL#" + emailID},
		},
	}}
}

type fakeCanonical struct {
	msg        *canonical.Message
	msgErr     error
	hasRefs    bool
	gotExclude *canonical.Reference
}

func (f *fakeCanonical) GetMessage(ctx context.Context, ingestID string) (*canonical.Message, error) {
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	return f.msg, nil
}

func (f *fakeCanonical) HasReferences(ctx context.Context, ingestID string, exclude *canonical.Reference) (bool, error) {
	f.gotExclude = exclude
	return f.hasRefs, nil
}

func (f *fakeCanonical) BuildDeleteReferenceItem(ref *canonical.Reference) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "MSG#" + ref.IngestID},
			"sk": &types.AttributeValueMemberS{Value: "REF#ACCOUNT#" + ref.AccountID + "#EMAIL#" + ref.EmailID},
		},
	}}
}

func (f *fakeCanonical) BuildDeleteMessageItem(ingestID string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "MSG#" + ingestID},
			"sk": &types.AttributeValueMemberS{Value: "META"},
		},
	}}
}

type fakeBlobMeta struct {
	stillUsed map[string]bool
}

func (f *fakeBlobMeta) HasUses(ctx context.Context, blobID, excludeIngestID string) (bool, error) {
	return f.stillUsed[blobID], nil
}

func (f *fakeBlobMeta) BuildDeleteUseItem(u *blob.Use) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "BLOB#" + u.BlobID},
			"sk": &types.AttributeValueMemberS{Value: "USE#MSG#" + u.IngestID + "#" + u.PartID},
		},
	}}
}

func (f *fakeBlobMeta) BuildDeleteGrantItem(accountID, blobID string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "ACCOUNT#" + accountID},
			"sk": &types.AttributeValueMemberS{Value: "BLOB#" + blobID},
		},
	}}
}

type fakeWriter struct {
	items []types.TransactWriteItem
	err   error
}

func (f *fakeWriter) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.items = append(f.items, input.TransactItems...)
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

type fakePublisher struct {
	accountID string
	blobIDs   []string
}

func (f *fakePublisher) PublishBlobDeletions(ctx context.Context, accountID string, blobIDs []string) error {
	f.accountID = accountID
	f.blobIDs = append(f.blobIDs, blobIDs...)
	return nil
}

func softDeleteRecord(accountID, emailID, ingestID string) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventName: "MODIFY",
		Change: events.DynamoDBStreamRecord{
			OldImage: map[string]events.DynamoDBAttributeValue{
				"sk":        events.NewStringAttribute("EMAIL#" + emailID),
				"isDeleted": events.NewBooleanAttribute(false),
			},
			NewImage: map[string]events.DynamoDBAttributeValue{
				"sk":        events.NewStringAttribute("EMAIL#" + emailID),
				"accountId": events.NewStringAttribute(accountID),
				"emailId":   events.NewStringAttribute(emailID),
				"ingestId":  events.NewStringAttribute(ingestID),
				"isDeleted": events.NewBooleanAttribute(true),
			},
		},
	}
}

func testMessage() *canonical.Message {
	return &canonical.Message{
		IngestID:  "ing-1",
		RawBlobID: "raw-blob",
		Attachments: []canonical.Attachment{
			{PartID: "2", BlobID: "att-blob"},
		},
	}
}

func keyOf(item types.TransactWriteItem) (string, string) {
	if item.Delete == nil {
		return "", ""
	}
	pk := item.Delete.Key["pk"].(*types.AttributeValueMemberS).Value
	sk := item.Delete.Key["sk"].(*types.AttributeValueMemberS).Value
	return pk, sk
}

func hasDelete(items []types.TransactWriteItem, pk, sk string) bool {
	for _, item := range items {
		gotPK, gotSK := keyOf(item)
		if gotPK == pk && gotSK == sk {
			return true
		}
	}
	return false
}

func TestHandleLastReferenceCollectsEverything(t *testing.T) {
	canon := &fakeCanonical{msg: testMessage()}
	writer := &fakeWriter{}
	pub := &fakePublisher{}
	h := newHandler(&fakeEmails{}, canon, &fakeBlobMeta{stillUsed: map[string]bool{}}, writer, pub)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		softDeleteRecord("alice", "em-1", "ing-1"),
	}}
	if err := h.handle(context.Background(), event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	for _, want := range [][2]string{
		{"ACCOUNT#alice", "EMAIL#em-1"},
		{"MSG#ing-1", "REF#ACCOUNT#alice#EMAIL#em-1"},
		{"MSG#ing-1", "META"},
		{"BLOB#raw-blob", "USE#MSG#ing-1#raw"},
		{"BLOB#att-blob", "USE#MSG#ing-1#2"},
		{"ACCOUNT#alice", "BLOB#raw-blob"},
		{"ACCOUNT#alice", "BLOB#att-blob"},
	} {
		if !hasDelete(writer.items, want[0], want[1]) {
			t.Errorf("transaction missing delete %s / %s", want[0], want[1])
		}
	}
	if len(pub.blobIDs) != 2 {
		t.Errorf("published blobs = %v, want raw-blob and att-blob", pub.blobIDs)
	}
	if canon.gotExclude == nil || canon.gotExclude.EmailID != "em-1" {
		t.Errorf("HasReferences exclude = %+v, want our own reference", canon.gotExclude)
	}
}

func TestHandleSharedCanonicalKeepsMessage(t *testing.T) {
	canon := &fakeCanonical{msg: testMessage(), hasRefs: true}
	writer := &fakeWriter{}
	pub := &fakePublisher{}
	h := newHandler(&fakeEmails{}, canon, &fakeBlobMeta{}, writer, pub)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		softDeleteRecord("alice", "em-1", "ing-1"),
	}}
	if err := h.handle(context.Background(), event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if len(writer.items) != 2 {
		t.Fatalf("items = %d, want only email and reference deletes", len(writer.items))
	}
	if hasDelete(writer.items, "MSG#ing-1", "META") {
		t.Error("canonical message deleted while still referenced")
	}
	if len(pub.blobIDs) != 0 {
		t.Errorf("published blobs = %v, want none", pub.blobIDs)
	}
}

func TestHandleSharedBlobNotPublished(t *testing.T) {
	canon := &fakeCanonical{msg: testMessage()}
	writer := &fakeWriter{}
	pub := &fakePublisher{}
	meta := &fakeBlobMeta{stillUsed: map[string]bool{"raw-blob": true}}
	h := newHandler(&fakeEmails{}, canon, meta, writer, pub)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		softDeleteRecord("alice", "em-1", "ing-1"),
	}}
	if err := h.handle(context.Background(), event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if !hasDelete(writer.items, "BLOB#raw-blob", "USE#MSG#ing-1#raw") {
		t.Error("use row for shared blob must still be removed")
	}
	if hasDelete(writer.items, "ACCOUNT#alice", "BLOB#raw-blob") {
		t.Error("grant for a still-used blob must be kept")
	}
	if len(pub.blobIDs) != 1 || pub.blobIDs[0] != "att-blob" {
		t.Errorf("published blobs = %v, want only att-blob", pub.blobIDs)
	}
}

func TestHandleCanonicalAlreadyGone(t *testing.T) {
	canon := &fakeCanonical{msgErr: canonical.ErrMessageNotFound}
	writer := &fakeWriter{}
	h := newHandler(&fakeEmails{}, canon, &fakeBlobMeta{}, writer, &fakePublisher{})

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		softDeleteRecord("alice", "em-1", "ing-1"),
	}}
	if err := h.handle(context.Background(), event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if len(writer.items) != 2 {
		t.Fatalf("items = %d, want email and reference deletes", len(writer.items))
	}
}

func TestHandleIgnoresIrrelevantRecords(t *testing.T) {
	writer := &fakeWriter{}
	h := newHandler(&fakeEmails{}, &fakeCanonical{}, &fakeBlobMeta{}, writer, &fakePublisher{})

	alreadyDeleted := softDeleteRecord("alice", "em-1", "ing-1")
	alreadyDeleted.Change.OldImage["isDeleted"] = events.NewBooleanAttribute(true)

	insert := softDeleteRecord("alice", "em-2", "ing-2")
	insert.EventName = "INSERT"

	mailboxRow := events.DynamoDBEventRecord{
		EventName: "MODIFY",
		Change: events.DynamoDBStreamRecord{
			NewImage: map[string]events.DynamoDBAttributeValue{
				"sk": events.NewStringAttribute("MAILBOX#mb-1"),
			},
		},
	}

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{alreadyDeleted, insert, mailboxRow}}
	if err := h.handle(context.Background(), event); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if len(writer.items) != 0 {
		t.Errorf("items = %d, want no writes", len(writer.items))
	}
}

func TestHandleTransactionFailureRetries(t *testing.T) {
	writer := &fakeWriter{err: errors.New("transaction canceled")}
	h := newHandler(&fakeEmails{}, &fakeCanonical{msg: testMessage()}, &fakeBlobMeta{}, writer, &fakePublisher{})

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		softDeleteRecord("alice", "em-1", "ing-1"),
	}}
	if err := h.handle(context.Background(), event); err == nil {
		t.Fatal("transaction failures must fail the batch for retry")
	}
}
