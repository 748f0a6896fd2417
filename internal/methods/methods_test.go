package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
	"github.com/harbormail/jmap-backend/internal/thread"
)

const testTable = "test-table"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is a routing stand-in for DynamoDB: reads are answered from the
// seeded fixtures, writes are captured for assertion.
type fakeStore struct {
	counters     map[string]int64
	mailboxes    []*mailbox.Item
	memberships  map[string][]*email.MembershipItem
	emails       []*email.Item
	keywords     map[string][]string
	grants       map[string]bool
	submissions  []*submission.Item
	transactions [][]ddbtypes.TransactWriteItem
	transactErr  error

	// extra hooks for fixtures the routing below does not cover.
	getItemFunc func(input *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	queryFunc   func(input *dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters:    make(map[string]int64),
		memberships: make(map[string][]*email.MembershipItem),
		keywords:    make(map[string][]string),
		grants:      make(map[string]bool),
	}
}

func stringKey(key map[string]ddbtypes.AttributeValue, name string) string {
	if v, ok := key[name].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeStore) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	sk := stringKey(input.Key, "sk")

	if strings.HasPrefix(sk, state.PrefixState) {
		objectType := strings.TrimPrefix(sk, state.PrefixState)
		return &dynamodb.GetItemOutput{Item: map[string]ddbtypes.AttributeValue{
			state.AttrCurrentState: &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(f.counters[objectType], 10)},
		}}, nil
	}

	if strings.HasPrefix(sk, mailbox.PrefixMailbox) {
		id := strings.TrimPrefix(sk, mailbox.PrefixMailbox)
		for _, m := range f.mailboxes {
			if m.MailboxID == id {
				return &dynamodb.GetItemOutput{Item: mailboxAttrs(m)}, nil
			}
		}
		return &dynamodb.GetItemOutput{}, nil
	}

	if strings.HasPrefix(sk, email.PrefixEmail) {
		id := strings.TrimPrefix(sk, email.PrefixEmail)
		for _, e := range f.emails {
			if e.EmailID == id {
				return &dynamodb.GetItemOutput{Item: emailAttrs(e)}, nil
			}
		}
		return &dynamodb.GetItemOutput{}, nil
	}

	if strings.HasPrefix(sk, submission.PrefixSubmit) {
		id := strings.TrimPrefix(sk, submission.PrefixSubmit)
		for _, s := range f.submissions {
			if s.SubmissionID == id {
				return &dynamodb.GetItemOutput{Item: submissionAttrs(s)}, nil
			}
		}
		return &dynamodb.GetItemOutput{}, nil
	}

	if strings.HasPrefix(sk, blob.PrefixGrant) {
		if f.grants[strings.TrimPrefix(sk, blob.PrefixGrant)] {
			return &dynamodb.GetItemOutput{Item: map[string]ddbtypes.AttributeValue{
				blob.AttrBlobID: &ddbtypes.AttributeValueMemberS{Value: strings.TrimPrefix(sk, blob.PrefixGrant)},
			}}, nil
		}
		return &dynamodb.GetItemOutput{}, nil
	}

	if f.getItemFunc != nil {
		return f.getItemFunc(input)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeStore) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	prefix := ""
	if v, ok := input.ExpressionAttributeValues[":prefix"].(*ddbtypes.AttributeValueMemberS); ok {
		prefix = v.Value
	}
	if prefix == "" {
		if v, ok := input.ExpressionAttributeValues[":skPrefix"].(*ddbtypes.AttributeValueMemberS); ok {
			prefix = v.Value
		}
	}

	if prefix == mailbox.PrefixMailbox {
		items := make([]map[string]ddbtypes.AttributeValue, len(f.mailboxes))
		for i, m := range f.mailboxes {
			items[i] = mailboxAttrs(m)
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	if strings.HasPrefix(prefix, email.PrefixMbox) {
		mailboxID := strings.TrimSuffix(strings.TrimPrefix(prefix, email.PrefixMbox), "#EMAIL#")
		var items []map[string]ddbtypes.AttributeValue
		for _, m := range f.memberships[mailboxID] {
			items = append(items, map[string]ddbtypes.AttributeValue{
				email.AttrEmailID:    &ddbtypes.AttributeValueMemberS{Value: m.EmailID},
				email.AttrReceivedAt: &ddbtypes.AttributeValueMemberS{Value: m.ReceivedAt.UTC().Format(time.RFC3339)},
			})
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	if strings.HasPrefix(prefix, email.PrefixKeyword) {
		emailID := strings.TrimSuffix(strings.TrimPrefix(prefix, email.PrefixKeyword+"EMAIL#"), "#")
		var items []map[string]ddbtypes.AttributeValue
		for _, kw := range f.keywords[emailID] {
			items = append(items, map[string]ddbtypes.AttributeValue{
				email.AttrKeyword: &ddbtypes.AttributeValueMemberS{Value: kw},
			})
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	if strings.HasPrefix(prefix, email.PrefixThread) {
		threadID := strings.TrimSuffix(strings.TrimPrefix(prefix, email.PrefixThread), "#")
		var items []map[string]ddbtypes.AttributeValue
		for _, e := range f.emails {
			if e.ThreadID == threadID {
				items = append(items, emailAttrs(e))
			}
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	if prefix == submission.PrefixSubmit {
		var items []map[string]ddbtypes.AttributeValue
		for _, s := range f.submissions {
			items = append(items, submissionAttrs(s))
		}
		return &dynamodb.QueryOutput{Items: items}, nil
	}

	if f.queryFunc != nil {
		return f.queryFunc(input)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeStore) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeStore) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeStore) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeStore) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	f.transactions = append(f.transactions, input.TransactItems)
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func mailboxAttrs(m *mailbox.Item) map[string]ddbtypes.AttributeValue {
	item := map[string]ddbtypes.AttributeValue{
		"pk":                  &ddbtypes.AttributeValueMemberS{Value: m.PK()},
		"sk":                  &ddbtypes.AttributeValueMemberS{Value: m.SK()},
		mailbox.AttrMailboxID: &ddbtypes.AttributeValueMemberS{Value: m.MailboxID},
		mailbox.AttrAccountID: &ddbtypes.AttributeValueMemberS{Value: m.AccountID},
		mailbox.AttrName:      &ddbtypes.AttributeValueMemberS{Value: m.Name},
		mailbox.AttrSortOrder: &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(m.SortOrder)},
	}
	if m.Role != "" {
		item[mailbox.AttrRole] = &ddbtypes.AttributeValueMemberS{Value: m.Role}
	}
	if m.ParentID != "" {
		item[mailbox.AttrParentID] = &ddbtypes.AttributeValueMemberS{Value: m.ParentID}
	}
	return item
}

func emailAttrs(e *email.Item) map[string]ddbtypes.AttributeValue {
	mailboxIDs := make(map[string]ddbtypes.AttributeValue, len(e.MailboxIDs))
	for id, member := range e.MailboxIDs {
		mailboxIDs[id] = &ddbtypes.AttributeValueMemberBOOL{Value: member}
	}
	return map[string]ddbtypes.AttributeValue{
		email.AttrEmailID:    &ddbtypes.AttributeValueMemberS{Value: e.EmailID},
		email.AttrAccountID:  &ddbtypes.AttributeValueMemberS{Value: e.AccountID},
		email.AttrIngestID:   &ddbtypes.AttributeValueMemberS{Value: e.IngestID},
		email.AttrBlobID:     &ddbtypes.AttributeValueMemberS{Value: e.BlobID},
		email.AttrThreadID:   &ddbtypes.AttributeValueMemberS{Value: e.ThreadID},
		email.AttrMailboxIDs: &ddbtypes.AttributeValueMemberM{Value: mailboxIDs},
		email.AttrSeen:       &ddbtypes.AttributeValueMemberBOOL{Value: e.Flags.Seen},
		email.AttrFlagged:    &ddbtypes.AttributeValueMemberBOOL{Value: e.Flags.Flagged},
		email.AttrAnswered:   &ddbtypes.AttributeValueMemberBOOL{Value: e.Flags.Answered},
		email.AttrDraft:      &ddbtypes.AttributeValueMemberBOOL{Value: e.Flags.Draft},
		email.AttrReceivedAt: &ddbtypes.AttributeValueMemberS{Value: e.ReceivedAt.UTC().Format(time.RFC3339)},
		email.AttrSize:       &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(e.Size, 10)},
		email.AttrSubject:    &ddbtypes.AttributeValueMemberS{Value: e.Subject},
		email.AttrVersion:    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(e.Version, 10)},
		email.AttrIsDeleted:  &ddbtypes.AttributeValueMemberBOOL{Value: e.IsDeleted},
	}
}

func submissionAttrs(s *submission.Item) map[string]ddbtypes.AttributeValue {
	env, _ := json.Marshal(&s.Envelope)
	ds, _ := json.Marshal(s.DeliveryStatus)
	return map[string]ddbtypes.AttributeValue{
		submission.AttrSubmissionID:   &ddbtypes.AttributeValueMemberS{Value: s.SubmissionID},
		submission.AttrAccountID:      &ddbtypes.AttributeValueMemberS{Value: s.AccountID},
		submission.AttrEmailID:        &ddbtypes.AttributeValueMemberS{Value: s.EmailID},
		submission.AttrBlobID:         &ddbtypes.AttributeValueMemberS{Value: s.BlobID},
		submission.AttrEnvelope:       &ddbtypes.AttributeValueMemberS{Value: string(env)},
		submission.AttrDeliveryStatus: &ddbtypes.AttributeValueMemberS{Value: string(ds)},
		submission.AttrRetryCount:     &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(s.RetryCount)},
		submission.AttrNextAttemptAt:  &ddbtypes.AttributeValueMemberS{Value: s.NextAttemptAt.UTC().Format(time.RFC3339)},
		submission.AttrStatus:         &ddbtypes.AttributeValueMemberS{Value: string(s.Status)},
		submission.AttrSendAt:         &ddbtypes.AttributeValueMemberS{Value: s.SendAt.UTC().Format(time.RFC3339)},
		submission.AttrCreatedAt:      &ddbtypes.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339)},
	}
}

// fakeBlobs is an in-memory BlobStorage.
type fakeBlobs struct {
	data map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{data: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, data []byte) (string, error) {
	id := blob.HashBytes(data)
	f.data[id] = data
	return id, nil
}

func (f *fakeBlobs) Get(ctx context.Context, blobID string) ([]byte, error) {
	data, ok := f.data[blobID]
	if !ok {
		return nil, blob.ErrBlobNotFound
	}
	return data, nil
}

func (f *fakeBlobs) Delete(ctx context.Context, blobID string) error {
	delete(f.data, blobID)
	return nil
}

// nopIndexer satisfies IndexPublisher for tests that do not assert on it.
type nopIndexer struct{}

func (nopIndexer) PublishIndex(ctx context.Context, accountID, emailID, ingestID string) error {
	return nil
}

func (nopIndexer) PublishDelete(ctx context.Context, accountID, emailID string) error {
	return nil
}

func newTestHandlers(t *testing.T, store *fakeStore) *Handlers {
	t.Helper()
	nextID := 0
	deps := &Deps{
		Mailboxes:   mailbox.NewRepository(store, testTable),
		Emails:      email.NewRepository(store, testTable),
		Tokens:      email.NewTokenRepository(store, testTable),
		Threads:     thread.NewRepository(store, testTable),
		Resolver:    thread.NewResolver(thread.NewRepository(store, testTable)),
		Canonical:   canonical.NewRepository(store, testTable),
		States:      state.NewRepository(store, testTable, 0),
		Submissions: submission.NewRepository(store, testTable),
		Blobs:       nil,
		BlobMeta:    blob.NewMetaRepository(store, testTable),
		Writer:      store,
		Indexer:     nopIndexer{},
		Logger:      slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Limits:      DefaultLimits(),
		Now:         func() time.Time { return testNow },
		NewID: func() string {
			nextID++
			return "id-" + strconv.Itoa(nextID)
		},
	}
	return NewHandlers(deps)
}

// testWriter routes handler logs through the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
