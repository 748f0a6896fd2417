package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/dynamo"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/thread"
)

// BlobWriter persists raw message and attachment bytes.
type BlobWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Pipeline materializes a raw message into one account: canonical row and
// reference, blob grants and uses, thread resolution, the account email row
// with memberships and keyword rows, mailbox counters, and the Email/Thread
// change log entries. Inbound delivery, Email/set creates, and Email/import
// all feed through here so every path converges on the same writes.
type Pipeline struct {
	Emails    *email.Repository
	Tokens    *email.TokenRepository
	Threads   *thread.Repository
	Resolver  *thread.Resolver
	Canonical *canonical.Repository
	Mailboxes *mailbox.Repository
	States    *state.Repository
	Blobs     BlobWriter
	BlobMeta  *blob.MetaRepository
	Writer    dynamo.TransactWriter
	Logger    *slog.Logger

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

// Delivery describes where and how a message lands in an account.
type Delivery struct {
	AccountID  string
	MailboxIDs map[string]bool
	Keywords   map[string]bool
	// ReceivedAt defaults to now.
	ReceivedAt time.Time
}

// Delivered reports what a delivery produced.
type Delivered struct {
	Email       *email.Item
	Message     *canonical.Message
	ThreadIsNew bool
	// EmailState is the Email counter value after the commit.
	EmailState int64
}

// Deliver parses raw bytes and lands them in the account in one transaction.
// The keywords map must already be validated by the caller; mailbox ids must
// exist.
func (p *Pipeline) Deliver(ctx context.Context, raw []byte, d *Delivery) (*Delivered, error) {
	parsed, err := ParseRawEmail(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return p.DeliverParsed(ctx, raw, parsed, d)
}

// DeliverParsed is Deliver for callers that already ran ParseRawEmail (to
// validate before persisting anything).
func (p *Pipeline) DeliverParsed(ctx context.Context, raw []byte, parsed *Result, d *Delivery) (*Delivered, error) {
	msg := parsed.Message

	flags, custom, err := email.SplitKeywords(d.Keywords)
	if err != nil {
		return nil, err
	}

	receivedAt := d.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now().UTC()
	}

	// Blobs first: orphaned objects are reclaimable, dangling references are
	// not, so storage happens before the metadata transaction.
	if _, err := p.Blobs.Put(ctx, raw); err != nil {
		return nil, fmt.Errorf("store raw blob: %w", err)
	}
	for blobID, data := range parsed.AttachmentData {
		if _, err := p.Blobs.Put(ctx, data); err != nil {
			return nil, fmt.Errorf("store attachment blob %s: %w", blobID, err)
		}
	}

	inReplyTo := ""
	if len(msg.InReplyTo) > 0 {
		inReplyTo = msg.InReplyTo[0]
	}
	resolution, err := p.Resolver.Resolve(ctx, d.AccountID, msg.Subject, receivedAt, inReplyTo, strings.Join(msg.References, " "))
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	now := p.now().UTC()
	e := &email.Item{
		AccountID:     d.AccountID,
		EmailID:       p.newID(),
		IngestID:      msg.IngestID,
		BlobID:        msg.RawBlobID,
		ThreadID:      resolution.ThreadID,
		MailboxIDs:    d.MailboxIDs,
		Flags:         flags,
		ReceivedAt:    receivedAt,
		Size:          msg.Size,
		Subject:       msg.Subject,
		Preview:       msg.Preview,
		HasAttachment: msg.HasAttachment,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	items := p.buildItems(e, msg, resolution, custom, now)

	emailState, err := p.States.GetCurrentState(ctx, d.AccountID, state.ObjectTypeEmail)
	if err != nil {
		return nil, err
	}
	newEmailState, bumpItems := p.States.BuildBumpItems(d.AccountID, state.ObjectTypeEmail, emailState, []state.Change{
		{ObjectID: e.EmailID, ChangeType: state.ChangeTypeCreated},
	})
	items = append(items, bumpItems...)

	threadState, err := p.States.GetCurrentState(ctx, d.AccountID, state.ObjectTypeThread)
	if err != nil {
		return nil, err
	}
	threadChange := state.ChangeTypeUpdated
	if resolution.IsNew {
		threadChange = state.ChangeTypeCreated
	}
	_, threadBumpItems := p.States.BuildBumpItems(d.AccountID, state.ObjectTypeThread, threadState, []state.Change{
		{ObjectID: resolution.ThreadID, ChangeType: threadChange},
	})
	items = append(items, threadBumpItems...)

	if _, err := p.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, fmt.Errorf("commit delivery: %w", err)
	}

	// Tokens are derived data written outside the transaction; a failure
	// here costs address search hits, not the message.
	if err := p.Tokens.WriteTokens(ctx, d.AccountID, e.EmailID, receivedAt, msg); err != nil && p.Logger != nil {
		p.Logger.Error("Failed to write address tokens",
			slog.String("account_id", d.AccountID),
			slog.String("email_id", e.EmailID),
			slog.String("error", err.Error()),
		)
	}

	return &Delivered{
		Email:       e,
		Message:     msg,
		ThreadIsNew: resolution.IsNew,
		EmailState:  newEmailState,
	}, nil
}

func (p *Pipeline) buildItems(e *email.Item, msg *canonical.Message, resolution *thread.Resolution, custom []string, now time.Time) []ddbtypes.TransactWriteItem {
	var items []ddbtypes.TransactWriteItem

	items = append(items,
		p.Canonical.BuildUpsertItem(msg),
		p.Canonical.BuildPutReferenceItem(&canonical.Reference{
			IngestID:  msg.IngestID,
			AccountID: e.AccountID,
			EmailID:   e.EmailID,
		}),
	)

	items = append(items,
		p.BlobMeta.BuildPutGrantItem(&blob.Grant{AccountID: e.AccountID, BlobID: msg.RawBlobID, Size: msg.Size, CreatedAt: now}),
		p.BlobMeta.BuildPutUseItem(&blob.Use{BlobID: msg.RawBlobID, IngestID: msg.IngestID, PartID: "raw"}),
	)
	for _, att := range msg.Attachments {
		items = append(items,
			p.BlobMeta.BuildPutGrantItem(&blob.Grant{AccountID: e.AccountID, BlobID: att.BlobID, Size: att.Size, CreatedAt: now}),
			p.BlobMeta.BuildPutUseItem(&blob.Use{BlobID: att.BlobID, IngestID: msg.IngestID, PartID: att.PartID}),
		)
	}

	if resolution.IsNew {
		items = append(items, p.Threads.BuildPutThreadItem(&thread.Item{
			AccountID:       e.AccountID,
			ThreadID:        resolution.ThreadID,
			LatestMessageAt: e.ReceivedAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}))
	} else if resolution.AdvancesLatest {
		items = append(items, p.Threads.BuildSetLatestItem(e.AccountID, resolution.ThreadID, e.ReceivedAt))
	}
	for _, rawID := range msg.MessageID {
		if id := thread.NormalizeMessageID(rawID); id != "" {
			items = append(items, p.Threads.BuildPutMessageIDItem(&thread.MessageIDItem{
				AccountID:    e.AccountID,
				MessageID:    id,
				EmailID:      e.EmailID,
				ThreadID:     resolution.ThreadID,
				InternalDate: e.ReceivedAt,
			}))
		}
	}

	items = append(items, p.Emails.BuildPutEmailItem(e))
	for mailboxID := range e.MailboxIDs {
		items = append(items,
			p.Emails.BuildPutMembershipItem(&email.MembershipItem{
				AccountID:  e.AccountID,
				MailboxID:  mailboxID,
				ReceivedAt: e.ReceivedAt,
				EmailID:    e.EmailID,
			}),
			p.Mailboxes.BuildIncrementCountsItem(e.AccountID, mailboxID, !e.Flags.Seen),
		)
	}
	for _, kw := range custom {
		items = append(items, p.Emails.BuildPutKeywordItem(&email.KeywordItem{
			AccountID: e.AccountID,
			EmailID:   e.EmailID,
			Keyword:   kw,
		}))
	}

	return items
}
