// Package main implements the inbound mail Lambda: the provider's receipt
// rule writes raw MIME to S3, and each ObjectCreated event delivers that
// message into the recipient account's inbox.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/ingest"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/thread"
)

const changeLogRetentionDays = 7

var logger = logging.New()

// ObjectFetcher reads raw message objects from the inbound bucket.
type ObjectFetcher interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// MailboxLister loads an account's mailboxes to find its inbox.
type MailboxLister interface {
	GetAllMailboxes(ctx context.Context, accountID string) ([]*mailbox.Item, error)
}

// Deliverer runs the ingestion pipeline for one parsed message.
type Deliverer interface {
	DeliverParsed(ctx context.Context, raw []byte, parsed *ingest.Result, d *ingest.Delivery) (*ingest.Delivered, error)
}

type handler struct {
	objects    ObjectFetcher
	mailboxes  MailboxLister
	pipeline   Deliverer
	mailDomain string
}

func newHandler(objects ObjectFetcher, mailboxes MailboxLister, pipeline Deliverer, mailDomain string) *handler {
	return &handler{objects: objects, mailboxes: mailboxes, pipeline: pipeline, mailDomain: mailDomain}
}

// handle delivers every object in the event. Unroutable messages (no local
// recipient, no inbox) are logged and dropped; infrastructure failures are
// returned so the event retries.
func (h *handler) handle(ctx context.Context, event events.S3Event) error {
	tracer := otel.Tracer("inbound-mail")
	ctx, span := tracer.Start(ctx, "InboundMailHandler")
	defer span.End()

	var firstErr error
	for _, record := range event.Records {
		if err := h.deliverObject(ctx, record.S3.Bucket.Name, record.S3.Object.Key); err != nil {
			logger.ErrorContext(ctx, "Inbound delivery failed",
				slog.String("bucket", record.S3.Bucket.Name),
				slog.String("key", record.S3.Object.Key),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *handler) deliverObject(ctx context.Context, bucket, key string) error {
	out, err := h.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("fetch object: %w", err)
	}
	raw, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}

	parsed, err := ingest.ParseRawEmail(raw)
	if err != nil {
		// Unparseable mail will not improve on retry.
		logger.WarnContext(ctx, "Dropping unparseable message",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil
	}

	accountID := h.accountForMessage(parsed.Message)
	if accountID == "" {
		logger.WarnContext(ctx, "Dropping message with no local recipient",
			slog.String("key", key),
		)
		return nil
	}

	inboxID, err := h.inboxFor(ctx, accountID)
	if err != nil {
		return err
	}
	if inboxID == "" {
		logger.WarnContext(ctx, "Dropping message for account without an inbox",
			slog.String("account_id", accountID),
			slog.String("key", key),
		)
		return nil
	}

	delivered, err := h.pipeline.DeliverParsed(ctx, raw, parsed, &ingest.Delivery{
		AccountID:  accountID,
		MailboxIDs: map[string]bool{inboxID: true},
	})
	if err != nil {
		return fmt.Errorf("deliver message: %w", err)
	}

	logger.InfoContext(ctx, "Message delivered",
		slog.String("account_id", accountID),
		slog.String("email_id", delivered.Email.EmailID),
		slog.String("thread_id", delivered.Email.ThreadID),
	)
	return nil
}

// accountForMessage maps the first recipient at the local domain to its
// account: the address local part, lowercased.
func (h *handler) accountForMessage(msg *canonical.Message) string {
	for _, addrs := range [][]canonical.Address{msg.To, msg.CC, msg.BCC} {
		for _, addr := range addrs {
			local, domain, ok := strings.Cut(addr.Email, "@")
			if !ok {
				continue
			}
			if strings.EqualFold(domain, h.mailDomain) && local != "" {
				return strings.ToLower(local)
			}
		}
	}
	return ""
}

func (h *handler) inboxFor(ctx context.Context, accountID string) (string, error) {
	boxes, err := h.mailboxes.GetAllMailboxes(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("list mailboxes: %w", err)
	}
	for _, mb := range boxes {
		if mb.Role == "inbox" {
			return mb.MailboxID, nil
		}
	}
	return "", nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	tableName := os.Getenv("TABLE_NAME")
	blobBucket := os.Getenv("BLOB_BUCKET")
	mailDomain := os.Getenv("MAIL_DOMAIN")

	dynamoClient := dynamodb.NewFromConfig(result.Config)

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = dynamoClient.GetItem(warmCtx, &dynamodb.GetItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "WARMUP"},
			"sk": &types.AttributeValueMemberS{Value: "WARMUP"},
		},
	})
	cancel()

	s3Client := s3.NewFromConfig(result.Config)
	threads := thread.NewRepository(dynamoClient, tableName)
	mailboxes := mailbox.NewRepository(dynamoClient, tableName)

	pipeline := &ingest.Pipeline{
		Emails:    email.NewRepository(dynamoClient, tableName),
		Tokens:    email.NewTokenRepository(dynamoClient, tableName),
		Threads:   threads,
		Resolver:  thread.NewResolver(threads),
		Canonical: canonical.NewRepository(dynamoClient, tableName),
		Mailboxes: mailboxes,
		States:    state.NewRepository(dynamoClient, tableName, changeLogRetentionDays),
		Blobs:     blob.NewStore(s3Client, blobBucket),
		BlobMeta:  blob.NewMetaRepository(dynamoClient, tableName),
		Writer:    dynamoClient,
		Logger:    logger,
	}

	h := newHandler(s3Client, mailboxes, pipeline, mailDomain)
	result.Start(h.handle)
}
