// Package main implements the email cleanup Lambda: a DynamoDB Streams
// consumer that watches for soft-deleted emails and performs the durable
// cleanup the synchronous destroy path defers. It hard-deletes the email
// row, drops the account's reference to the canonical message, and when the
// last reference goes, removes the canonical record and queues the now
// unused blobs for deletion.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/otel"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/blobdelete"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/logging"
)

var logger = logging.New()

// EmailStore is the slice of the email repository cleanup needs.
type EmailStore interface {
	BuildHardDeleteItem(accountID, emailID string) types.TransactWriteItem
}

// CanonicalStore resolves and deletes shared message records.
type CanonicalStore interface {
	GetMessage(ctx context.Context, ingestID string) (*canonical.Message, error)
	HasReferences(ctx context.Context, ingestID string, exclude *canonical.Reference) (bool, error)
	BuildDeleteReferenceItem(ref *canonical.Reference) types.TransactWriteItem
	BuildDeleteMessageItem(ingestID string) types.TransactWriteItem
}

// BlobMetaStore tracks which canonical messages still use each blob.
type BlobMetaStore interface {
	HasUses(ctx context.Context, blobID, excludeIngestID string) (bool, error)
	BuildDeleteUseItem(u *blob.Use) types.TransactWriteItem
	BuildDeleteGrantItem(accountID, blobID string) types.TransactWriteItem
}

// TransactWriter executes DynamoDB transactions.
type TransactWriter interface {
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type handler struct {
	emails    EmailStore
	canonical CanonicalStore
	blobMeta  BlobMetaStore
	writer    TransactWriter
	blobs     blobdelete.BlobDeletePublisher
}

func newHandler(emails EmailStore, canon CanonicalStore, blobMeta BlobMetaStore, writer TransactWriter, blobs blobdelete.BlobDeletePublisher) *handler {
	return &handler{emails: emails, canonical: canon, blobMeta: blobMeta, writer: writer, blobs: blobs}
}

// handle processes a DynamoDB Streams event, cleaning up every email that
// transitioned to soft-deleted in this batch.
func (h *handler) handle(ctx context.Context, event events.DynamoDBEvent) error {
	tracer := otel.Tracer("email-cleanup")
	ctx, span := tracer.Start(ctx, "EmailCleanupHandler")
	defer span.End()

	for _, record := range event.Records {
		if record.EventName != "MODIFY" {
			continue
		}
		if !isNewSoftDelete(record.Change.OldImage, record.Change.NewImage) {
			continue
		}

		accountID := stringAttr(record.Change.NewImage, email.AttrAccountID)
		emailID := stringAttr(record.Change.NewImage, email.AttrEmailID)
		ingestID := stringAttr(record.Change.NewImage, email.AttrIngestID)
		if accountID == "" || emailID == "" {
			continue
		}

		if err := h.cleanup(ctx, accountID, emailID, ingestID); err != nil {
			logger.ErrorContext(ctx, "Email cleanup failed",
				slog.String("account_id", accountID),
				slog.String("email_id", emailID),
				slog.String("error", err.Error()),
			)
			return err // fail the batch so the stream retries
		}
	}
	return nil
}

// isNewSoftDelete reports whether this modification flipped isDeleted on.
func isNewSoftDelete(oldImage, newImage map[string]events.DynamoDBAttributeValue) bool {
	sk := stringAttr(newImage, "sk")
	if !strings.HasPrefix(sk, email.PrefixEmail) {
		return false
	}
	newDeleted, ok := newImage[email.AttrIsDeleted]
	if !ok || !newDeleted.Boolean() {
		return false
	}
	if oldDeleted, ok := oldImage[email.AttrIsDeleted]; ok && oldDeleted.Boolean() {
		return false
	}
	return true
}

// cleanup removes the email row and the account's canonical reference, then
// garbage-collects the canonical record and its blobs if nothing else
// references them. The whole removal is one transaction so a retry after a
// partial failure sees consistent state.
func (h *handler) cleanup(ctx context.Context, accountID, emailID, ingestID string) error {
	ref := &canonical.Reference{IngestID: ingestID, AccountID: accountID, EmailID: emailID}
	items := []types.TransactWriteItem{
		h.emails.BuildHardDeleteItem(accountID, emailID),
		h.canonical.BuildDeleteReferenceItem(ref),
	}

	var unusedBlobs []string
	msg, err := h.canonical.GetMessage(ctx, ingestID)
	if errors.Is(err, canonical.ErrMessageNotFound) {
		msg = nil
	} else if err != nil {
		return err
	}

	if msg != nil {
		hasRefs, err := h.canonical.HasReferences(ctx, ingestID, ref)
		if err != nil {
			return err
		}
		if !hasRefs {
			items = append(items, h.canonical.BuildDeleteMessageItem(ingestID))

			uses := []blob.Use{{BlobID: msg.RawBlobID, IngestID: ingestID, PartID: "raw"}}
			for _, att := range msg.Attachments {
				uses = append(uses, blob.Use{BlobID: att.BlobID, IngestID: ingestID, PartID: att.PartID})
			}
			for i := range uses {
				u := uses[i]
				items = append(items, h.blobMeta.BuildDeleteUseItem(&u))
				used, err := h.blobMeta.HasUses(ctx, u.BlobID, ingestID)
				if err != nil {
					return err
				}
				if !used {
					items = append(items, h.blobMeta.BuildDeleteGrantItem(accountID, u.BlobID))
					unusedBlobs = append(unusedBlobs, u.BlobID)
				}
			}
		}
	}

	if _, err := h.writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return err
	}

	// Blob object deletion is best-effort; the metadata rows are already
	// gone, so a lost message only leaks storage.
	if h.blobs != nil && len(unusedBlobs) > 0 {
		if err := h.blobs.PublishBlobDeletions(ctx, accountID, unusedBlobs); err != nil {
			logger.ErrorContext(ctx, "Failed to publish blob deletions",
				slog.String("account_id", accountID),
				slog.String("email_id", emailID),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.InfoContext(ctx, "Email cleanup completed",
		slog.String("account_id", accountID),
		slog.String("email_id", emailID),
		slog.Int("unused_blobs", len(unusedBlobs)),
	)
	return nil
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	v, ok := image[key]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	tableName := os.Getenv("TABLE_NAME")
	blobDeleteQueueURL := os.Getenv("BLOB_DELETE_QUEUE_URL")

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

	var blobPub blobdelete.BlobDeletePublisher
	if blobDeleteQueueURL != "" {
		blobPub = blobdelete.NewSQSPublisher(sqs.NewFromConfig(result.Config), blobDeleteQueueURL)
	}

	h := newHandler(
		email.NewRepository(dynamoClient, tableName),
		canonical.NewRepository(dynamoClient, tableName),
		blob.NewMetaRepository(dynamoClient, tableName),
		dynamoClient,
		blobPub,
	)
	result.Start(h.handle)
}
