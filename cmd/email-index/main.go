// Package main implements the email index Lambda: an SQS consumer that keeps
// the per-account vector index in step with the mail store. Index messages
// re-derive text from the raw blob, embed it, and upsert subject and body
// vectors; delete messages remove both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/embeddings"
	"github.com/harbormail/jmap-backend/internal/ingest"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/searchindex"
	"github.com/harbormail/jmap-backend/internal/vectorstore"
)

var logger = logging.New()

const (
	// maxEmbedBytes caps the body text sent to the embedding model; Titan
	// v2 truncates past ~8k tokens anyway.
	maxEmbedBytes = 30000
	// maxConcurrency bounds parallel record processing; each record costs
	// an S3 read plus up to two Bedrock calls.
	maxConcurrency = 4
)

// EmailReader loads the account's email row for index metadata.
type EmailReader interface {
	GetEmail(ctx context.Context, accountID, emailID string) (*email.Item, error)
}

// MessageReader loads the canonical message for addresses and blob ids.
type MessageReader interface {
	GetMessage(ctx context.Context, ingestID string) (*canonical.Message, error)
}

// BlobReader fetches raw message bytes.
type BlobReader interface {
	Get(ctx context.Context, blobID string) ([]byte, error)
}

// EmbeddingClient generates vector embeddings.
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStore manages per-account vector indexes.
type VectorStore interface {
	EnsureIndex(ctx context.Context, accountID string) error
	PutVector(ctx context.Context, accountID string, vector vectorstore.Vector) error
	DeleteVectors(ctx context.Context, accountID string, keys []string) error
}

type handler struct {
	emails   EmailReader
	messages MessageReader
	blobs    BlobReader
	embedder EmbeddingClient
	vectors  VectorStore
}

func newHandler(emails EmailReader, messages MessageReader, blobs BlobReader, embedder EmbeddingClient, vectors VectorStore) *handler {
	return &handler{emails: emails, messages: messages, blobs: blobs, embedder: embedder, vectors: vectors}
}

// handle processes a batch of index messages, bounding concurrency and
// reporting per-record failures so only those records redrive.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("email-index")
	ctx, span := tracer.Start(ctx, "EmailIndexHandler")
	defer span.End()

	var mu sync.Mutex
	var failures []events.SQSBatchItemFailure
	fail := func(messageID string) {
		mu.Lock()
		failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: messageID})
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for _, record := range event.Records {
		g.Go(func() error {
			if err := h.processRecord(ctx, record); err != nil {
				logger.ErrorContext(ctx, "Index record failed",
					slog.String("message_id", record.MessageId),
					slog.String("error", err.Error()),
				)
				fail(record.MessageId)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.InfoContext(ctx, "Index batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (h *handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var msg searchindex.Message
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		return fmt.Errorf("parse message: %w", err)
	}

	switch msg.Action {
	case searchindex.ActionIndex:
		return h.indexEmail(ctx, msg)
	case searchindex.ActionDelete:
		return h.deleteEmail(ctx, msg)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// indexEmail embeds the email's subject and body and upserts both vectors.
// Emails that vanished or were soft-deleted before the message arrived are
// skipped; the delete message that follows cleans up any stale vectors.
func (h *handler) indexEmail(ctx context.Context, msg searchindex.Message) error {
	e, err := h.emails.GetEmail(ctx, msg.AccountID, msg.EmailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		logger.InfoContext(ctx, "Email gone before indexing, skipping",
			slog.String("email_id", msg.EmailID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get email: %w", err)
	}
	if e.IsDeleted {
		return nil
	}

	ingestID := msg.IngestID
	if ingestID == "" {
		ingestID = e.IngestID
	}
	cmsg, err := h.messages.GetMessage(ctx, ingestID)
	if errors.Is(err, canonical.ErrMessageNotFound) {
		logger.InfoContext(ctx, "Canonical message gone before indexing, skipping",
			slog.String("email_id", msg.EmailID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get canonical message: %w", err)
	}

	bodyText := h.bodyText(ctx, msg.EmailID, cmsg.RawBlobID)
	if cmsg.Subject == "" && bodyText == "" {
		logger.InfoContext(ctx, "Nothing to index",
			slog.String("email_id", msg.EmailID),
		)
		return nil
	}

	if err := h.vectors.EnsureIndex(ctx, msg.AccountID); err != nil {
		return fmt.Errorf("ensure index: %w", err)
	}

	if cmsg.Subject != "" {
		if err := h.putVector(ctx, e, cmsg, "subject", cmsg.Subject); err != nil {
			return err
		}
	}
	if bodyText != "" {
		if err := h.putVector(ctx, e, cmsg, "body", bodyText); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "Email indexed",
		slog.String("account_id", msg.AccountID),
		slog.String("email_id", msg.EmailID),
	)
	return nil
}

// bodyText re-derives plain text from the raw blob. Extraction failures are
// not retryable, so they degrade to subject-only indexing.
func (h *handler) bodyText(ctx context.Context, emailID, rawBlobID string) string {
	raw, err := h.blobs.Get(ctx, rawBlobID)
	if err != nil {
		logger.WarnContext(ctx, "Raw blob unavailable, indexing subject only",
			slog.String("email_id", emailID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	text, err := ingest.ExtractText(raw, maxEmbedBytes)
	if err != nil {
		logger.WarnContext(ctx, "Text extraction failed, indexing subject only",
			slog.String("email_id", emailID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return text
}

func (h *handler) putVector(ctx context.Context, e *email.Item, cmsg *canonical.Message, vectorType, text string) error {
	data, err := h.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", vectorType, err)
	}
	if err := h.vectors.PutVector(ctx, e.AccountID, vectorstore.Vector{
		Key:      vectorKey(e.EmailID, vectorType),
		Data:     data,
		Metadata: vectorMetadata(e, cmsg, vectorType),
	}); err != nil {
		return fmt.Errorf("put %s vector: %w", vectorType, err)
	}
	return nil
}

func (h *handler) deleteEmail(ctx context.Context, msg searchindex.Message) error {
	keys := []string{
		vectorKey(msg.EmailID, "subject"),
		vectorKey(msg.EmailID, "body"),
	}
	if err := h.vectors.DeleteVectors(ctx, msg.AccountID, keys); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

func vectorKey(emailID, vectorType string) string {
	return emailID + "#" + vectorType
}

// vectorMetadata carries everything Email/query filters on, so one store
// query can answer a conjunction of text and non-text conditions.
func vectorMetadata(e *email.Item, cmsg *canonical.Message, vectorType string) map[string]any {
	mailboxIDs := make([]string, 0, len(e.MailboxIDs))
	for id, member := range e.MailboxIDs {
		if member {
			mailboxIDs = append(mailboxIDs, id)
		}
	}
	return map[string]any{
		"emailId":    e.EmailID,
		"receivedAt": e.ReceivedAt.UTC().Format(time.RFC3339),
		"mailboxIds": mailboxIDs,
		"type":       vectorType,
		"fromTokens": email.TokenizeAddresses(cmsg.From),
		"toTokens":   email.TokenizeAddresses(cmsg.To),
	}
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
	vectorBucket := os.Getenv("VECTOR_BUCKET_NAME")

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

	h := newHandler(
		email.NewRepository(dynamoClient, tableName),
		canonical.NewRepository(dynamoClient, tableName),
		blob.NewStore(s3.NewFromConfig(result.Config), blobBucket),
		embeddings.NewBedrockClient(bedrockruntime.NewFromConfig(result.Config)),
		vectorstore.NewS3VectorsClient(s3vectors.NewFromConfig(result.Config), vectorBucket, nil),
	)
	result.Start(h.handle)
}
