// Package main implements the blob-delete SQS consumer Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/blobdelete"
	"github.com/harbormail/jmap-backend/internal/logging"
)

var logger = logging.New()

// BlobDeleter abstracts blob deletion for dependency inversion.
type BlobDeleter interface {
	Delete(ctx context.Context, blobID string) error
}

// handler implements the blob-delete SQS consumer logic.
type handler struct {
	blobDeleter BlobDeleter
}

// newHandler creates a new handler.
func newHandler(blobDeleter BlobDeleter) *handler {
	return &handler{blobDeleter: blobDeleter}
}

// handle processes an SQS event containing blob deletion messages. Failed
// messages are reported back so SQS redrives only those.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("blob-delete")
	ctx, span := tracer.Start(ctx, "BlobDeleteHandler")
	defer span.End()

	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		var msg blobdelete.BlobDeleteMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			logger.ErrorContext(ctx, "Failed to parse SQS message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		failed := false
		for _, blobID := range msg.BlobIDs {
			if err := h.blobDeleter.Delete(ctx, blobID); err != nil {
				logger.ErrorContext(ctx, "Failed to delete blob",
					slog.String("account_id", msg.AccountID),
					slog.String("blob_id", blobID),
					slog.String("error", err.Error()),
				)
				failed = true
			}
		}

		if failed {
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	logger.InfoContext(ctx, "Blob delete batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

func main() {
	ctx := context.Background()

	result, err := awsinit.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize", slog.String("error", err.Error()))
		panic(err)
	}

	blobBucket := os.Getenv("BLOB_BUCKET")
	store := blob.NewStore(s3.NewFromConfig(result.Config), blobBucket)

	h := newHandler(store)
	result.Start(h.handle)
}
