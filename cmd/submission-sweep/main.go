// Package main implements the submission sweep Lambda: an EventBridge
// schedule drains due outbound submissions through the provider transport.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"go.opentelemetry.io/otel"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
	"github.com/harbormail/jmap-backend/internal/transport"
)

const (
	changeLogRetentionDays = 7
	defaultSweepLimit      = 25
)

var logger = logging.New()

// DueProcessor drains the due submission queue.
type DueProcessor interface {
	ProcessDue(ctx context.Context, limit int32) (int, error)
}

type handler struct {
	sender DueProcessor
	limit  int32
}

func newHandler(sender DueProcessor, limit int32) *handler {
	return &handler{sender: sender, limit: limit}
}

func (h *handler) handle(ctx context.Context, event events.CloudWatchEvent) error {
	tracer := otel.Tracer("submission-sweep")
	ctx, span := tracer.Start(ctx, "SubmissionSweepHandler")
	defer span.End()

	processed, err := h.sender.ProcessDue(ctx, h.limit)
	if err != nil {
		logger.ErrorContext(ctx, "Sweep failed",
			slog.Int("processed", processed),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.InfoContext(ctx, "Sweep completed", slog.Int("processed", processed))
	return nil
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

	limit := int32(defaultSweepLimit)
	if s := os.Getenv("SWEEP_LIMIT"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = int32(parsed)
		}
	}

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

	sender := submission.NewSender(
		submission.NewRepository(dynamoClient, tableName),
		email.NewRepository(dynamoClient, tableName),
		blob.NewStore(s3.NewFromConfig(result.Config), blobBucket),
		transport.NewSES(sesv2.NewFromConfig(result.Config)),
		state.NewRepository(dynamoClient, tableName, changeLogRetentionDays),
		logger,
	)

	h := newHandler(sender, limit)
	result.Start(h.handle)
}
