// Package main implements the account init Lambda: an SQS consumer that
// provisions the default role mailboxes when an account is created.
// Provisioning is idempotent, so replayed events only fill in what is
// missing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/state"
)

const changeLogRetentionDays = 7

var logger = logging.New()

// EventPayload is the account lifecycle event published by the account
// service.
type EventPayload struct {
	EventType  string         `json:"eventType"`
	OccurredAt string         `json:"occurredAt"`
	AccountID  string         `json:"accountId"`
	Data       map[string]any `json:"data,omitempty"`
}

// MailboxStore lists existing mailboxes and builds creation writes.
type MailboxStore interface {
	GetAllMailboxes(ctx context.Context, accountID string) ([]*mailbox.Item, error)
	BuildPutItem(mb *mailbox.Item) types.TransactWriteItem
}

// StateStore tracks per-type state counters and change log entries.
type StateStore interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
	BuildBumpItems(accountID string, objectType state.ObjectType, currentState int64, changes []state.Change) (int64, []types.TransactWriteItem)
}

// TransactWriter executes DynamoDB transactions.
type TransactWriter interface {
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type handler struct {
	mailboxes MailboxStore
	states    StateStore
	writer    TransactWriter
	now       func() time.Time
	newID     func() string
}

func newHandler(mailboxes MailboxStore, states StateStore, writer TransactWriter) *handler {
	return &handler{
		mailboxes: mailboxes,
		states:    states,
		writer:    writer,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// handle processes a batch of account events.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("account-init")
	ctx, span := tracer.Start(ctx, "AccountInitHandler")
	defer span.End()

	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		var payload EventPayload
		if err := json.Unmarshal([]byte(record.Body), &payload); err != nil {
			logger.ErrorContext(ctx, "Failed to parse account event",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}

		if payload.EventType != "account.created" || payload.AccountID == "" {
			logger.InfoContext(ctx, "Ignoring event",
				slog.String("event_type", payload.EventType),
				slog.String("account_id", payload.AccountID),
			)
			continue
		}

		if err := h.provision(ctx, payload.AccountID); err != nil {
			logger.ErrorContext(ctx, "Failed to provision mailboxes",
				slog.String("account_id", payload.AccountID),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}

	logger.InfoContext(ctx, "Account init batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

// provision creates the default role mailboxes the account does not have
// yet, in one transaction with the mailbox state bump.
func (h *handler) provision(ctx context.Context, accountID string) error {
	existing, err := h.mailboxes.GetAllMailboxes(ctx, accountID)
	if err != nil {
		return fmt.Errorf("list mailboxes: %w", err)
	}
	haveRole := make(map[string]bool, len(existing))
	for _, mb := range existing {
		if mb.Role != "" {
			haveRole[mb.Role] = true
		}
	}

	now := h.now().UTC()
	var items []types.TransactWriteItem
	var changes []state.Change
	for i, role := range mailbox.DefaultRoles {
		if haveRole[role] {
			continue
		}
		mb := &mailbox.Item{
			AccountID:    accountID,
			MailboxID:    h.newID(),
			Name:         strings.ToUpper(role[:1]) + role[1:],
			Role:         role,
			SortOrder:    i,
			IsSubscribed: true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		items = append(items, h.mailboxes.BuildPutItem(mb))
		changes = append(changes, state.Change{ObjectID: mb.MailboxID, ChangeType: state.ChangeTypeCreated})
	}

	if len(items) == 0 {
		logger.InfoContext(ctx, "Account already provisioned",
			slog.String("account_id", accountID),
		)
		return nil
	}

	currentState, err := h.states.GetCurrentState(ctx, accountID, state.ObjectTypeMailbox)
	if err != nil {
		return fmt.Errorf("get mailbox state: %w", err)
	}
	_, bumpItems := h.states.BuildBumpItems(accountID, state.ObjectTypeMailbox, currentState, changes)
	items = append(items, bumpItems...)

	if _, err := h.writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("write mailboxes: %w", err)
	}

	logger.InfoContext(ctx, "Account provisioned",
		slog.String("account_id", accountID),
		slog.Int("created", len(changes)),
	)
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
		mailbox.NewRepository(dynamoClient, tableName),
		state.NewRepository(dynamoClient, tableName, changeLogRetentionDays),
		dynamoClient,
	)
	result.Start(h.handle)
}
