// Package main implements the JMAP API Lambda: POST /jmap runs a full
// method-call batch against one account.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/embeddings"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/methods"
	"github.com/harbormail/jmap-backend/internal/search"
	"github.com/harbormail/jmap-backend/internal/searchindex"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
	"github.com/harbormail/jmap-backend/internal/thread"
	"github.com/harbormail/jmap-backend/internal/vectorstore"
)

const changeLogRetentionDays = 7

var logger = logging.New()

// StateReader provides the per-type counters behind the response's
// sessionState value.
type StateReader interface {
	GetCurrentState(ctx context.Context, accountID string, objectType state.ObjectType) (int64, error)
}

// handler runs JMAP request batches.
type handler struct {
	dispatcher *jmap.Dispatcher
	states     StateReader
}

func newHandler(dispatcher *jmap.Dispatcher, states StateReader) *handler {
	return &handler{dispatcher: dispatcher, states: states}
}

// requestError is the HTTP-level error body for malformed requests, per the
// JMAP problem-type vocabulary.
type requestError struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	accountID := accountIDFromRequest(&request)
	if accountID == "" {
		return jsonResponse(401, requestError{
			Type:   "urn:ietf:params:jmap:error:notRequest",
			Status: 401,
			Detail: "no authenticated account",
		}), nil
	}

	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return jsonResponse(400, requestError{
				Type:   "urn:ietf:params:jmap:error:notJSON",
				Status: 400,
				Detail: "request body is not valid base64",
			}), nil
		}
		body = decoded
	}

	var req jmap.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return jsonResponse(400, requestError{
			Type:   "urn:ietf:params:jmap:error:notJSON",
			Status: 400,
			Detail: err.Error(),
		}), nil
	}

	resp, err := h.dispatcher.Dispatch(ctx, accountID, &req)
	if err != nil {
		var unknownCap *jmap.ErrUnknownCapability
		if errors.As(err, &unknownCap) {
			return jsonResponse(400, requestError{
				Type:   "urn:ietf:params:jmap:error:unknownCapability",
				Status: 400,
				Detail: err.Error(),
			}), nil
		}
		logger.ErrorContext(ctx, "Dispatch failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return jsonResponse(500, requestError{
			Type:   "urn:ietf:params:jmap:error:serverFail",
			Status: 500,
		}), nil
	}

	resp.SessionState = h.sessionState(ctx, accountID)
	return jsonResponse(200, resp), nil
}

// sessionState is the max counter across all tracked types; any mutation
// bumps it, which is all clients need to invalidate cached sessions.
func (h *handler) sessionState(ctx context.Context, accountID string) string {
	var max int64
	for _, t := range state.TrackedTypes {
		v, err := h.states.GetCurrentState(ctx, accountID, t)
		if err != nil {
			logger.ErrorContext(ctx, "Session state read failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if v > max {
			max = v
		}
	}
	return state.FormatState(max)
}

// accountIDFromRequest extracts the caller identity: the JWT subject from
// the API Gateway authorizer, with a header fallback for direct invocation
// in tests and local stacks.
func accountIDFromRequest(request *events.APIGatewayV2HTTPRequest) string {
	if auth := request.RequestContext.Authorizer; auth != nil && auth.JWT != nil {
		if sub, ok := auth.JWT.Claims["sub"]; ok && sub != "" {
			return sub
		}
	}
	return request.Headers["x-account-id"]
}

func jsonResponse(status int, body any) events.APIGatewayV2HTTPResponse {
	data, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: 500}
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}

func envInt(name string, fallback int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return fallback
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

	dynamoClient := dynamodb.NewFromConfig(result.Config)

	// Warm the DynamoDB connection during init.
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _ = dynamoClient.GetItem(warmCtx, &dynamodb.GetItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "WARMUP"},
			"sk": &types.AttributeValueMemberS{Value: "WARMUP"},
		},
	})
	cancel()

	limits := methods.DefaultLimits()
	limits.MaxMailboxesPerEmail = envInt("MAX_MAILBOXES_PER_EMAIL", limits.MaxMailboxesPerEmail)
	limits.MaxObjectsInSet = envInt("MAX_OBJECTS_IN_SET", limits.MaxObjectsInSet)
	limits.MaxAttachmentBytes = int64(envInt("MAX_ATTACHMENT_BYTES", int(limits.MaxAttachmentBytes)))
	if domain := os.Getenv("MESSAGE_ID_DOMAIN"); domain != "" {
		limits.MessageIDDomain = domain
	}

	threads := thread.NewRepository(dynamoClient, tableName)
	states := state.NewRepository(dynamoClient, tableName, changeLogRetentionDays)

	deps := &methods.Deps{
		Mailboxes:   mailbox.NewRepository(dynamoClient, tableName),
		Emails:      email.NewRepository(dynamoClient, tableName),
		Tokens:      email.NewTokenRepository(dynamoClient, tableName),
		Threads:     threads,
		Resolver:    thread.NewResolver(threads),
		Canonical:   canonical.NewRepository(dynamoClient, tableName),
		States:      states,
		Submissions: submission.NewRepository(dynamoClient, tableName),
		Blobs:       blob.NewStore(s3.NewFromConfig(result.Config), blobBucket),
		BlobMeta:    blob.NewMetaRepository(dynamoClient, tableName),
		Writer:      dynamoClient,
		Logger:      logger,
		Limits:      limits,
	}

	if queueURL := os.Getenv("SEARCH_INDEX_QUEUE_URL"); queueURL != "" {
		deps.Indexer = searchindex.NewSQSPublisher(sqs.NewFromConfig(result.Config), queueURL)
	}
	if vectorBucket := os.Getenv("VECTOR_BUCKET_NAME"); vectorBucket != "" {
		embedder := embeddings.NewBedrockClient(bedrockruntime.NewFromConfig(result.Config))
		store := vectorstore.NewS3VectorsClient(s3vectors.NewFromConfig(result.Config), vectorBucket, nil)
		deps.Searcher = search.NewVectorSearcher(embedder, store)
	}

	dispatcher := jmap.NewDispatcher(logger)
	methods.NewHandlers(deps).RegisterAll(dispatcher)

	h := newHandler(dispatcher, states)
	result.Start(h.handle)
}
