// Package main implements the session Lambda: GET /.well-known/jmap returns
// the session document for the authenticated account.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/state"
)

const changeLogRetentionDays = 7

var logger = logging.New()

// SessionSource builds session documents.
type SessionSource interface {
	Build(ctx context.Context, accountID string) (*jmap.Session, error)
}

type handler struct {
	sessions SessionSource
}

func newHandler(sessions SessionSource) *handler {
	return &handler{sessions: sessions}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	accountID := accountIDFromRequest(&request)
	if accountID == "" {
		return textResponse(401, "no authenticated account"), nil
	}

	session, err := h.sessions.Build(ctx, accountID)
	if err != nil {
		logger.ErrorContext(ctx, "Session build failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return textResponse(500, "internal error"), nil
	}

	body, err := json.Marshal(session)
	if err != nil {
		return textResponse(500, "internal error"), nil
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Cache-Control": "no-cache",
		},
		Body: string(body),
	}, nil
}

func accountIDFromRequest(request *events.APIGatewayV2HTTPRequest) string {
	if auth := request.RequestContext.Authorizer; auth != nil && auth.JWT != nil {
		if sub, ok := auth.JWT.Claims["sub"]; ok && sub != "" {
			return sub
		}
	}
	return request.Headers["x-account-id"]
}

func textResponse(status int, msg string) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Body:       msg,
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

	limits := jmap.CoreLimits{
		MaxSizeUpload:         25 * 1024 * 1024,
		MaxConcurrentUpload:   4,
		MaxSizeRequest:        10 * 1024 * 1024,
		MaxConcurrentRequests: 4,
		MaxObjectsInGet:       500,
		MaxObjectsInSet:       50,
	}

	states := state.NewRepository(dynamoClient, tableName, changeLogRetentionDays)
	builder := jmap.NewSessionBuilder(states, limits, 10,
		os.Getenv("API_URL"),
		os.Getenv("DOWNLOAD_URL"),
		os.Getenv("UPLOAD_URL"),
	)

	h := newHandler(builder)
	result.Start(h.handle)
}
