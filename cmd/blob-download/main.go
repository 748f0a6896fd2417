// Package main implements the blob download Lambda:
// GET /download/{accountId}/{blobId}/{name}?accept={type} streams granted
// blobs back to the client.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/logging"
)

var logger = logging.New()

// BlobReader fetches stored blob bytes.
type BlobReader interface {
	Get(ctx context.Context, blobID string) ([]byte, error)
}

// GrantChecker answers whether an account may read a blob.
type GrantChecker interface {
	HasGrant(ctx context.Context, accountID, blobID string) (bool, error)
}

type handler struct {
	blobs  BlobReader
	grants GrantChecker
}

func newHandler(blobs BlobReader, grants GrantChecker) *handler {
	return &handler{blobs: blobs, grants: grants}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	accountID := accountIDFromRequest(&request)
	if accountID == "" {
		return textResponse(401, "no authenticated account"), nil
	}

	// The path owner must be the authenticated account; grants are not
	// transferable across accounts.
	if owner := request.PathParameters["accountId"]; owner != "" && owner != accountID {
		return textResponse(403, "forbidden"), nil
	}

	blobID := request.PathParameters["blobId"]
	if blobID == "" {
		return textResponse(400, "missing blob id"), nil
	}

	ok, err := h.grants.HasGrant(ctx, accountID, blobID)
	if err != nil {
		logger.ErrorContext(ctx, "Grant check failed",
			slog.String("account_id", accountID),
			slog.String("blob_id", blobID),
			slog.String("error", err.Error()),
		)
		return textResponse(500, "internal error"), nil
	}
	if !ok {
		return textResponse(404, "not found"), nil
	}

	// Blobs are content addressed, so the id is a perfect ETag.
	if match := request.Headers["if-none-match"]; match != "" && match == etag(blobID) {
		return events.APIGatewayV2HTTPResponse{
			StatusCode: 304,
			Headers:    map[string]string{"ETag": etag(blobID)},
		}, nil
	}

	data, err := h.blobs.Get(ctx, blobID)
	if errors.Is(err, blob.ErrBlobNotFound) {
		return textResponse(404, "not found"), nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Blob fetch failed",
			slog.String("account_id", accountID),
			slog.String("blob_id", blobID),
			slog.String("error", err.Error()),
		)
		return textResponse(500, "internal error"), nil
	}

	contentType := request.QueryStringParameters["accept"]
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		contentType = "application/octet-stream"
	}

	headers := map[string]string{
		"Content-Type":  contentType,
		"Cache-Control": "private, immutable, max-age=31536000",
		"ETag":          etag(blobID),
	}
	if name := request.PathParameters["name"]; name != "" {
		headers["Content-Disposition"] = mime.FormatMediaType("attachment", map[string]string{"filename": name})
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode:      200,
		Headers:         headers,
		Body:            base64.StdEncoding.EncodeToString(data),
		IsBase64Encoded: true,
	}, nil
}

func etag(blobID string) string {
	return fmt.Sprintf("%q", blobID)
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
	blobBucket := os.Getenv("BLOB_BUCKET")

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

	store := blob.NewStore(s3.NewFromConfig(result.Config), blobBucket)
	grants := blob.NewMetaRepository(dynamoClient, tableName)

	h := newHandler(store, grants)
	result.Start(h.handle)
}
