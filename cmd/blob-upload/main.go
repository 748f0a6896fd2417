// Package main implements the blob upload Lambda: POST /upload/{accountId}
// stores raw bytes content-addressed and grants the account access.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
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

// defaultMaxUploadBytes is the fallback if MAX_UPLOAD_BYTES is not set.
const defaultMaxUploadBytes = 25 * 1024 * 1024

var logger = logging.New()

// BlobWriter stores raw bytes and returns their content hash.
type BlobWriter interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// GrantWriter records that an account may read a blob.
type GrantWriter interface {
	PutGrant(ctx context.Context, g *blob.Grant) error
}

type handler struct {
	blobs    BlobWriter
	grants   GrantWriter
	maxBytes int
	now      func() time.Time
}

func newHandler(blobs BlobWriter, grants GrantWriter, maxBytes int) *handler {
	return &handler{blobs: blobs, grants: grants, maxBytes: maxBytes, now: time.Now}
}

// uploadResponse is the JMAP upload result body.
type uploadResponse struct {
	AccountID string `json:"accountId"`
	BlobID    string `json:"blobId"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	accountID := accountIDFromRequest(&request)
	if accountID == "" {
		return textResponse(401, "no authenticated account"), nil
	}

	data := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return textResponse(400, "body is not valid base64"), nil
		}
		data = decoded
	}
	if len(data) == 0 {
		return textResponse(400, "empty upload"), nil
	}
	if len(data) > h.maxBytes {
		return textResponse(413, "upload exceeds maximum size"), nil
	}

	contentType := request.Headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	blobID, err := h.blobs.Put(ctx, data)
	if err != nil {
		logger.ErrorContext(ctx, "Blob store failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
		return textResponse(500, "internal error"), nil
	}

	grant := &blob.Grant{
		AccountID: accountID,
		BlobID:    blobID,
		Size:      int64(len(data)),
		Type:      contentType,
		CreatedAt: h.now().UTC(),
	}
	if err := h.grants.PutGrant(ctx, grant); err != nil {
		logger.ErrorContext(ctx, "Blob grant write failed",
			slog.String("account_id", accountID),
			slog.String("blob_id", blobID),
			slog.String("error", err.Error()),
		)
		return textResponse(500, "internal error"), nil
	}

	body, _ := json.Marshal(uploadResponse{
		AccountID: accountID,
		BlobID:    blobID,
		Type:      contentType,
		Size:      int64(len(data)),
	})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
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
	blobBucket := os.Getenv("BLOB_BUCKET")

	maxBytes := defaultMaxUploadBytes
	if s := os.Getenv("MAX_UPLOAD_BYTES"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			maxBytes = parsed
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

	store := blob.NewStore(s3.NewFromConfig(result.Config), blobBucket)
	grants := blob.NewMetaRepository(dynamoClient, tableName)

	h := newHandler(store, grants, maxBytes)
	result.Start(h.handle)
}
