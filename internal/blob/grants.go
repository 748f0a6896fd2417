package blob

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Sort key prefixes for blob metadata rows.
const (
	// PrefixGrant rows live under an ACCOUNT# partition: the account may
	// read this blob.
	PrefixGrant = "BLOB#"
	// PrefixUse rows live under a BLOB# partition: a canonical message
	// still needs this blob.
	PrefixUse = "USE#"
)

// Attribute names for DynamoDB items.
const (
	AttrBlobID    = "blobId"
	AttrAccountID = "accountId"
	AttrIngestID  = "ingestId"
	AttrSize      = "size"
	AttrType      = "type"
	AttrCreatedAt = "createdAt"
)

// Grant records that an account may read a blob. Accounts only ever see
// blobs they uploaded or received.
type Grant struct {
	AccountID string
	BlobID    string
	Size      int64
	// Type is the media type declared at upload, echoed on download.
	Type      string
	CreatedAt time.Time
}

// PK returns the DynamoDB partition key for this grant.
func (g *Grant) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", g.AccountID)
}

// SK returns the DynamoDB sort key for this grant.
func (g *Grant) SK() string {
	return fmt.Sprintf("%s%s", PrefixGrant, g.BlobID)
}

// Use records that a canonical message references a blob, either as its raw
// bytes or as one attachment part.
type Use struct {
	BlobID   string
	IngestID string
	// PartID is "raw" for the raw message bytes, or the attachment's
	// dotted part id.
	PartID string
}

// PK returns the DynamoDB partition key for this use.
func (u *Use) PK() string {
	return fmt.Sprintf("%s%s", dynamo.PrefixBlob, u.BlobID)
}

// SK returns the DynamoDB sort key for this use.
func (u *Use) SK() string {
	return fmt.Sprintf("%sMSG#%s#%s", PrefixUse, u.IngestID, u.PartID)
}

// MetaRepository stores blob grants and usage rows in DynamoDB.
type MetaRepository struct {
	client    dynamo.Client
	tableName string
}

// NewMetaRepository creates a new MetaRepository.
func NewMetaRepository(client dynamo.Client, tableName string) *MetaRepository {
	return &MetaRepository{
		client:    client,
		tableName: tableName,
	}
}

// HasGrant reports whether an account may read a blob.
func (r *MetaRepository) HasGrant(ctx context.Context, accountID, blobID string) (bool, error) {
	g := &Grant{AccountID: accountID, BlobID: blobID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: g.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: g.SK()},
		},
		ProjectionExpression: aws.String(dynamo.AttrPK),
	})
	if err != nil {
		return false, err
	}
	return output.Item != nil, nil
}

// PutGrant writes a grant row directly (used by the upload path, outside
// any larger transaction).
func (r *MetaRepository) PutGrant(ctx context.Context, g *Grant) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      marshalGrant(g),
	})
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// BuildPutGrantItem returns the transaction item writing a grant row.
func (r *MetaRepository) BuildPutGrantItem(g *Grant) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item:      marshalGrant(g),
		},
	}
}

// BuildDeleteGrantItem returns the transaction item removing a grant row.
func (r *MetaRepository) BuildDeleteGrantItem(accountID, blobID string) types.TransactWriteItem {
	g := &Grant{AccountID: accountID, BlobID: blobID}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: g.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: g.SK()},
			},
		},
	}
}

// BuildPutUseItem returns the transaction item recording a blob use.
func (r *MetaRepository) BuildPutUseItem(u *Use) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: u.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: u.SK()},
				AttrBlobID:    &types.AttributeValueMemberS{Value: u.BlobID},
				AttrIngestID:  &types.AttributeValueMemberS{Value: u.IngestID},
			},
		},
	}
}

// BuildDeleteUseItem returns the transaction item removing a blob use.
func (r *MetaRepository) BuildDeleteUseItem(u *Use) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: u.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: u.SK()},
			},
		},
	}
}

// HasUses reports whether any canonical message still uses the blob,
// ignoring uses belonging to the ingest ID being deleted.
func (r *MetaRepository) HasUses(ctx context.Context, blobID, excludeIngestID string) (bool, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixBlob + blobID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixUse},
		},
	})
	if err != nil {
		return false, err
	}

	excludePrefix := fmt.Sprintf("%sMSG#%s#", PrefixUse, excludeIngestID)
	for _, item := range output.Items {
		sk, ok := item[dynamo.AttrSK].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		if excludeIngestID != "" && len(sk.Value) >= len(excludePrefix) && sk.Value[:len(excludePrefix)] == excludePrefix {
			continue
		}
		return true, nil
	}
	return false, nil
}

func marshalGrant(g *Grant) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK: &types.AttributeValueMemberS{Value: g.PK()},
		dynamo.AttrSK: &types.AttributeValueMemberS{Value: g.SK()},
		AttrBlobID:    &types.AttributeValueMemberS{Value: g.BlobID},
		AttrAccountID: &types.AttributeValueMemberS{Value: g.AccountID},
		AttrSize:      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", g.Size)},
		AttrCreatedAt: &types.AttributeValueMemberS{Value: g.CreatedAt.UTC().Format(time.RFC3339)},
	}
	if g.Type != "" {
		item[AttrType] = &types.AttributeValueMemberS{Value: g.Type}
	}
	return item
}
