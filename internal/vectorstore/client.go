// Package vectorstore keeps per-account embedding indexes in S3 Vectors.
// Each account gets its own index so queries never cross account
// boundaries, and index creation is lazy on first write.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	s3vdocument "github.com/aws/aws-sdk-go-v2/service/s3vectors/document"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/types"
)

const (
	// IndexDimensions matches the Titan Text Embeddings v2 output width.
	IndexDimensions = 1024
	// IndexPrefix namespaces account indexes within the vector bucket.
	IndexPrefix = "acct-"
)

// Vector is one embedding with its key and optional metadata document.
type Vector struct {
	Key      string
	Data     []float32
	Metadata map[string]any
}

// QueryRequest describes a nearest-neighbor search.
type QueryRequest struct {
	Vector []float32
	TopK   int32
	Filter map[string]any // S3 Vectors metadata filter, nil for none
}

// QueryResult is one match returned from a query.
type QueryResult struct {
	Key      string
	Distance float32
	Metadata map[string]any
}

// Store is the vector index surface the search and indexing paths use.
type Store interface {
	EnsureIndex(ctx context.Context, accountID string) error
	PutVector(ctx context.Context, accountID string, vector Vector) error
	DeleteVectors(ctx context.Context, accountID string, keys []string) error
	QueryVectors(ctx context.Context, accountID string, req QueryRequest) ([]QueryResult, error)
}

// S3VectorsAPI is the slice of the S3 Vectors API the client needs.
type S3VectorsAPI interface {
	CreateIndex(ctx context.Context, params *s3vectors.CreateIndexInput, optFns ...func(*s3vectors.Options)) (*s3vectors.CreateIndexOutput, error)
	PutVectors(ctx context.Context, params *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error)
	DeleteVectors(ctx context.Context, params *s3vectors.DeleteVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.DeleteVectorsOutput, error)
	QueryVectors(ctx context.Context, params *s3vectors.QueryVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.QueryVectorsOutput, error)
}

// S3VectorsClient implements Store on a single S3 Vectors bucket.
type S3VectorsClient struct {
	api    S3VectorsAPI
	bucket string
	tags   map[string]string

	mu    sync.Mutex
	ready map[string]bool // indexes confirmed to exist this process
}

// NewS3VectorsClient creates a client for the given vector bucket. Tags are
// applied to every index it creates.
func NewS3VectorsClient(api S3VectorsAPI, bucket string, tags map[string]string) *S3VectorsClient {
	return &S3VectorsClient{
		api:    api,
		bucket: bucket,
		tags:   tags,
		ready:  make(map[string]bool),
	}
}

func accountIndex(accountID string) string {
	return IndexPrefix + accountID
}

func (c *S3VectorsClient) markReady(name string) {
	c.mu.Lock()
	c.ready[name] = true
	c.mu.Unlock()
}

// EnsureIndex creates the account's index when it does not exist yet. A
// conflict from a concurrent or earlier creation counts as success.
func (c *S3VectorsClient) EnsureIndex(ctx context.Context, accountID string) error {
	name := accountIndex(accountID)

	c.mu.Lock()
	known := c.ready[name]
	c.mu.Unlock()
	if known {
		return nil
	}

	_, err := c.api.CreateIndex(ctx, &s3vectors.CreateIndexInput{
		VectorBucketName: aws.String(c.bucket),
		IndexName:        aws.String(name),
		Dimension:        aws.Int32(IndexDimensions),
		DataType:         types.DataTypeFloat32,
		DistanceMetric:   types.DistanceMetricCosine,
		Tags:             c.tags,
	})
	if err != nil {
		var conflict *types.ConflictException
		if !errors.As(err, &conflict) {
			return fmt.Errorf("create index %s: %w", name, err)
		}
	}

	c.markReady(name)
	return nil
}

// PutVector upserts one vector into the account's index.
func (c *S3VectorsClient) PutVector(ctx context.Context, accountID string, vector Vector) error {
	entry := types.PutInputVector{
		Key:  aws.String(vector.Key),
		Data: &types.VectorDataMemberFloat32{Value: vector.Data},
	}
	if vector.Metadata != nil {
		entry.Metadata = s3vdocument.NewLazyDocument(vector.Metadata)
	}

	_, err := c.api.PutVectors(ctx, &s3vectors.PutVectorsInput{
		VectorBucketName: aws.String(c.bucket),
		IndexName:        aws.String(accountIndex(accountID)),
		Vectors:          []types.PutInputVector{entry},
	})
	if err != nil {
		return fmt.Errorf("put vector %s: %w", vector.Key, err)
	}
	return nil
}

// DeleteVectors removes the keyed vectors from the account's index. An
// empty key list is a no-op.
func (c *S3VectorsClient) DeleteVectors(ctx context.Context, accountID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := c.api.DeleteVectors(ctx, &s3vectors.DeleteVectorsInput{
		VectorBucketName: aws.String(c.bucket),
		IndexName:        aws.String(accountIndex(accountID)),
		Keys:             keys,
	})
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// QueryVectors runs an approximate nearest-neighbor search against the
// account's index and returns matches with distances and metadata.
func (c *S3VectorsClient) QueryVectors(ctx context.Context, accountID string, req QueryRequest) ([]QueryResult, error) {
	input := &s3vectors.QueryVectorsInput{
		VectorBucketName: aws.String(c.bucket),
		IndexName:        aws.String(accountIndex(accountID)),
		QueryVector:      &types.VectorDataMemberFloat32{Value: req.Vector},
		TopK:             aws.Int32(req.TopK),
		ReturnMetadata:   true,
		ReturnDistance:   true,
	}
	if req.Filter != nil {
		input.Filter = s3vdocument.NewLazyDocument(req.Filter)
	}

	out, err := c.api.QueryVectors(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	results := make([]QueryResult, 0, len(out.Vectors))
	for _, v := range out.Vectors {
		res := QueryResult{}
		if v.Key != nil {
			res.Key = *v.Key
		}
		if v.Distance != nil {
			res.Distance = *v.Distance
		}
		if v.Metadata != nil {
			var meta map[string]any
			if err := v.Metadata.UnmarshalSmithyDocument(&meta); err == nil {
				res.Metadata = meta
			}
		}
		results = append(results, res)
	}
	return results, nil
}
