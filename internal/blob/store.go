// Package blob provides content-addressed binary storage on S3, plus the
// per-account grant and usage records that gate access and garbage
// collection.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Error types for blob operations.
var (
	ErrBlobNotFound = errors.New("blob not found")
)

// S3Client defines the S3 operations used by the store.
type S3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store reads and writes content-addressed blobs in one S3 bucket.
type Store struct {
	client S3Client
	bucket string
}

// NewStore creates a new Store.
func NewStore(client S3Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Key returns the object key for a blob ID.
func Key(blobID string) string {
	return "blobs/" + blobID
}

// HashBytes returns the blob ID (sha-256 hex) for the given bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores the bytes under their content hash and returns the blob ID.
// Re-putting identical bytes overwrites the object with identical content.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	blobID := HashBytes(data)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(blobID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", blobID, err)
	}
	return blobID, nil
}

// Get fetches a blob's bytes.
func (s *Store) Get(ctx context.Context, blobID string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(blobID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get blob %s: %w", blobID, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blobID, err)
	}
	return data, nil
}

// Exists reports whether the blob object is present.
func (s *Store) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(blobID)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head blob %s: %w", blobID, err)
	}
	return true, nil
}

// Delete removes the blob object. Missing objects are not an error; deletes
// are best-effort and may race with each other.
func (s *Store) Delete(ctx context.Context, blobID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(blobID)),
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", blobID, err)
	}
	return nil
}
