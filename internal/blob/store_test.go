package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3Client is a test double for S3 operations.
type mockS3Client struct {
	putObjectFunc    func(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getObjectFunc    func(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headObjectFunc   func(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	deleteObjectFunc func(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

func (m *mockS3Client) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, input, opts...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getObjectFunc != nil {
		return m.getObjectFunc(ctx, input, opts...)
	}
	return &s3.GetObjectOutput{}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headObjectFunc != nil {
		return m.headObjectFunc(ctx, input, opts...)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.deleteObjectFunc != nil {
		return m.deleteObjectFunc(ctx, input, opts...)
	}
	return &s3.DeleteObjectOutput{}, nil
}

func TestStore_PutUsesContentHashKey(t *testing.T) {
	data := []byte("hello blob")
	wantID := HashBytes(data)

	var gotKey string
	mock := &mockS3Client{
		putObjectFunc: func(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			gotKey = *input.Key
			return &s3.PutObjectOutput{}, nil
		},
	}

	store := NewStore(mock, "test-bucket")
	blobID, err := store.Put(context.Background(), data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if blobID != wantID {
		t.Errorf("Put() = %q, want %q", blobID, wantID)
	}
	if gotKey != "blobs/"+wantID {
		t.Errorf("object key = %q, want %q", gotKey, "blobs/"+wantID)
	}
}

func TestStore_Get(t *testing.T) {
	mock := &mockS3Client{
		getObjectFunc: func(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("content")))}, nil
		},
	}

	store := NewStore(mock, "test-bucket")
	data, err := store.Get(context.Background(), "somehash")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "content" {
		t.Errorf("Get() = %q, want %q", data, "content")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	mock := &mockS3Client{
		getObjectFunc: func(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, &s3types.NoSuchKey{}
		},
	}

	store := NewStore(mock, "test-bucket")
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Get() error = %v, want ErrBlobNotFound", err)
	}
}

func TestStore_Exists(t *testing.T) {
	mock := &mockS3Client{
		headObjectFunc: func(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			if *input.Key == "blobs/present" {
				return &s3.HeadObjectOutput{}, nil
			}
			return nil, &s3types.NotFound{}
		},
	}

	store := NewStore(mock, "test-bucket")

	exists, err := store.Exists(context.Background(), "present")
	if err != nil || !exists {
		t.Errorf("Exists(present) = %v, %v; want true, nil", exists, err)
	}
	exists, err = store.Exists(context.Background(), "absent")
	if err != nil || exists {
		t.Errorf("Exists(absent) = %v, %v; want false, nil", exists, err)
	}
}
