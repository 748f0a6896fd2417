// Package blobdelete queues blob removals for asynchronous processing.
// Destroying a message answers the caller immediately; the orphaned blob
// objects are reference-checked and deleted later by the queue consumer.
package blobdelete

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// BlobDeletePublisher enqueues candidate blob deletions for one account.
type BlobDeletePublisher interface {
	PublishBlobDeletions(ctx context.Context, accountID string, blobIDs []string) error
}

// BlobDeleteMessage is the queue payload. BlobIDs are candidates; the
// consumer drops any that still have live references.
type BlobDeleteMessage struct {
	AccountID string   `json:"accountId"`
	BlobIDs   []string `json:"blobIds"`
}

// SQSSender is the slice of the SQS API the publisher needs.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher implements BlobDeletePublisher on one SQS queue.
type SQSPublisher struct {
	sender   SQSSender
	queueURL string
}

// NewSQSPublisher creates a publisher for the given queue URL.
func NewSQSPublisher(sender SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{sender: sender, queueURL: queueURL}
}

// PublishBlobDeletions sends one message carrying all candidate blob IDs.
// An empty candidate list sends nothing.
func (p *SQSPublisher) PublishBlobDeletions(ctx context.Context, accountID string, blobIDs []string) error {
	if len(blobIDs) == 0 {
		return nil
	}

	body, err := json.Marshal(BlobDeleteMessage{AccountID: accountID, BlobIDs: blobIDs})
	if err != nil {
		return fmt.Errorf("marshal blob delete message: %w", err)
	}

	_, err = p.sender.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueue blob deletions for %s: %w", accountID, err)
	}
	return nil
}
