package searchindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes index requests to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishIndex enqueues an index request for a newly written email.
func (p *SQSPublisher) PublishIndex(ctx context.Context, accountID, emailID, ingestID string) error {
	return p.send(ctx, Message{
		AccountID: accountID,
		EmailID:   emailID,
		IngestID:  ingestID,
		Action:    ActionIndex,
	})
}

// PublishDelete enqueues removal of an email's vectors.
func (p *SQSPublisher) PublishDelete(ctx context.Context, accountID, emailID string) error {
	return p.send(ctx, Message{
		AccountID: accountID,
		EmailID:   emailID,
		Action:    ActionDelete,
	})
}

func (p *SQSPublisher) send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal index message: %w", err)
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	if err != nil {
		return fmt.Errorf("send index message: %w", err)
	}
	return nil
}
