package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESClient defines the SES operations used by the transport.
type SESClient interface {
	SendEmail(ctx context.Context, input *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends raw messages through Amazon SES.
type SES struct {
	client SESClient
}

// NewSES creates a new SES transport.
func NewSES(client SESClient) *SES {
	return &SES{client: client}
}

// Send submits the raw message to SES. SES accepting the message only means
// it is queued; final per-recipient outcomes arrive as delivery events.
func (s *SES) Send(ctx context.Context, mailFrom string, rcptTo []string, raw []byte) (*Result, error) {
	output, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(mailFrom),
		Destination: &sestypes.Destination{
			ToAddresses: rcptTo,
		},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return classifySESError(err), nil
	}

	result := &Result{
		Accepted: true,
		Code:     250,
		Reason:   "queued",
	}
	if output.MessageId != nil {
		result.ProviderMessageID = *output.MessageId
	}
	return result, nil
}

// classifySESError maps SES API errors onto permanent vs transient
// rejections. Unknown errors stay transient so the retry schedule gets a
// chance.
func classifySESError(err error) *Result {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return &Result{
			Permanent: true,
			Code:      550,
			Reason:    fmt.Sprintf("message rejected: %s", rejected.ErrorMessage()),
		}
	}

	var notFound *sestypes.NotFoundException
	if errors.As(err, &notFound) {
		return &Result{
			Permanent: true,
			Code:      550,
			Reason:    fmt.Sprintf("sending identity not found: %s", notFound.ErrorMessage()),
		}
	}

	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return &Result{
			Permanent: false,
			Code:      451,
			Reason:    "sending paused for account",
		}
	}

	var tooMany *sestypes.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return &Result{
			Permanent: false,
			Code:      451,
			Reason:    "provider rate limit",
		}
	}

	return &Result{
		Permanent: false,
		Code:      451,
		Reason:    err.Error(),
	}
}
