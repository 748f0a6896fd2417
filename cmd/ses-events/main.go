// Package main implements the delivery events webhook Lambda: the provider
// posts signed SNS envelopes to POST /ses/events, and verified notifications
// reconcile per-recipient submission delivery status.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harbormail/jmap-backend/internal/awsinit"
	"github.com/harbormail/jmap-backend/internal/logging"
	"github.com/harbormail/jmap-backend/internal/snsverify"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
)

const changeLogRetentionDays = 7

var logger = logging.New()

// MessageVerifier authenticates SNS envelopes.
type MessageVerifier interface {
	Verify(ctx context.Context, msg *snsverify.Message) error
}

// SubmissionFinder resolves a provider message id to its submission.
type SubmissionFinder interface {
	FindByProviderMessage(ctx context.Context, providerMessageID string) (accountID, submissionID string, err error)
}

// EventApplier folds one provider event into a stored submission.
type EventApplier interface {
	ApplyProviderEvent(ctx context.Context, accountID, submissionID string, event submission.ProviderEvent) error
}

// Doer issues the SubscribeURL confirmation fetch.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type handler struct {
	verifier     MessageVerifier
	finder       SubmissionFinder
	reconciler   EventApplier
	client       Doer
	webhookToken string
}

func newHandler(verifier MessageVerifier, finder SubmissionFinder, reconciler EventApplier, client Doer, webhookToken string) *handler {
	return &handler{
		verifier:     verifier,
		finder:       finder,
		reconciler:   reconciler,
		client:       client,
		webhookToken: webhookToken,
	}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	token := request.QueryStringParameters["token"]
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) != 1 {
		return plainResponse(401, "bad token"), nil
	}

	var msg snsverify.Message
	if err := json.Unmarshal([]byte(request.Body), &msg); err != nil {
		return plainResponse(400, "not an SNS envelope"), nil
	}

	if err := h.verifier.Verify(ctx, &msg); err != nil {
		logger.WarnContext(ctx, "Dropping unverified SNS message",
			slog.String("message_id", msg.MessageID),
			slog.String("topic_arn", msg.TopicArn),
			slog.String("error", err.Error()),
		)
		return plainResponse(403, "verification failed"), nil
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		if err := h.confirmSubscription(ctx, msg.SubscribeURL); err != nil {
			logger.ErrorContext(ctx, "Subscription confirmation failed",
				slog.String("error", err.Error()),
			)
			return plainResponse(500, "confirmation failed"), nil
		}
		return plainResponse(200, "subscribed"), nil

	case "Notification":
		if err := h.applyNotification(ctx, msg.Message); err != nil {
			logger.ErrorContext(ctx, "Event reconciliation failed",
				slog.String("message_id", msg.MessageID),
				slog.String("error", err.Error()),
			)
			return plainResponse(500, "reconciliation failed"), nil
		}
		return plainResponse(200, "ok"), nil

	default:
		return plainResponse(200, "ignored"), nil
	}
}

// confirmSubscription fetches the SubscribeURL. Only SNS's own HTTPS
// endpoints are followed.
func (h *handler) confirmSubscription(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil {
		return fmt.Errorf("bad SubscribeURL: %w", err)
	}
	if u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return fmt.Errorf("refusing SubscribeURL host %q", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: status %d", resp.StatusCode)
	}
	return nil
}

// sesEvent is the SES notification carried inside the SNS envelope.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
	Delivery struct {
		Recipients   []string `json:"recipients"`
		SMTPResponse string   `json:"smtpResponse"`
		Timestamp    string   `json:"timestamp"`
	} `json:"delivery"`
	Bounce struct {
		BouncedRecipients []sesRecipient `json:"bouncedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"bounce"`
	Complaint struct {
		ComplainedRecipients []sesRecipient `json:"complainedRecipients"`
		Timestamp            string         `json:"timestamp"`
	} `json:"complaint"`
	Reject struct {
		Reason string `json:"reason"`
	} `json:"reject"`
	Failure struct {
		ErrorMessage string `json:"errorMessage"`
	} `json:"failure"`
	DeliveryDelay struct {
		DelayedRecipients []sesRecipient `json:"delayedRecipients"`
		Timestamp         string         `json:"timestamp"`
	} `json:"deliveryDelay"`
}

type sesRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

func (h *handler) applyNotification(ctx context.Context, payload string) error {
	var ev sesEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return fmt.Errorf("parse provider event: %w", err)
	}

	if ev.Mail.MessageID == "" {
		logger.InfoContext(ctx, "Dropping event without a provider message id")
		return nil
	}

	accountID, submissionID, err := h.finder.FindByProviderMessage(ctx, ev.Mail.MessageID)
	if errors.Is(err, submission.ErrSubmissionNotFound) {
		logger.InfoContext(ctx, "Dropping event for unknown message",
			slog.String("provider_message_id", ev.Mail.MessageID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	return h.reconciler.ApplyProviderEvent(ctx, accountID, submissionID, providerEvent(&ev))
}

// providerEvent translates the SES payload into the provider-agnostic event
// the reconciler consumes.
func providerEvent(ev *sesEvent) submission.ProviderEvent {
	eventType := ev.EventType
	if eventType == "" {
		eventType = ev.NotificationType
	}

	out := submission.ProviderEvent{Type: strings.ToLower(eventType)}
	switch out.Type {
	case submission.EventDelivery:
		out.Recipients = ev.Delivery.Recipients
		out.SMTPReply = ev.Delivery.SMTPResponse
		out.Timestamp = parseTimestamp(ev.Delivery.Timestamp)
	case submission.EventBounce:
		for _, r := range ev.Bounce.BouncedRecipients {
			out.Recipients = append(out.Recipients, r.EmailAddress)
			if out.SMTPReply == "" && r.DiagnosticCode != "" {
				out.SMTPReply = r.DiagnosticCode
			}
		}
		out.Timestamp = parseTimestamp(ev.Bounce.Timestamp)
	case submission.EventComplaint:
		for _, r := range ev.Complaint.ComplainedRecipients {
			out.Recipients = append(out.Recipients, r.EmailAddress)
		}
		out.Timestamp = parseTimestamp(ev.Complaint.Timestamp)
	case submission.EventReject:
		out.SMTPReply = ev.Reject.Reason
	case submission.EventFailure:
		out.SMTPReply = ev.Failure.ErrorMessage
	case submission.EventDeliveryDelay:
		for _, r := range ev.DeliveryDelay.DelayedRecipients {
			out.Recipients = append(out.Recipients, r.EmailAddress)
			if out.SMTPReply == "" && r.DiagnosticCode != "" {
				out.SMTPReply = r.DiagnosticCode
			}
		}
		out.Timestamp = parseTimestamp(ev.DeliveryDelay.Timestamp)
	}
	return out
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func plainResponse(status int, msg string) events.APIGatewayV2HTTPResponse {
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
	topicARN := os.Getenv("SES_EVENTS_TOPIC_ARN")
	webhookToken := os.Getenv("WEBHOOK_TOKEN")

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

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   10 * time.Second,
	}

	repo := submission.NewRepository(dynamoClient, tableName)
	states := state.NewRepository(dynamoClient, tableName, changeLogRetentionDays)

	h := newHandler(
		snsverify.NewVerifier(snsverify.NewCertCache(httpClient), topicARN),
		repo,
		submission.NewReconciler(repo, states),
		httpClient,
		webhookToken,
	)
	result.Start(h.handle)
}
