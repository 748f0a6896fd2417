// Package submission implements the outbound delivery queue: pending
// submissions with bounded retry, a claim compare-and-swap guaranteeing at
// most one in-flight send per submission, and provider-webhook
// reconciliation.
package submission

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the queue state of a submission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Delivered values for per-recipient delivery status.
const (
	DeliveredQueued  = "queued"
	DeliveredYes     = "yes"
	DeliveredNo      = "no"
	DeliveredUnknown = "unknown"
)

// DeliveryStatus is the per-recipient outcome of a submission. One
// submission can have several recipients whose outcomes evolve
// independently.
type DeliveryStatus struct {
	// SMTPReply is an SMTP-reply-style line: code, enhanced status, text.
	SMTPReply string `json:"smtpReply"`
	// Delivered is one of queued/yes/no/unknown.
	Delivered string `json:"delivered"`
	// Displayed is a placeholder for read-receipt support; always "unknown".
	Displayed string `json:"displayed"`
}

// Envelope is the SMTP envelope of a submission.
type Envelope struct {
	MailFrom string   `json:"mailFrom"`
	RcptTo   []string `json:"rcptTo"`
}

// Valid reports whether the envelope can be sent at all. An invalid
// envelope is a permanent failure; no retry can fix it.
func (e *Envelope) Valid() bool {
	if e.MailFrom == "" || len(e.RcptTo) == 0 {
		return false
	}
	for _, rcpt := range e.RcptTo {
		if rcpt == "" {
			return false
		}
	}
	return true
}

// MarshalEnvelope serializes an envelope for storage.
func MarshalEnvelope(e *Envelope) string {
	b, _ := json.Marshal(e)
	return string(b)
}

// UnmarshalEnvelope parses a stored envelope.
func UnmarshalEnvelope(s string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return &e, nil
}

// Item is one queued outbound delivery request.
type Item struct {
	AccountID      string
	SubmissionID   string
	EmailID        string
	IdentityID     string
	BlobID         string // raw MIME content hash
	Envelope       Envelope
	DeliveryStatus map[string]DeliveryStatus
	RetryCount     int
	NextAttemptAt  time.Time
	Status         Status
	SendAt         time.Time
	// ProviderMessageID is the id the outbound provider assigned on accept.
	// Webhook events carry it back; empty until the first accepted send.
	ProviderMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PK returns the DynamoDB partition key for this submission.
func (s *Item) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", s.AccountID)
}

// SK returns the DynamoDB sort key for this submission.
func (s *Item) SK() string {
	return fmt.Sprintf("%s%s", PrefixSubmit, s.SubmissionID)
}

// QueuePointer is the scheduler-facing row for a pending submission. All
// pointers share one partition so a single query finds everything due,
// ordered by creation time within the due window.
type QueuePointer struct {
	AccountID     string
	SubmissionID  string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// PK returns the queue partition key.
func (q *QueuePointer) PK() string {
	return QueuePartition
}

// SK orders pointers by next attempt time, then creation time.
func (q *QueuePointer) SK() string {
	return fmt.Sprintf("%s%s#%s#ACCOUNT#%s#%s",
		PrefixDue,
		q.NextAttemptAt.UTC().Format(time.RFC3339),
		q.CreatedAt.UTC().Format(time.RFC3339),
		q.AccountID, q.SubmissionID)
}
