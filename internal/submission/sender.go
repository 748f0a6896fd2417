package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/transport"
)

// EmailStore is the email lookup used for send preconditions.
type EmailStore interface {
	GetEmail(ctx context.Context, accountID, emailID string) (*email.Item, error)
}

// BlobStore fetches raw message bytes.
type BlobStore interface {
	Get(ctx context.Context, blobID string) ([]byte, error)
}

// StateBumper records submission status transitions in the change log.
type StateBumper interface {
	BumpState(ctx context.Context, accountID string, objectType state.ObjectType, objectID string, changeType state.ChangeType) (int64, error)
}

// Sender drains the due queue: claim, send, settle.
type Sender struct {
	repo      *Repository
	emails    EmailStore
	blobs     BlobStore
	transport transport.Transport
	states    StateBumper
	logger    *slog.Logger
	now       func() time.Time
}

// NewSender creates a new Sender.
func NewSender(repo *Repository, emails EmailStore, blobs BlobStore, t transport.Transport, states StateBumper, logger *slog.Logger) *Sender {
	return &Sender{
		repo:      repo,
		emails:    emails,
		blobs:     blobs,
		transport: t,
		states:    states,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessDue claims and sends everything due, up to limit. Submissions are
// processed sequentially in due order; one failed submission does not stop
// the sweep.
func (s *Sender) ProcessDue(ctx context.Context, limit int32) (int, error) {
	pointers, err := s.repo.ListDue(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due submissions: %w", err)
	}

	processed := 0
	for _, p := range pointers {
		ok, err := s.ProcessOne(ctx, p)
		if err != nil {
			s.logger.Error("Failed to process submission",
				slog.String("account_id", p.AccountID),
				slog.String("submission_id", p.SubmissionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// ProcessOne handles a single due pointer, reporting whether an attempt was
// made. Losing the claim race is not an error; the winner owns the pointer,
// unless the submission left the queue entirely, in which case the stale
// pointer is dropped here so it stops consuming sweep slots.
func (s *Sender) ProcessOne(ctx context.Context, p *QueuePointer) (bool, error) {
	now := s.now()

	err := s.repo.ClaimSending(ctx, p.AccountID, p.SubmissionID, now)
	if errors.Is(err, ErrClaimLost) {
		s.dropStalePointer(ctx, p)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sub, err := s.repo.GetSubmission(ctx, p.AccountID, p.SubmissionID)
	if err != nil {
		return false, err
	}
	sub.Status = StatusSending
	// RetryCount counts attempts, this one included.
	sub.RetryCount++

	raw, failReason, err := s.loadSendable(ctx, sub)
	if err != nil {
		return false, err
	}
	if failReason != "" {
		return true, s.settlePermanentFailure(ctx, sub, p, "550 5.0.0 "+failReason)
	}

	result, err := s.transport.Send(ctx, sub.Envelope.MailFrom, sub.Envelope.RcptTo, raw)
	if err != nil {
		// Transport-level error with no verdict counts as transient.
		result = &transport.Result{Accepted: false, Permanent: false, Reason: err.Error()}
	}

	switch {
	case result.Accepted:
		return true, s.settleAccepted(ctx, sub, p, result)
	case result.Permanent:
		return true, s.settlePermanentFailure(ctx, sub, p, smtpReply(result, "5.0.0", "permanent failure"))
	default:
		return true, s.settleTransientFailure(ctx, sub, p, result, now)
	}
}

// dropStalePointer removes a pointer whose submission is no longer pending.
// Cancellations and webhook terminations delete their own pointer, but a
// partial failure there would otherwise leave this row re-scanned by every
// sweep. Best-effort: a failure here just defers the removal to the next
// sweep.
func (s *Sender) dropStalePointer(ctx context.Context, p *QueuePointer) {
	sub, err := s.repo.GetSubmission(ctx, p.AccountID, p.SubmissionID)
	if err != nil && !errors.Is(err, ErrSubmissionNotFound) {
		return
	}
	if err == nil && sub.Status == StatusPending {
		// Still queued; the claim failed because the pointer raced a
		// retry reschedule or another invocation. Leave it alone.
		return
	}
	if err := s.repo.DeleteQueuePointer(ctx, p); err != nil {
		s.logger.Warn("stale queue pointer removal failed",
			"submissionId", p.SubmissionID, "error", err)
	}
}

// loadSendable verifies send preconditions and returns the raw message. A
// non-empty failReason means the submission can never succeed.
func (s *Sender) loadSendable(ctx context.Context, sub *Item) (raw []byte, failReason string, err error) {
	if !sub.Envelope.Valid() {
		return nil, "invalid envelope", nil
	}

	e, err := s.emails.GetEmail(ctx, sub.AccountID, sub.EmailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return nil, "message no longer exists", nil
	}
	if err != nil {
		return nil, "", err
	}
	if e.IsDeleted {
		return nil, "message no longer exists", nil
	}

	raw, err = s.blobs.Get(ctx, sub.BlobID)
	if errors.Is(err, blob.ErrBlobNotFound) {
		return nil, "message content no longer exists", nil
	}
	if err != nil {
		return nil, "", err
	}
	return raw, "", nil
}

func (s *Sender) settleAccepted(ctx context.Context, sub *Item, p *QueuePointer, result *transport.Result) error {
	sub.Status = StatusSent
	sub.ProviderMessageID = result.ProviderMessageID
	setAllRecipients(sub, DeliveryStatus{
		SMTPReply: smtpReply(result, "2.0.0", "accepted"),
		Delivered: DeliveredQueued,
		Displayed: DeliveredUnknown,
	})
	if err := s.settle(ctx, sub, p, nil); err != nil {
		return err
	}
	if sub.ProviderMessageID != "" {
		if err := s.repo.PutProviderPointer(ctx, sub.ProviderMessageID, sub.AccountID, sub.SubmissionID); err != nil {
			// Reconciliation degrades to dropped events; the send itself
			// already settled.
			s.logger.Warn("provider pointer write failed",
				"submissionId", sub.SubmissionID, "error", err)
		}
	}
	return nil
}

func (s *Sender) settlePermanentFailure(ctx context.Context, sub *Item, p *QueuePointer, reply string) error {
	sub.Status = StatusFailed
	setAllRecipients(sub, DeliveryStatus{
		SMTPReply: reply,
		Delivered: DeliveredNo,
		Displayed: DeliveredUnknown,
	})
	return s.settle(ctx, sub, p, nil)
}

func (s *Sender) settleTransientFailure(ctx context.Context, sub *Item, p *QueuePointer, result *transport.Result, now time.Time) error {
	next, ok := NextAttempt(now, sub.RetryCount)
	if !ok {
		return s.settlePermanentFailure(ctx, sub, p, smtpReply(result, "4.0.0", "retries exhausted"))
	}

	sub.Status = StatusPending
	sub.NextAttemptAt = next
	setAllRecipients(sub, DeliveryStatus{
		SMTPReply: smtpReply(result, "4.0.0", "transient failure"),
		Delivered: DeliveredQueued,
		Displayed: DeliveredUnknown,
	})

	newPointer := &QueuePointer{
		AccountID:     sub.AccountID,
		SubmissionID:  sub.SubmissionID,
		NextAttemptAt: next,
		CreatedAt:     sub.CreatedAt,
	}
	return s.settle(ctx, sub, p, newPointer)
}

// settle writes the submission row, swaps the queue pointer, and records
// the status transition in the change log.
func (s *Sender) settle(ctx context.Context, sub *Item, oldPointer, newPointer *QueuePointer) error {
	if err := s.repo.Settle(ctx, sub); err != nil {
		return err
	}
	if err := s.repo.DeleteQueuePointer(ctx, oldPointer); err != nil {
		return err
	}
	if newPointer != nil {
		if err := s.repo.PutQueuePointer(ctx, newPointer); err != nil {
			return err
		}
	}
	if _, err := s.states.BumpState(ctx, sub.AccountID, state.ObjectTypeEmailSubmission, sub.SubmissionID, state.ChangeTypeUpdated); err != nil {
		return fmt.Errorf("record submission change: %w", err)
	}
	return nil
}

// setAllRecipients overwrites the delivery status of every envelope
// recipient with the same outcome.
func setAllRecipients(sub *Item, ds DeliveryStatus) {
	if sub.DeliveryStatus == nil {
		sub.DeliveryStatus = make(map[string]DeliveryStatus, len(sub.Envelope.RcptTo))
	}
	for _, rcpt := range sub.Envelope.RcptTo {
		sub.DeliveryStatus[rcpt] = ds
	}
}

func smtpReply(result *transport.Result, defaultEnhanced, defaultReason string) string {
	code := result.Code
	if code == 0 {
		if result.Accepted {
			code = 250
		} else if result.Permanent {
			code = 550
		} else {
			code = 451
		}
	}
	enhanced := result.EnhancedCode
	if enhanced == "" {
		enhanced = defaultEnhanced
	}
	reason := result.Reason
	if reason == "" {
		reason = defaultReason
	}
	return fmt.Sprintf("%d %s %s", code, enhanced, reason)
}
