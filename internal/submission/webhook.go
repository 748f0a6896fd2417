package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/harbormail/jmap-backend/internal/state"
)

// Provider event types carried by delivery webhooks.
const (
	EventDelivery      = "delivery"
	EventBounce        = "bounce"
	EventComplaint     = "complaint"
	EventReject        = "reject"
	EventFailure       = "failure"
	EventDeliveryDelay = "deliverydelay"
)

// ProviderEvent is one delivery notification from the mail provider.
type ProviderEvent struct {
	Type string
	// Recipients the event applies to. Empty means every envelope
	// recipient.
	Recipients []string
	// SMTPReply is the provider's diagnostic line, when available.
	SMTPReply string
	Timestamp time.Time
}

// Reconciler folds provider delivery events back into stored submissions.
type Reconciler struct {
	repo   *Repository
	states StateBumper
}

// NewReconciler creates a new Reconciler.
func NewReconciler(repo *Repository, states StateBumper) *Reconciler {
	return &Reconciler{repo: repo, states: states}
}

// deliveredForEvent maps a provider event type onto the per-recipient
// delivered value. The second return is false for event types that carry no
// delivery verdict.
func deliveredForEvent(eventType string) (string, bool) {
	switch eventType {
	case EventDelivery:
		return DeliveredYes, true
	case EventBounce, EventReject, EventFailure:
		return DeliveredNo, true
	case EventComplaint:
		// A complaint implies the message reached the recipient.
		return DeliveredYes, true
	case EventDeliveryDelay:
		// Still in the provider's queue; only the diagnostic changes.
		return DeliveredQueued, true
	default:
		return "", false
	}
}

// reconciledStatus derives the queue status implied by the delivery-status
// map once every recipient reached the same verdict. The second return is
// false while any recipient is still undecided or the outcomes are mixed.
func reconciledStatus(sub *Item) (Status, bool) {
	if len(sub.DeliveryStatus) == 0 {
		return "", false
	}
	allNo, allYes := true, true
	for _, ds := range sub.DeliveryStatus {
		if ds.Delivered != DeliveredNo {
			allNo = false
		}
		if ds.Delivered != DeliveredYes {
			allYes = false
		}
	}
	switch {
	case allNo:
		return StatusFailed, true
	case allYes:
		return StatusSent, true
	}
	return "", false
}

// ApplyProviderEvent updates per-recipient delivery status from a provider
// event and records the change. When every recipient lands on the same
// verdict the queue status follows: an all-recipients bounce fails the
// submission and pulls it out of the retry queue, so the sweep cannot
// re-send a message the provider already refused. Events for unknown
// recipients or unknown event types are ignored; webhooks replay and arrive
// out of order.
func (r *Reconciler) ApplyProviderEvent(ctx context.Context, accountID, submissionID string, event ProviderEvent) error {
	delivered, ok := deliveredForEvent(event.Type)
	if !ok {
		return nil
	}

	sub, err := r.repo.GetSubmission(ctx, accountID, submissionID)
	if err != nil {
		return err
	}

	recipients := event.Recipients
	if len(recipients) == 0 {
		recipients = sub.Envelope.RcptTo
	}

	changed := false
	for _, rcpt := range recipients {
		ds, exists := sub.DeliveryStatus[rcpt]
		if !exists {
			continue
		}
		// "no" and "yes" are final; a late queued-style event must not
		// regress a settled recipient.
		if ds.Delivered == DeliveredYes || ds.Delivered == DeliveredNo {
			continue
		}
		prev := ds
		ds.Delivered = delivered
		if event.SMTPReply != "" {
			ds.SMTPReply = event.SMTPReply
		}
		if ds.Displayed == "" {
			ds.Displayed = DeliveredUnknown
		}
		if ds != prev {
			sub.DeliveryStatus[rcpt] = ds
			changed = true
		}
	}
	if !changed {
		return nil
	}

	prev := sub.Status
	if next, settled := reconciledStatus(sub); settled &&
		sub.Status != StatusFailed && sub.Status != StatusCanceled {
		sub.Status = next
	}

	if err := r.repo.Settle(ctx, sub); err != nil {
		return err
	}
	// A submission terminated while still queued leaves a pointer the sweep
	// would keep claiming.
	if prev == StatusPending && sub.Status != StatusPending {
		if err := r.repo.DeleteQueuePointer(ctx, &QueuePointer{
			AccountID:     sub.AccountID,
			SubmissionID:  sub.SubmissionID,
			NextAttemptAt: sub.NextAttemptAt,
			CreatedAt:     sub.CreatedAt,
		}); err != nil {
			return err
		}
	}
	if _, err := r.states.BumpState(ctx, accountID, state.ObjectTypeEmailSubmission, submissionID, state.ChangeTypeUpdated); err != nil {
		return fmt.Errorf("record submission change: %w", err)
	}
	return nil
}
