package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
)

// SubmissionGet returns queued or settled submissions. A nil ids argument
// lists the account's full submission history.
func (h *Handlers) SubmissionGet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args GetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	stateStr, err := h.deps.States.GetState(ctx, acct, state.ObjectTypeEmailSubmission)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &getResult{
		AccountID: acct,
		State:     stateStr,
		List:      []any{},
		NotFound:  []string{},
	}

	if args.IDs == nil {
		items, err := h.deps.Submissions.ListForAccount(ctx, acct)
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		for _, s := range items {
			result.List = append(result.List, submissionView(s, h.submissionThreadID(ctx, acct, s)))
		}
		return result, nil
	}

	for _, id := range *args.IDs {
		s, err := h.deps.Submissions.GetSubmission(ctx, acct, id)
		if errors.Is(err, submission.ErrSubmissionNotFound) {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		result.List = append(result.List, submissionView(s, h.submissionThreadID(ctx, acct, s)))
	}
	return result, nil
}

// submissionThreadID resolves the thread of the submitted email, best-effort.
func (h *Handlers) submissionThreadID(ctx context.Context, acct string, s *submission.Item) string {
	e, err := h.deps.Emails.GetEmail(ctx, acct, s.EmailID)
	if err != nil {
		return ""
	}
	return e.ThreadID
}

// SubmissionChanges delegates to the shared changes logic.
func (h *Handlers) SubmissionChanges(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args ChangesArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	return h.changes(ctx, accountID, &args, state.ObjectTypeEmailSubmission)
}

// SubmissionSet queues outbound deliveries and cancels pending ones.
// Submissions are history: destroy is not supported.
func (h *Handlers) SubmissionSet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args SubmissionSetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	currentState, err := h.deps.States.CheckState(ctx, acct, state.ObjectTypeEmailSubmission, args.IfInState)
	if errors.Is(err, state.ErrStateMismatch) {
		return nil, jmap.NewMethodError(jmap.ErrTypeStateMismatch, "ifInState does not match the current submission state")
	}
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := newSetResult(acct, currentState)
	subState := currentState

	for creationID, spec := range args.Create {
		view, setErr := h.createSubmission(ctx, acct, &spec, &subState)
		if setErr != nil {
			result.NotCreated[creationID] = setErr
			continue
		}
		result.Created[creationID] = view

		// onSuccessUpdateEmail patches keyed by "#creationId" run only after
		// the referenced create committed.
		if patch, ok := args.OnSuccessUpdateEmail["#"+creationID]; ok {
			h.applySuccessEmailUpdate(ctx, acct, spec.EmailID, patch)
		}
	}

	for submissionID, update := range args.Update {
		if setErr := h.cancelSubmission(ctx, acct, submissionID, update.UndoStatus, &subState); setErr != nil {
			result.NotUpdated[submissionID] = setErr
			continue
		}
		result.Updated[submissionID] = nil
	}

	for _, submissionID := range args.Destroy {
		result.NotDestroyed[submissionID] = jmap.NewSetError(jmap.ErrTypeForbidden, "submissions cannot be destroyed")
	}

	result.NewState = state.FormatState(subState)
	return result, nil
}

func (h *Handlers) createSubmission(ctx context.Context, acct string, spec *SubmissionCreate, subState *int64) (*SubmissionView, *jmap.SetError) {
	if spec.EmailID == "" {
		return nil, jmap.NewPropertiesError("emailId is required", "emailId")
	}
	e, err := h.deps.Emails.GetEmail(ctx, acct, spec.EmailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return nil, jmap.NewPropertiesError(fmt.Sprintf("email %s does not exist", spec.EmailID), "emailId")
	}
	if err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if e.IsDeleted {
		return nil, jmap.NewPropertiesError(fmt.Sprintf("email %s does not exist", spec.EmailID), "emailId")
	}

	if spec.Envelope == nil {
		return nil, jmap.NewPropertiesError("envelope is required", "envelope")
	}
	env := submission.Envelope{MailFrom: spec.Envelope.MailFrom.Email}
	for _, rcpt := range spec.Envelope.RcptTo {
		env.RcptTo = append(env.RcptTo, rcpt.Email)
	}
	if !env.Valid() {
		return nil, jmap.NewPropertiesError("envelope must have mailFrom and at least one rcptTo", "envelope")
	}

	now := h.deps.Now().UTC()
	sendAt := now
	if spec.SendAt != nil && spec.SendAt.After(now) {
		sendAt = spec.SendAt.UTC()
	}

	deliveryStatus := make(map[string]submission.DeliveryStatus, len(env.RcptTo))
	for _, rcpt := range env.RcptTo {
		deliveryStatus[rcpt] = submission.DeliveryStatus{
			Delivered: submission.DeliveredQueued,
			Displayed: submission.DeliveredUnknown,
		}
	}

	s := &submission.Item{
		AccountID:      acct,
		SubmissionID:   h.deps.NewID(),
		EmailID:        spec.EmailID,
		IdentityID:     spec.IdentityID,
		BlobID:         e.BlobID,
		Envelope:       env,
		DeliveryStatus: deliveryStatus,
		Status:         submission.StatusPending,
		NextAttemptAt:  sendAt,
		SendAt:         sendAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	items := h.deps.Submissions.BuildCreateItems(s)
	newState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmailSubmission, *subState, []state.Change{
		{ObjectID: s.SubmissionID, ChangeType: state.ChangeTypeCreated},
	})
	items = append(items, bumpItems...)

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	*subState = newState

	return submissionView(s, e.ThreadID), nil
}

func (h *Handlers) cancelSubmission(ctx context.Context, acct, submissionID, undoStatus string, subState *int64) *jmap.SetError {
	if undoStatus != "canceled" {
		return jmap.NewPropertiesError("only undoStatus canceled is supported", "undoStatus")
	}

	err := h.deps.Submissions.Cancel(ctx, acct, submissionID)
	if errors.Is(err, submission.ErrSubmissionNotFound) {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "submission not found")
	}
	if errors.Is(err, submission.ErrClaimLost) {
		return jmap.NewSetError(jmap.ErrTypeForbidden, "submission is no longer pending")
	}
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}

	newState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmailSubmission, *subState, []state.Change{
		{ObjectID: submissionID, ChangeType: state.ChangeTypeUpdated, UpdatedProperties: []string{"undoStatus"}},
	})
	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: bumpItems}); err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	*subState = newState
	return nil
}

// applySuccessEmailUpdate runs the onSuccessUpdateEmail patch for one
// committed create. The submission itself already succeeded, so failures
// here are logged rather than surfaced.
func (h *Handlers) applySuccessEmailUpdate(ctx context.Context, acct, emailID string, patch map[string]json.RawMessage) {
	emailState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeEmail)
	if err != nil {
		h.logCleanupError(ctx, "load email state for onSuccessUpdateEmail", acct, emailID, err)
		return
	}
	batch := &emailBatch{emailState: emailState}
	if setErr := h.updateEmail(ctx, acct, emailID, patch, batch); setErr != nil {
		h.logCleanupError(ctx, "apply onSuccessUpdateEmail", acct, emailID, errors.New(setErr.Description))
	}
}
