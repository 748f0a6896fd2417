package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
)

// EmailGet implements Email/get. Listing every email without ids is refused;
// clients page through Email/query instead.
func (h *Handlers) EmailGet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args GetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	if args.IDs == nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeInvalidArguments, "ids is required for Email/get")
	}
	if len(*args.IDs) > h.deps.Limits.MaxObjectsInSet {
		return nil, jmap.NewMethodError(jmap.ErrTypeLimitExceeded, "too many ids requested")
	}

	stateStr, err := h.deps.States.GetState(ctx, acct, state.ObjectTypeEmail)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &getResult{AccountID: acct, State: stateStr, List: []any{}, NotFound: []string{}}

	for _, id := range *args.IDs {
		view, found, err := h.loadEmailView(ctx, acct, id)
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		if !found {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		result.List = append(result.List, view)
	}
	return result, nil
}

// loadEmailView assembles the full Email object: account row, canonical
// content, and custom keyword rows. Soft-deleted emails read as absent.
func (h *Handlers) loadEmailView(ctx context.Context, acct, emailID string) (*EmailView, bool, error) {
	e, err := h.deps.Emails.GetEmail(ctx, acct, emailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if e.IsDeleted {
		return nil, false, nil
	}

	msg, err := h.deps.Canonical.GetMessage(ctx, e.IngestID)
	if errors.Is(err, canonical.ErrMessageNotFound) {
		// The reference row guarantees the canonical row outlives the
		// email; a miss means the email row is already being destroyed.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	custom, err := h.deps.Emails.GetCustomKeywords(ctx, acct, emailID)
	if err != nil {
		return nil, false, err
	}
	return emailView(e, msg, custom), true, nil
}

// EmailChanges implements Email/changes.
func (h *Handlers) EmailChanges(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args ChangesArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	return h.changes(ctx, accountID, &args, state.ObjectTypeEmail)
}
