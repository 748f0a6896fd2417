package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/thread"
)

// ThreadGet implements Thread/get. A thread's emailIds list the live emails
// oldest first.
func (h *Handlers) ThreadGet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args GetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	if args.IDs == nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeInvalidArguments, "ids is required for Thread/get")
	}

	stateStr, err := h.deps.States.GetState(ctx, acct, state.ObjectTypeThread)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &getResult{AccountID: acct, State: stateStr, List: []any{}, NotFound: []string{}}

	for _, id := range *args.IDs {
		if _, err := h.deps.Threads.GetThread(ctx, acct, id); err != nil {
			if errors.Is(err, thread.ErrThreadNotFound) {
				result.NotFound = append(result.NotFound, id)
				continue
			}
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}

		emails, err := h.deps.Emails.FindByThreadID(ctx, acct, id)
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		view := &ThreadView{ID: id, EmailIDs: make([]string, 0, len(emails))}
		for _, e := range emails {
			view.EmailIDs = append(view.EmailIDs, e.EmailID)
		}
		result.List = append(result.List, view)
	}
	return result, nil
}

// ThreadChanges implements Thread/changes.
func (h *Handlers) ThreadChanges(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args ChangesArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	return h.changes(ctx, accountID, &args, state.ObjectTypeThread)
}
