package methods

import (
	"context"
	"errors"
	"strconv"

	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
)

// getResult is the shared Foo/get response shape.
type getResult struct {
	AccountID string   `json:"accountId"`
	State     string   `json:"state"`
	List      []any    `json:"list"`
	NotFound  []string `json:"notFound"`
}

// changesResult is the shared Foo/changes response shape.
type changesResult struct {
	AccountID         string   `json:"accountId"`
	OldState          string   `json:"oldState"`
	NewState          string   `json:"newState"`
	HasMoreChanges    bool     `json:"hasMoreChanges"`
	Created           []string `json:"created"`
	Updated           []string `json:"updated"`
	Destroyed         []string `json:"destroyed"`
	UpdatedProperties []string `json:"updatedProperties,omitempty"`
}

// setResult is the shared Foo/set response shape.
type setResult struct {
	AccountID    string                    `json:"accountId"`
	OldState     string                    `json:"oldState"`
	NewState     string                    `json:"newState"`
	Created      map[string]any            `json:"created"`
	Updated      map[string]any            `json:"updated"`
	Destroyed    []string                  `json:"destroyed"`
	NotCreated   map[string]*jmap.SetError `json:"notCreated"`
	NotUpdated   map[string]*jmap.SetError `json:"notUpdated"`
	NotDestroyed map[string]*jmap.SetError `json:"notDestroyed"`
}

func newSetResult(accountID string, oldState int64) *setResult {
	return &setResult{
		AccountID:    accountID,
		OldState:     state.FormatState(oldState),
		Created:      make(map[string]any),
		Updated:      make(map[string]any),
		Destroyed:    []string{},
		NotCreated:   make(map[string]*jmap.SetError),
		NotUpdated:   make(map[string]*jmap.SetError),
		NotDestroyed: make(map[string]*jmap.SetError),
	}
}

// effectiveAccount picks the argument accountId when present, the
// authenticated account otherwise.
func effectiveAccount(argAccount, authAccount string) string {
	if argAccount != "" {
		return argAccount
	}
	return authAccount
}

// changes runs the shared Foo/changes logic for one object type.
func (h *Handlers) changes(ctx context.Context, accountID string, args *ChangesArgs, objectType state.ObjectType) (any, *jmap.MethodError) {
	acct := effectiveAccount(args.AccountID, accountID)

	sinceState, err := strconv.ParseInt(args.SinceState, 10, 64)
	if err != nil || sinceState < 0 {
		return nil, jmap.NewMethodError(jmap.ErrTypeInvalidArguments, "sinceState must be a state string")
	}

	result, err := h.deps.States.GetChanges(ctx, acct, objectType, sinceState, args.MaxChanges, state.ChangesOptions{
		IncludeUpdatedProperties: true,
	})
	if err != nil {
		if errors.Is(err, state.ErrCannotCalculateChanges) {
			return nil, jmap.NewMethodError(jmap.ErrTypeCannotCalcChanges, "sinceState predates retained change history")
		}
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	return &changesResult{
		AccountID:         acct,
		OldState:          result.OldState,
		NewState:          result.NewState,
		HasMoreChanges:    result.HasMoreChanges,
		Created:           result.Created,
		Updated:           result.Updated,
		Destroyed:         result.Destroyed,
		UpdatedProperties: result.UpdatedProperties,
	}, nil
}
