package methods

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/filter"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
)

const defaultQueryLimit = 25

// queryResult is the Email/query response shape. Query state tracking is not
// implemented, so canCalculateChanges is always false.
type queryResult struct {
	AccountID           string   `json:"accountId"`
	QueryState          string   `json:"queryState"`
	CanCalculateChanges bool     `json:"canCalculateChanges"`
	Position            int      `json:"position"`
	IDs                 []string `json:"ids"`
}

// EmailQuery lists email ids matching a filter. Filters flatten to a single
// conjunction; text conditions go to the vector searcher, address conditions
// to the token index, and the rest to the membership rows.
func (h *Handlers) EmailQuery(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args EmailQueryArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	cond, err := filter.Flatten(args.Filter)
	if err != nil {
		if errors.Is(err, filter.ErrUnsupported) {
			return nil, jmap.NewMethodError(jmap.ErrTypeUnsupportedFilter, err.Error())
		}
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	ascending, methodErr := querySort(args.Sort)
	if methodErr != nil {
		return nil, methodErr
	}

	position := args.Position
	if position < 0 {
		position = 0
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	currentState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeEmail)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	var ids []string
	switch {
	case cond.Text != "" || cond.Subject != "" || cond.Body != "":
		if h.deps.Searcher == nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeUnsupportedFilter, "text search is not available")
		}
		if ascending {
			// Relevance results come back newest first only.
			return nil, jmap.NewMethodError(jmap.ErrTypeUnsupportedSort, "text search results cannot be sorted ascending")
		}
		res, err := h.deps.Searcher.Search(ctx, acct, cond, position, limit)
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		ids = res.IDs

	case cond.From != "" || cond.To != "":
		ids, methodErr = h.queryTokens(ctx, acct, cond, position, limit, ascending)
		if methodErr != nil {
			return nil, methodErr
		}

	default:
		res, err := h.deps.Emails.QueryEmails(ctx, acct, &email.QueryRequest{
			InMailbox: cond.InMailbox,
			Sort:      []email.SortComparator{{Property: "receivedAt", IsAscending: ascending}},
			Position:  position,
			Limit:     limit,
		})
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		ids = res.IDs
	}

	if ids == nil {
		ids = []string{}
	}
	return &queryResult{
		AccountID:  acct,
		QueryState: state.FormatState(currentState),
		Position:   position,
		IDs:        ids,
	}, nil
}

// querySort validates the sort arguments. Only receivedAt ordering is
// supported by the storage layout; the default is newest first.
func querySort(sort []SortArg) (ascending bool, _ *jmap.MethodError) {
	if len(sort) == 0 {
		return false, nil
	}
	if len(sort) > 1 {
		return false, jmap.NewMethodError(jmap.ErrTypeUnsupportedSort, "only a single sort comparator is supported")
	}
	s := sort[0]
	if s.Property != "receivedAt" {
		return false, jmap.NewMethodError(jmap.ErrTypeUnsupportedSort, "only receivedAt sorting is supported")
	}
	// JMAP defaults isAscending to true when the comparator is present.
	if s.IsAscending == nil {
		return true, nil
	}
	return *s.IsAscending, nil
}

// queryTokens answers a single-address-field condition from the token index.
func (h *Handlers) queryTokens(ctx context.Context, acct string, cond filter.Condition, position, limit int, ascending bool) ([]string, *jmap.MethodError) {
	if cond.From != "" && cond.To != "" {
		return nil, jmap.NewMethodError(jmap.ErrTypeUnsupportedFilter, "from and to cannot be combined")
	}
	if cond.InMailbox != "" {
		return nil, jmap.NewMethodError(jmap.ErrTypeUnsupportedFilter, "inMailbox cannot be combined with address conditions")
	}

	field := email.TokenFieldFrom
	query := cond.From
	if cond.To != "" {
		field = email.TokenFieldTo
		query = cond.To
	}

	ids, err := h.deps.Tokens.QueryTokens(ctx, acct, field, email.NormalizeSearchQuery(query), int32(position+limit), ascending)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	if position >= len(ids) {
		return []string{}, nil
	}
	return ids[position:], nil
}
