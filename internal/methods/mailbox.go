package methods

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/state"
)

// MailboxGet implements Mailbox/get.
func (h *Handlers) MailboxGet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args GetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	stateStr, err := h.deps.States.GetState(ctx, acct, state.ObjectTypeMailbox)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &getResult{AccountID: acct, State: stateStr, List: []any{}, NotFound: []string{}}

	if args.IDs == nil {
		all, err := h.deps.Mailboxes.GetAllMailboxes(ctx, acct)
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		for _, m := range all {
			result.List = append(result.List, mailboxView(m))
		}
		return result, nil
	}

	for _, id := range *args.IDs {
		m, err := h.deps.Mailboxes.GetMailbox(ctx, acct, id)
		if errors.Is(err, mailbox.ErrMailboxNotFound) {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		if err != nil {
			return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
		}
		result.List = append(result.List, mailboxView(m))
	}
	return result, nil
}

// MailboxChanges implements Mailbox/changes.
func (h *Handlers) MailboxChanges(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args ChangesArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	return h.changes(ctx, accountID, &args, state.ObjectTypeMailbox)
}

// mailboxBatch tracks the in-flight view of an account's mailboxes while a
// Mailbox/set batch executes, so later calls in the batch see earlier ones.
type mailboxBatch struct {
	byID map[string]*mailbox.Item
	// createdIDs maps "#creationId" references to server-assigned ids.
	createdIDs   map[string]string
	currentState int64
}

func (b *mailboxBatch) roleOwner(role string) *mailbox.Item {
	for _, m := range b.byID {
		if m.Role == role {
			return m
		}
	}
	return nil
}

// siblingRef extracts the creation id from a "#creationId" parent reference.
func siblingRef(parentID *string) (string, bool) {
	if parentID == nil || !strings.HasPrefix(*parentID, "#") {
		return "", false
	}
	return (*parentID)[1:], true
}

// resolveParent maps a parentId argument (possibly a "#creationId"
// reference) to a real mailbox id. Empty input means top level.
func (b *mailboxBatch) resolveParent(parentID string) (string, *jmap.SetError) {
	if parentID == "" {
		return "", nil
	}
	if strings.HasPrefix(parentID, "#") {
		real, ok := b.createdIDs[parentID[1:]]
		if !ok {
			return "", jmap.NewPropertiesError("parentId references an uncreated mailbox", "parentId")
		}
		parentID = real
	}
	if _, ok := b.byID[parentID]; !ok {
		return "", jmap.NewPropertiesError("parent mailbox does not exist", "parentId")
	}
	return parentID, nil
}

// wouldCycle reports whether setting parentID on mailboxID creates a parent
// loop, self-reference included.
func (b *mailboxBatch) wouldCycle(mailboxID, parentID string) bool {
	seen := make(map[string]bool)
	for cur := parentID; cur != ""; {
		if cur == mailboxID {
			return true
		}
		if seen[cur] {
			return true
		}
		seen[cur] = true
		parent, ok := b.byID[cur]
		if !ok {
			return false
		}
		cur = parent.ParentID
	}
	return false
}

func (b *mailboxBatch) hasChild(mailboxID string) bool {
	for _, m := range b.byID {
		if m.ParentID == mailboxID {
			return true
		}
	}
	return false
}

// MailboxSet implements Mailbox/set.
func (h *Handlers) MailboxSet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args MailboxSetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	currentState, err := h.deps.States.CheckState(ctx, acct, state.ObjectTypeMailbox, args.IfInState)
	if errors.Is(err, state.ErrStateMismatch) {
		return nil, jmap.NewMethodError(jmap.ErrTypeStateMismatch, "ifInState does not match the current mailbox state")
	}
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	all, err := h.deps.Mailboxes.GetAllMailboxes(ctx, acct)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}
	batch := &mailboxBatch{
		byID:         make(map[string]*mailbox.Item, len(all)),
		createdIDs:   make(map[string]string),
		currentState: currentState,
	}
	for _, m := range all {
		batch.byID[m.MailboxID] = m
	}

	result := newSetResult(acct, currentState)

	// Creates referencing a sibling creation via "#creationId" must run
	// after the sibling, whatever the map order. Defer those until their
	// parent materializes; a reference cycle fails whatever is left.
	remaining := make(map[string]MailboxCreate, len(args.Create))
	for creationID, create := range args.Create {
		remaining[creationID] = create
	}
	for len(remaining) > 0 {
		progressed := false
		for creationID, create := range remaining {
			if ref, ok := siblingRef(create.ParentID); ok {
				if _, done := batch.createdIDs[ref]; !done {
					if _, pending := remaining[ref]; pending && ref != creationID {
						continue
					}
				}
			}
			delete(remaining, creationID)
			progressed = true

			view, setErr := h.createMailbox(ctx, acct, batch, &create)
			if setErr != nil {
				result.NotCreated[creationID] = setErr
				continue
			}
			batch.createdIDs[creationID] = view.ID
			result.Created[creationID] = view
		}
		if !progressed {
			for creationID := range remaining {
				result.NotCreated[creationID] = jmap.NewPropertiesError("parentId reference cycle", "parentId")
				delete(remaining, creationID)
			}
		}
	}

	for mailboxID, patch := range args.Update {
		if setErr := h.updateMailbox(ctx, acct, batch, mailboxID, patch); setErr != nil {
			result.NotUpdated[mailboxID] = setErr
			continue
		}
		result.Updated[mailboxID] = nil
	}

	for _, mailboxID := range args.Destroy {
		if setErr := h.destroyMailbox(ctx, acct, batch, mailboxID, args.OnDestroyRemoveEmails); setErr != nil {
			result.NotDestroyed[mailboxID] = setErr
			continue
		}
		result.Destroyed = append(result.Destroyed, mailboxID)
	}

	result.NewState = state.FormatState(batch.currentState)
	return result, nil
}

func (h *Handlers) createMailbox(ctx context.Context, acct string, batch *mailboxBatch, create *MailboxCreate) (*MailboxView, *jmap.SetError) {
	name := strings.TrimSpace(create.Name)
	if name == "" {
		return nil, jmap.NewPropertiesError("name must not be empty", "name")
	}

	role := ""
	if create.Role != nil {
		role = strings.ToLower(*create.Role)
		if !mailbox.ValidRoles[role] {
			return nil, jmap.NewPropertiesError("invalid role: "+role, "role")
		}
		if owner := batch.roleOwner(role); owner != nil {
			return nil, jmap.NewSetError(jmap.ErrTypeRoleConflict, "role already assigned to mailbox "+owner.MailboxID)
		}
	}

	parentID := ""
	if create.ParentID != nil {
		resolved, setErr := batch.resolveParent(*create.ParentID)
		if setErr != nil {
			return nil, setErr
		}
		parentID = resolved
	}

	isSubscribed := true
	if create.IsSubscribed != nil {
		isSubscribed = *create.IsSubscribed
	}

	now := h.deps.Now().UTC()
	m := &mailbox.Item{
		AccountID:    acct,
		MailboxID:    h.deps.NewID(),
		Name:         name,
		ParentID:     parentID,
		Role:         role,
		SortOrder:    create.SortOrder,
		IsSubscribed: isSubscribed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	newState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeMailbox, batch.currentState, []state.Change{
		{ObjectID: m.MailboxID, ChangeType: state.ChangeTypeCreated},
	})
	items := append([]ddbtypes.TransactWriteItem{h.deps.Mailboxes.BuildPutItem(m)}, bumpItems...)

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}

	batch.byID[m.MailboxID] = m
	batch.currentState = newState
	return mailboxView(m), nil
}

func (h *Handlers) updateMailbox(ctx context.Context, acct string, batch *mailboxBatch, mailboxID string, patch map[string]json.RawMessage) *jmap.SetError {
	existing, ok := batch.byID[mailboxID]
	if !ok {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "mailbox not found")
	}
	updated := *existing

	for key, value := range patch {
		switch key {
		case "name":
			var name string
			if err := json.Unmarshal(value, &name); err != nil || strings.TrimSpace(name) == "" {
				return jmap.NewPropertiesError("name must be a non-empty string", "name")
			}
			updated.Name = strings.TrimSpace(name)
		case "parentId":
			var parentID *string
			if err := json.Unmarshal(value, &parentID); err != nil {
				return jmap.NewPropertiesError("parentId must be a string or null", "parentId")
			}
			if parentID == nil {
				updated.ParentID = ""
			} else {
				resolved, setErr := batch.resolveParent(*parentID)
				if setErr != nil {
					return setErr
				}
				updated.ParentID = resolved
			}
		case "role":
			var role *string
			if err := json.Unmarshal(value, &role); err != nil {
				return jmap.NewPropertiesError("role must be a string or null", "role")
			}
			if role == nil {
				updated.Role = ""
			} else {
				r := strings.ToLower(*role)
				if !mailbox.ValidRoles[r] {
					return jmap.NewPropertiesError("invalid role: "+r, "role")
				}
				if owner := batch.roleOwner(r); owner != nil && owner.MailboxID != mailboxID {
					return jmap.NewSetError(jmap.ErrTypeRoleConflict, "role already assigned to mailbox "+owner.MailboxID)
				}
				updated.Role = r
			}
		case "sortOrder":
			var sortOrder int
			if err := json.Unmarshal(value, &sortOrder); err != nil || sortOrder < 0 {
				return jmap.NewPropertiesError("sortOrder must be a non-negative integer", "sortOrder")
			}
			updated.SortOrder = sortOrder
		case "isSubscribed":
			var isSubscribed bool
			if err := json.Unmarshal(value, &isSubscribed); err != nil {
				return jmap.NewPropertiesError("isSubscribed must be a boolean", "isSubscribed")
			}
			updated.IsSubscribed = isSubscribed
		default:
			return jmap.NewPropertiesError("unknown or immutable property: "+key, key)
		}
	}

	if updated.ParentID != "" && batch.wouldCycle(mailboxID, updated.ParentID) {
		return jmap.NewPropertiesError("parentId would create a cycle", "parentId")
	}

	updated.UpdatedAt = h.deps.Now().UTC()

	newState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeMailbox, batch.currentState, []state.Change{
		{ObjectID: mailboxID, ChangeType: state.ChangeTypeUpdated},
	})
	items := append([]ddbtypes.TransactWriteItem{h.deps.Mailboxes.BuildUpdateItem(&updated)}, bumpItems...)

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}

	batch.byID[mailboxID] = &updated
	batch.currentState = newState
	return nil
}

// destroyMailbox removes a mailbox. With removeEmails the destroy cascades:
// membership rows are deleted, each displaced email is touched and gets an
// Email update-change for mailboxIds, all in the same transaction as the
// mailbox delete.
func (h *Handlers) destroyMailbox(ctx context.Context, acct string, batch *mailboxBatch, mailboxID string, removeEmails bool) *jmap.SetError {
	if _, ok := batch.byID[mailboxID]; !ok {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "mailbox not found")
	}
	if batch.hasChild(mailboxID) {
		return jmap.NewSetError(jmap.ErrTypeMailboxHasChild, "mailbox still has child mailboxes")
	}

	memberships, err := h.deps.Emails.ListMemberships(ctx, acct, mailboxID)
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if len(memberships) > 0 && !removeEmails {
		return jmap.NewSetError(jmap.ErrTypeMailboxHasEmail, "mailbox still contains emails")
	}

	var items []ddbtypes.TransactWriteItem
	items = append(items, h.deps.Mailboxes.BuildDeleteItem(acct, mailboxID))

	var emailChanges []state.Change
	for _, membership := range memberships {
		items = append(items,
			h.deps.Emails.BuildDeleteMembershipItem(membership),
			h.deps.Emails.BuildRemoveMailboxItem(acct, membership.EmailID, mailboxID),
		)
		emailChanges = append(emailChanges, state.Change{
			ObjectID:          membership.EmailID,
			ChangeType:        state.ChangeTypeUpdated,
			UpdatedProperties: []string{"mailboxIds"},
		})
	}

	newState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeMailbox, batch.currentState, []state.Change{
		{ObjectID: mailboxID, ChangeType: state.ChangeTypeDestroyed},
	})
	items = append(items, bumpItems...)

	if len(emailChanges) > 0 {
		emailState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeEmail)
		if err != nil {
			return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
		}
		_, emailBumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmail, emailState, emailChanges)
		items = append(items, emailBumpItems...)
	}

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}

	delete(batch.byID, mailboxID)
	batch.currentState = newState
	return nil
}
