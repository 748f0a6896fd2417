package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
)

// copyResult is the Email/copy response shape.
type copyResult struct {
	FromAccountID string                    `json:"fromAccountId"`
	AccountID     string                    `json:"accountId"`
	OldState      string                    `json:"oldState"`
	NewState      string                    `json:"newState"`
	Created       map[string]any            `json:"created"`
	NotCreated    map[string]*jmap.SetError `json:"notCreated"`
}

// EmailCopy duplicates an existing email into a new one sharing the same
// canonical message. Only same-account copies are supported; the account id
// pair exists for JMAP shape compatibility.
func (h *Handlers) EmailCopy(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args EmailCopyArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	fromAcct := effectiveAccount(args.FromAccountID, accountID)
	acct := effectiveAccount(args.AccountID, accountID)
	if fromAcct != acct {
		return nil, jmap.NewMethodError(jmap.ErrTypeForbidden, "only same-account copies are supported")
	}

	currentState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeEmail)
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &copyResult{
		FromAccountID: fromAcct,
		AccountID:     acct,
		OldState:      state.FormatState(currentState),
		Created:       make(map[string]any),
		NotCreated:    make(map[string]*jmap.SetError),
	}
	batch := &emailBatch{emailState: currentState}

	for creationID, part := range args.Create {
		created, setErr := h.copyEmail(ctx, acct, &part, batch)
		if setErr != nil {
			result.NotCreated[creationID] = setErr
			continue
		}
		result.Created[creationID] = created

		if args.OnSuccessDestroyOriginal {
			// The destroy reuses the regular consistency path; a failure
			// leaves the copy in place.
			if setErr := h.destroyEmail(ctx, acct, part.ID, batch); setErr != nil && h.deps.Logger != nil {
				h.deps.Logger.ErrorContext(ctx, "Failed to destroy copy source",
					slog.String("account_id", acct),
					slog.String("email_id", part.ID),
					slog.String("error", setErr.Description),
				)
			}
		}
	}

	result.NewState = state.FormatState(batch.emailState)
	return result, nil
}

func (h *Handlers) copyEmail(ctx context.Context, acct string, part *EmailCopyPart, batch *emailBatch) (*emailCreated, *jmap.SetError) {
	src, err := h.deps.Emails.GetEmail(ctx, acct, part.ID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return nil, jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}
	if err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if src.IsDeleted {
		return nil, jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}

	mailboxIDs, setErr := h.resolveMailboxIDs(ctx, acct, part.MailboxIDs)
	if setErr != nil {
		return nil, setErr
	}

	// Keywords default to the source's when the caller gives none.
	keywords := part.Keywords
	if keywords == nil {
		srcCustom, err := h.deps.Emails.GetCustomKeywords(ctx, acct, part.ID)
		if err != nil {
			return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
		}
		keywords = email.MergeKeywords(src.Flags, srcCustom)
	}
	flags, custom, err := email.SplitKeywords(keywords)
	if err != nil {
		return nil, jmap.NewPropertiesError(err.Error(), "keywords")
	}

	now := h.deps.Now().UTC()
	dup := &email.Item{
		AccountID:     acct,
		EmailID:       h.deps.NewID(),
		IngestID:      src.IngestID,
		BlobID:        src.BlobID,
		ThreadID:      src.ThreadID,
		MailboxIDs:    mailboxIDs,
		Flags:         flags,
		ReceivedAt:    src.ReceivedAt,
		Size:          src.Size,
		Subject:       src.Subject,
		Preview:       src.Preview,
		HasAttachment: src.HasAttachment,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	items := []ddbtypes.TransactWriteItem{
		h.deps.Canonical.BuildPutReferenceItem(&canonical.Reference{
			IngestID:  src.IngestID,
			AccountID: acct,
			EmailID:   dup.EmailID,
		}),
		h.deps.Emails.BuildPutEmailItem(dup),
	}
	for id := range mailboxIDs {
		items = append(items,
			h.deps.Emails.BuildPutMembershipItem(&email.MembershipItem{
				AccountID:  acct,
				MailboxID:  id,
				ReceivedAt: dup.ReceivedAt,
				EmailID:    dup.EmailID,
			}),
			h.deps.Mailboxes.BuildIncrementCountsItem(acct, id, !flags.Seen),
		)
	}
	for _, kw := range custom {
		items = append(items, h.deps.Emails.BuildPutKeywordItem(&email.KeywordItem{
			AccountID: acct,
			EmailID:   dup.EmailID,
			Keyword:   kw,
		}))
	}

	newEmailState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmail, batch.emailState, []state.Change{
		{ObjectID: dup.EmailID, ChangeType: state.ChangeTypeCreated},
	})
	items = append(items, bumpItems...)

	threadState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeThread)
	if err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	_, threadBump := h.deps.States.BuildBumpItems(acct, state.ObjectTypeThread, threadState, []state.Change{
		{ObjectID: src.ThreadID, ChangeType: state.ChangeTypeUpdated, UpdatedProperties: []string{"emailIds"}},
	})
	items = append(items, threadBump...)

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	batch.emailState = newEmailState

	h.publishIndex(ctx, acct, dup.EmailID, dup.IngestID)

	return &emailCreated{
		ID:         dup.EmailID,
		BlobID:     dup.BlobID,
		ThreadID:   dup.ThreadID,
		Size:       dup.Size,
		ReceivedAt: dup.ReceivedAt,
	}, nil
}

// importResult is the Email/import response shape.
type importResult struct {
	AccountID  string                    `json:"accountId"`
	OldState   string                    `json:"oldState"`
	NewState   string                    `json:"newState"`
	Created    map[string]any            `json:"created"`
	NotCreated map[string]*jmap.SetError `json:"notCreated"`
}

// EmailImport lands already-uploaded raw messages in the account. Each entry
// runs the same ingestion pipeline as Email/set create from a blob.
func (h *Handlers) EmailImport(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args EmailImportArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	if len(args.Emails) > h.deps.Limits.MaxObjectsInSet {
		return nil, jmap.NewMethodError(jmap.ErrTypeLimitExceeded,
			fmt.Sprintf("at most %d objects per import call", h.deps.Limits.MaxObjectsInSet))
	}

	currentState, err := h.deps.States.CheckState(ctx, acct, state.ObjectTypeEmail, args.IfInState)
	if errors.Is(err, state.ErrStateMismatch) {
		return nil, jmap.NewMethodError(jmap.ErrTypeStateMismatch, "ifInState does not match the current email state")
	}
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := &importResult{
		AccountID:  acct,
		OldState:   state.FormatState(currentState),
		Created:    make(map[string]any),
		NotCreated: make(map[string]*jmap.SetError),
	}
	batch := &emailBatch{emailState: currentState}

	for creationID, part := range args.Emails {
		created, setErr := h.createEmail(ctx, acct, &EmailCreate{
			MailboxIDs: part.MailboxIDs,
			Keywords:   part.Keywords,
			ReceivedAt: part.ReceivedAt,
			BlobID:     part.BlobID,
		}, batch)
		if setErr != nil {
			result.NotCreated[creationID] = setErr
			continue
		}
		result.Created[creationID] = created
	}

	result.NewState = state.FormatState(batch.emailState)
	return result, nil
}
