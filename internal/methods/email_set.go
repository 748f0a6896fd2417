package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/compose"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/ingest"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/state"
)

// emailCreated holds the server-set properties echoed back for a created
// email.
type emailCreated struct {
	ID         string    `json:"id"`
	BlobID     string    `json:"blobId"`
	ThreadID   string    `json:"threadId"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// emailBatch threads the Email state counter through one Email/set call so
// every mutation gets a distinct, increasing modSeq.
type emailBatch struct {
	emailState int64
}

func (h *Handlers) pipeline() *ingest.Pipeline {
	d := h.deps
	return &ingest.Pipeline{
		Emails:    d.Emails,
		Tokens:    d.Tokens,
		Threads:   d.Threads,
		Resolver:  d.Resolver,
		Canonical: d.Canonical,
		Mailboxes: d.Mailboxes,
		States:    d.States,
		Blobs:     d.Blobs,
		BlobMeta:  d.BlobMeta,
		Writer:    d.Writer,
		Logger:    d.Logger,
		Now:       d.Now,
		NewID:     d.NewID,
	}
}

// EmailSet creates, updates, and destroys emails. Creates run through the
// ingestion pipeline whether they start from an uploaded blob or from draft
// fields; updates patch mailbox membership and keywords; destroys soft-delete
// and leave physical cleanup to the stream consumer.
func (h *Handlers) EmailSet(ctx context.Context, accountID string, raw json.RawMessage) (any, *jmap.MethodError) {
	var args EmailSetArgs
	if me := jmap.DecodeArgs(raw, &args); me != nil {
		return nil, me
	}
	acct := effectiveAccount(args.AccountID, accountID)

	if len(args.Create)+len(args.Update)+len(args.Destroy) > h.deps.Limits.MaxObjectsInSet {
		return nil, jmap.NewMethodError(jmap.ErrTypeLimitExceeded,
			fmt.Sprintf("at most %d objects per set call", h.deps.Limits.MaxObjectsInSet))
	}

	currentState, err := h.deps.States.CheckState(ctx, acct, state.ObjectTypeEmail, args.IfInState)
	if errors.Is(err, state.ErrStateMismatch) {
		return nil, jmap.NewMethodError(jmap.ErrTypeStateMismatch, "ifInState does not match the current email state")
	}
	if err != nil {
		return nil, jmap.NewMethodError(jmap.ErrTypeServerError, err.Error())
	}

	result := newSetResult(acct, currentState)
	batch := &emailBatch{emailState: currentState}

	for creationID, spec := range args.Create {
		created, setErr := h.createEmail(ctx, acct, &spec, batch)
		if setErr != nil {
			result.NotCreated[creationID] = setErr
			continue
		}
		result.Created[creationID] = created
	}

	for emailID, patch := range args.Update {
		if setErr := h.updateEmail(ctx, acct, emailID, patch, batch); setErr != nil {
			result.NotUpdated[emailID] = setErr
			continue
		}
		result.Updated[emailID] = nil
	}

	for _, emailID := range args.Destroy {
		if setErr := h.destroyEmail(ctx, acct, emailID, batch); setErr != nil {
			result.NotDestroyed[emailID] = setErr
			continue
		}
		result.Destroyed = append(result.Destroyed, emailID)
	}

	result.NewState = state.FormatState(batch.emailState)
	return result, nil
}

// resolveMailboxIDs validates a create/update membership set: at least one
// mailbox, within the cap, every id existing.
func (h *Handlers) resolveMailboxIDs(ctx context.Context, acct string, mailboxIDs map[string]bool) (map[string]bool, *jmap.SetError) {
	resolved := make(map[string]bool)
	for id, member := range mailboxIDs {
		if member {
			resolved[id] = true
		}
	}
	if len(resolved) == 0 {
		return nil, jmap.NewPropertiesError("email must belong to at least one mailbox", "mailboxIds")
	}
	if len(resolved) > h.deps.Limits.MaxMailboxesPerEmail {
		return nil, jmap.NewSetError(jmap.ErrTypeLimitExceeded,
			fmt.Sprintf("email cannot belong to more than %d mailboxes", h.deps.Limits.MaxMailboxesPerEmail))
	}
	for id := range resolved {
		exists, err := h.deps.Mailboxes.MailboxExists(ctx, acct, id)
		if err != nil {
			return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
		}
		if !exists {
			return nil, jmap.NewPropertiesError(fmt.Sprintf("mailbox %s does not exist", id), "mailboxIds")
		}
	}
	return resolved, nil
}

func (h *Handlers) createEmail(ctx context.Context, acct string, spec *EmailCreate, batch *emailBatch) (*emailCreated, *jmap.SetError) {
	mailboxIDs, setErr := h.resolveMailboxIDs(ctx, acct, spec.MailboxIDs)
	if setErr != nil {
		return nil, setErr
	}
	if _, _, err := email.SplitKeywords(spec.Keywords); err != nil {
		return nil, jmap.NewPropertiesError(err.Error(), "keywords")
	}

	rawBytes, setErr := h.createSource(ctx, acct, spec)
	if setErr != nil {
		return nil, setErr
	}

	parsed, err := ingest.ParseRawEmail(rawBytes)
	if err != nil {
		return nil, jmap.NewPropertiesError("message could not be parsed: "+err.Error(), "blobId")
	}

	var attachmentBytes int64
	for _, att := range parsed.Message.Attachments {
		attachmentBytes += att.Size
	}
	if attachmentBytes > h.deps.Limits.MaxAttachmentBytes {
		return nil, jmap.NewSetError(jmap.ErrTypeLimitExceeded, "attachments exceed the configured size limit")
	}

	var receivedAt time.Time
	if spec.ReceivedAt != nil {
		receivedAt = spec.ReceivedAt.UTC()
	}

	delivered, err := h.pipeline().DeliverParsed(ctx, rawBytes, parsed, &ingest.Delivery{
		AccountID:  acct,
		MailboxIDs: mailboxIDs,
		Keywords:   spec.Keywords,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	batch.emailState = delivered.EmailState

	h.publishIndex(ctx, acct, delivered.Email.EmailID, delivered.Email.IngestID)

	return &emailCreated{
		ID:         delivered.Email.EmailID,
		BlobID:     delivered.Email.BlobID,
		ThreadID:   delivered.Email.ThreadID,
		Size:       delivered.Email.Size,
		ReceivedAt: delivered.Email.ReceivedAt,
	}, nil
}

// createSource produces the raw RFC 5322 bytes for one create: fetched from
// an uploaded blob, or composed from draft fields. The two paths converge on
// the same ingestion afterwards.
func (h *Handlers) createSource(ctx context.Context, acct string, spec *EmailCreate) ([]byte, *jmap.SetError) {
	isDraft := len(spec.From) > 0 || spec.TextBody != "" || spec.HTMLBody != ""

	if spec.BlobID != "" {
		if isDraft {
			return nil, jmap.NewPropertiesError("blobId cannot be combined with draft fields", "blobId")
		}
		return h.loadGrantedBlob(ctx, acct, spec.BlobID)
	}
	if !isDraft {
		return nil, jmap.NewPropertiesError("create requires either blobId or draft fields", "blobId")
	}

	draft := &compose.Draft{
		From:            draftAddresses(spec.From),
		To:              draftAddresses(spec.To),
		CC:              draftAddresses(spec.CC),
		BCC:             draftAddresses(spec.BCC),
		ReplyTo:         draftAddresses(spec.ReplyTo),
		Subject:         spec.Subject,
		TextBody:        spec.TextBody,
		HTMLBody:        spec.HTMLBody,
		InReplyTo:       spec.InReplyTo,
		References:      spec.References,
		Date:            h.deps.Now().UTC(),
		MessageIDDomain: h.deps.Limits.MessageIDDomain,
	}

	var total int64
	for _, ref := range spec.Attachments {
		data, setErr := h.loadGrantedBlob(ctx, acct, ref.BlobID)
		if setErr != nil {
			return nil, setErr
		}
		total += int64(len(data))
		if total > h.deps.Limits.MaxAttachmentBytes {
			return nil, jmap.NewSetError(jmap.ErrTypeLimitExceeded, "attachments exceed the configured size limit")
		}
		draft.Attachments = append(draft.Attachments, compose.Attachment{
			Name: ref.Name,
			Type: ref.Type,
			Data: data,
		})
	}

	rawBytes, err := compose.Build(draft)
	if err != nil {
		if errors.Is(err, compose.ErrNoSender) || errors.Is(err, compose.ErrNoBody) {
			return nil, jmap.NewPropertiesError(err.Error(), "from", "textBody", "htmlBody")
		}
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	return rawBytes, nil
}

// loadGrantedBlob fetches blob bytes after checking the account was granted
// access to that hash.
func (h *Handlers) loadGrantedBlob(ctx context.Context, acct, blobID string) ([]byte, *jmap.SetError) {
	granted, err := h.deps.BlobMeta.HasGrant(ctx, acct, blobID)
	if err != nil {
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if !granted {
		return nil, jmap.NewSetError(jmap.ErrTypeNotFound, fmt.Sprintf("blob %s not found", blobID))
	}
	data, err := h.deps.Blobs.Get(ctx, blobID)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			return nil, jmap.NewSetError(jmap.ErrTypeNotFound, fmt.Sprintf("blob %s not found", blobID))
		}
		return nil, jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	return data, nil
}

func draftAddresses(addrs []EmailAddress) []canonical.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]canonical.Address, len(addrs))
	for i, a := range addrs {
		out[i] = canonical.Address{Name: a.Name, Email: a.Email}
	}
	return out
}

// emailPatch is the parsed form of one Email/set update entry: membership
// and keyword additions/removals, accumulated from both whole-map and
// slash-path keys.
type emailPatch struct {
	mailboxAdd    map[string]bool
	mailboxRemove map[string]bool
	keywordAdd    map[string]bool
	keywordRemove map[string]bool
}

func parseEmailPatch(patch map[string]json.RawMessage) (*emailPatch, *jmap.SetError) {
	p := &emailPatch{
		mailboxAdd:    make(map[string]bool),
		mailboxRemove: make(map[string]bool),
		keywordAdd:    make(map[string]bool),
		keywordRemove: make(map[string]bool),
	}

	applyMap := func(raw json.RawMessage, add, remove map[string]bool, prop string) *jmap.SetError {
		var m map[string]bool
		if err := json.Unmarshal(raw, &m); err != nil {
			return jmap.NewPropertiesError(prop+" must be a map of string to boolean", prop)
		}
		for k, v := range m {
			if v {
				add[k] = true
			} else {
				remove[k] = true
			}
		}
		return nil
	}
	applyKey := func(raw json.RawMessage, key string, add, remove map[string]bool, prop string) *jmap.SetError {
		var v *bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return jmap.NewPropertiesError(prop+" patch value must be boolean or null", prop)
		}
		if v != nil && *v {
			add[key] = true
		} else {
			remove[key] = true
		}
		return nil
	}

	for key, rawVal := range patch {
		switch {
		case key == "mailboxIds":
			if setErr := applyMap(rawVal, p.mailboxAdd, p.mailboxRemove, "mailboxIds"); setErr != nil {
				return nil, setErr
			}
		case strings.HasPrefix(key, "mailboxIds/"):
			if setErr := applyKey(rawVal, strings.TrimPrefix(key, "mailboxIds/"), p.mailboxAdd, p.mailboxRemove, "mailboxIds"); setErr != nil {
				return nil, setErr
			}
		case key == "keywords":
			if setErr := applyMap(rawVal, p.keywordAdd, p.keywordRemove, "keywords"); setErr != nil {
				return nil, setErr
			}
		case strings.HasPrefix(key, "keywords/"):
			if setErr := applyKey(rawVal, strings.TrimPrefix(key, "keywords/"), p.keywordAdd, p.keywordRemove, "keywords"); setErr != nil {
				return nil, setErr
			}
		default:
			return nil, jmap.NewPropertiesError("unsupported property in update", key)
		}
	}
	return p, nil
}

func (h *Handlers) updateEmail(ctx context.Context, acct, emailID string, rawPatch map[string]json.RawMessage, batch *emailBatch) *jmap.SetError {
	e, err := h.deps.Emails.GetEmail(ctx, acct, emailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if e.IsDeleted {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}

	patch, setErr := parseEmailPatch(rawPatch)
	if setErr != nil {
		return setErr
	}

	// Membership: (existing ∪ added) − removed.
	final := make(map[string]bool, len(e.MailboxIDs))
	for id, member := range e.MailboxIDs {
		if member {
			final[id] = true
		}
	}
	for id := range patch.mailboxAdd {
		final[id] = true
	}
	for id := range patch.mailboxRemove {
		delete(final, id)
	}

	var added, removed []string
	for id := range final {
		if !e.MailboxIDs[id] {
			added = append(added, id)
		}
	}
	for id := range e.MailboxIDs {
		if e.MailboxIDs[id] && !final[id] {
			removed = append(removed, id)
		}
	}
	mailboxChanged := len(added) > 0 || len(removed) > 0

	if mailboxChanged {
		if len(final) == 0 {
			return jmap.NewPropertiesError("email must remain in at least one mailbox", "mailboxIds")
		}
		if len(final) > h.deps.Limits.MaxMailboxesPerEmail {
			return jmap.NewSetError(jmap.ErrTypeLimitExceeded,
				fmt.Sprintf("email cannot belong to more than %d mailboxes", h.deps.Limits.MaxMailboxesPerEmail))
		}
		for _, id := range added {
			exists, err := h.deps.Mailboxes.MailboxExists(ctx, acct, id)
			if err != nil {
				return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
			}
			if !exists {
				return jmap.NewPropertiesError(fmt.Sprintf("mailbox %s does not exist", id), "mailboxIds")
			}
		}
	}

	// Keywords: recompute flags and the custom set from the stored state.
	oldFlags := e.Flags
	newFlags := e.Flags
	existingCustom, err := h.deps.Emails.GetCustomKeywords(ctx, acct, emailID)
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	customSet := make(map[string]bool, len(existingCustom))
	for _, kw := range existingCustom {
		customSet[kw] = true
	}
	applyKeyword := func(raw string, val bool) *jmap.SetError {
		kw := email.NormalizeKeyword(raw)
		if name, ok := cutFlagName(kw); ok {
			setFlag(&newFlags, name, val)
			return nil
		}
		if err := email.ValidateKeyword(kw); err != nil {
			return jmap.NewPropertiesError(err.Error(), "keywords")
		}
		if val {
			customSet[kw] = true
		} else {
			delete(customSet, kw)
		}
		return nil
	}
	var customAdd, customRemove []string
	for kw := range patch.keywordAdd {
		if setErr := applyKeyword(kw, true); setErr != nil {
			return setErr
		}
	}
	for kw := range patch.keywordRemove {
		if setErr := applyKeyword(kw, false); setErr != nil {
			return setErr
		}
	}
	for kw := range customSet {
		found := false
		for _, existing := range existingCustom {
			if existing == kw {
				found = true
				break
			}
		}
		if !found {
			customAdd = append(customAdd, kw)
		}
	}
	for _, existing := range existingCustom {
		if !customSet[existing] {
			customRemove = append(customRemove, existing)
		}
	}
	flagsChanged := newFlags != oldFlags
	keywordsChanged := flagsChanged || len(customAdd) > 0 || len(customRemove) > 0

	if !mailboxChanged && !keywordsChanged {
		// Nothing differs from the stored state: no writes, no change entry.
		return nil
	}

	updated := *e
	updated.MailboxIDs = final
	updated.Flags = newFlags

	var items []ddbtypes.TransactWriteItem
	switch {
	case mailboxChanged && flagsChanged:
		items = append(items, h.deps.Emails.BuildUpdateMailboxesAndFlagsItem(&updated, e.Version))
	case mailboxChanged:
		items = append(items, h.deps.Emails.BuildUpdateMailboxesItem(&updated, e.Version))
	case flagsChanged:
		items = append(items, h.deps.Emails.BuildUpdateFlagsItem(&updated, e.Version))
	default:
		items = append(items, h.deps.Emails.BuildTouchItem(acct, emailID))
	}

	for _, id := range added {
		items = append(items,
			h.deps.Emails.BuildPutMembershipItem(&email.MembershipItem{
				AccountID:  acct,
				MailboxID:  id,
				ReceivedAt: e.ReceivedAt,
				EmailID:    emailID,
			}),
			h.deps.Mailboxes.BuildIncrementCountsItem(acct, id, !newFlags.Seen),
		)
	}
	for _, id := range removed {
		items = append(items,
			h.deps.Emails.BuildDeleteMembershipItem(&email.MembershipItem{
				AccountID:  acct,
				MailboxID:  id,
				ReceivedAt: e.ReceivedAt,
				EmailID:    emailID,
			}),
			h.deps.Mailboxes.BuildDecrementCountsItem(acct, id, !oldFlags.Seen),
		)
	}
	if newFlags.Seen != oldFlags.Seen {
		delta := 1
		if newFlags.Seen {
			delta = -1
		}
		for id := range final {
			if e.MailboxIDs[id] {
				items = append(items, h.deps.Mailboxes.BuildAdjustUnreadItem(acct, id, delta))
			}
		}
	}
	for _, kw := range customAdd {
		items = append(items, h.deps.Emails.BuildPutKeywordItem(&email.KeywordItem{AccountID: acct, EmailID: emailID, Keyword: kw}))
	}
	for _, kw := range customRemove {
		items = append(items, h.deps.Emails.BuildDeleteKeywordItem(&email.KeywordItem{AccountID: acct, EmailID: emailID, Keyword: kw}))
	}

	var updatedProps []string
	if mailboxChanged {
		updatedProps = append(updatedProps, "mailboxIds")
	}
	if keywordsChanged {
		updatedProps = append(updatedProps, "keywords")
	}
	newEmailState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmail, batch.emailState, []state.Change{
		{ObjectID: emailID, ChangeType: state.ChangeTypeUpdated, UpdatedProperties: updatedProps},
	})
	items = append(items, bumpItems...)

	// A mailbox move shifts the thread projection clients have cached.
	if mailboxChanged {
		threadState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeThread)
		if err != nil {
			return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
		}
		_, threadBump := h.deps.States.BuildBumpItems(acct, state.ObjectTypeThread, threadState, []state.Change{
			{ObjectID: e.ThreadID, ChangeType: state.ChangeTypeUpdated, UpdatedProperties: []string{"emailIds"}},
		})
		items = append(items, threadBump...)
	}

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	batch.emailState = newEmailState
	return nil
}

func (h *Handlers) destroyEmail(ctx context.Context, acct, emailID string, batch *emailBatch) *jmap.SetError {
	e, err := h.deps.Emails.GetEmail(ctx, acct, emailID)
	if errors.Is(err, email.ErrEmailNotFound) {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	if e.IsDeleted {
		return jmap.NewSetError(jmap.ErrTypeNotFound, "email not found")
	}

	customKeywords, err := h.deps.Emails.GetCustomKeywords(ctx, acct, emailID)
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	hasOther, err := h.deps.Emails.HasOtherLiveInThread(ctx, acct, e.ThreadID, emailID)
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}

	items := []ddbtypes.TransactWriteItem{h.deps.Emails.BuildSoftDeleteItem(e, e.Version)}
	for id, member := range e.MailboxIDs {
		if !member {
			continue
		}
		items = append(items,
			h.deps.Emails.BuildDeleteMembershipItem(&email.MembershipItem{
				AccountID:  acct,
				MailboxID:  id,
				ReceivedAt: e.ReceivedAt,
				EmailID:    emailID,
			}),
			h.deps.Mailboxes.BuildDecrementCountsItem(acct, id, !e.Flags.Seen),
		)
	}
	for _, kw := range customKeywords {
		items = append(items, h.deps.Emails.BuildDeleteKeywordItem(&email.KeywordItem{AccountID: acct, EmailID: emailID, Keyword: kw}))
	}

	threadChange := state.Change{ObjectID: e.ThreadID, ChangeType: state.ChangeTypeUpdated, UpdatedProperties: []string{"emailIds"}}
	if !hasOther {
		items = append(items, h.deps.Threads.BuildDeleteThreadItem(acct, e.ThreadID))
		threadChange = state.Change{ObjectID: e.ThreadID, ChangeType: state.ChangeTypeDestroyed}
	}

	newEmailState, bumpItems := h.deps.States.BuildBumpItems(acct, state.ObjectTypeEmail, batch.emailState, []state.Change{
		{ObjectID: emailID, ChangeType: state.ChangeTypeDestroyed},
	})
	items = append(items, bumpItems...)

	threadState, err := h.deps.States.GetCurrentState(ctx, acct, state.ObjectTypeThread)
	if err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	_, threadBump := h.deps.States.BuildBumpItems(acct, state.ObjectTypeThread, threadState, []state.Change{threadChange})
	items = append(items, threadBump...)

	if _, err := h.deps.Writer.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return jmap.NewSetError(jmap.ErrTypeServerError, err.Error())
	}
	batch.emailState = newEmailState

	h.cleanupAfterDestroy(ctx, acct, e)
	return nil
}

// cleanupAfterDestroy removes derived data after a destroy commits: address
// tokens and the search-index entry. Failures are logged; the stream-driven
// cleanup consumer owns canonical and blob garbage collection.
func (h *Handlers) cleanupAfterDestroy(ctx context.Context, acct string, e *email.Item) {
	msg, err := h.deps.Canonical.GetMessage(ctx, e.IngestID)
	if err == nil {
		if err := h.deps.Tokens.DeleteTokens(ctx, acct, e.EmailID, e.ReceivedAt, msg); err != nil {
			h.logCleanupError(ctx, "delete address tokens", acct, e.EmailID, err)
		}
	} else if !errors.Is(err, canonical.ErrMessageNotFound) {
		h.logCleanupError(ctx, "load canonical message", acct, e.EmailID, err)
	}

	if h.deps.Indexer != nil {
		if err := h.deps.Indexer.PublishDelete(ctx, acct, e.EmailID); err != nil {
			h.logCleanupError(ctx, "publish index delete", acct, e.EmailID, err)
		}
	}
}

func (h *Handlers) publishIndex(ctx context.Context, acct, emailID, ingestID string) {
	if h.deps.Indexer == nil {
		return
	}
	if err := h.deps.Indexer.PublishIndex(ctx, acct, emailID, ingestID); err != nil {
		h.logCleanupError(ctx, "publish index request", acct, emailID, err)
	}
}

func (h *Handlers) logCleanupError(ctx context.Context, op, acct, emailID string, err error) {
	if h.deps.Logger == nil {
		return
	}
	h.deps.Logger.ErrorContext(ctx, "Post-commit cleanup step failed",
		slog.String("operation", op),
		slog.String("account_id", acct),
		slog.String("email_id", emailID),
		slog.String("error", err.Error()),
	)
}

// cutFlagName reports whether a normalized keyword names one of the four
// well-known flags, accepting both the $ and \ prefixes.
func cutFlagName(kw string) (string, bool) {
	name, ok := strings.CutPrefix(kw, "$")
	if !ok {
		name, ok = strings.CutPrefix(kw, "\\")
	}
	if !ok {
		return "", false
	}
	switch name {
	case "seen", "flagged", "answered", "draft":
		return name, true
	}
	return "", false
}

func setFlag(f *email.Flags, name string, val bool) {
	switch name {
	case "seen":
		f.Seen = val
	case "flagged":
		f.Flagged = val
	case "answered":
		f.Answered = val
	case "draft":
		f.Draft = val
	}
}
