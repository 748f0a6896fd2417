package methods

import (
	"encoding/json"
	"time"

	"github.com/harbormail/jmap-backend/internal/filter"
)

// GetArgs are the arguments of every Foo/get method. A nil IDs pointer means
// "all objects" (bounded by the per-type handler).
type GetArgs struct {
	AccountID  string    `json:"accountId"`
	IDs        *[]string `json:"ids"`
	Properties []string  `json:"properties"`
}

// ChangesArgs are the arguments of every Foo/changes method.
type ChangesArgs struct {
	AccountID  string `json:"accountId"`
	SinceState string `json:"sinceState"`
	MaxChanges int    `json:"maxChanges"`
}

// MailboxCreate is one entry in Mailbox/set create.
type MailboxCreate struct {
	Name         string  `json:"name"`
	ParentID     *string `json:"parentId"`
	Role         *string `json:"role"`
	SortOrder    int     `json:"sortOrder"`
	IsSubscribed *bool   `json:"isSubscribed"`
}

// MailboxSetArgs are the arguments of Mailbox/set. Update patches stay raw
// so absent and null keys can be told apart.
type MailboxSetArgs struct {
	AccountID             string                                `json:"accountId"`
	IfInState             *string                               `json:"ifInState"`
	Create                map[string]MailboxCreate              `json:"create"`
	Update                map[string]map[string]json.RawMessage `json:"update"`
	Destroy               []string                              `json:"destroy"`
	OnDestroyRemoveEmails bool                                  `json:"onDestroyRemoveEmails"`
}

// EmailAddress is the JMAP address form.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// AttachmentRef references an uploaded blob to attach to a draft.
type AttachmentRef struct {
	BlobID string `json:"blobId"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

// EmailCreate is one entry in Email/set create: either a blob reference or
// structured draft fields, never both.
type EmailCreate struct {
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	ReceivedAt *time.Time      `json:"receivedAt"`

	// Path (a): parse an already-uploaded blob.
	BlobID string `json:"blobId"`

	// Path (b): compose a draft server-side.
	From        []EmailAddress  `json:"from"`
	To          []EmailAddress  `json:"to"`
	CC          []EmailAddress  `json:"cc"`
	BCC         []EmailAddress  `json:"bcc"`
	ReplyTo     []EmailAddress  `json:"replyTo"`
	Subject     string          `json:"subject"`
	TextBody    string          `json:"textBody"`
	HTMLBody    string          `json:"htmlBody"`
	InReplyTo   string          `json:"inReplyTo"`
	References  []string        `json:"references"`
	Attachments []AttachmentRef `json:"attachments"`
}

// EmailSetArgs are the arguments of Email/set.
type EmailSetArgs struct {
	AccountID string                                `json:"accountId"`
	IfInState *string                               `json:"ifInState"`
	Create    map[string]EmailCreate                `json:"create"`
	Update    map[string]map[string]json.RawMessage `json:"update"`
	Destroy   []string                              `json:"destroy"`
}

// EmailCopyPart is one entry in Email/copy create.
type EmailCopyPart struct {
	ID         string          `json:"id"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
}

// EmailCopyArgs are the arguments of Email/copy. Only same-account copies
// are supported.
type EmailCopyArgs struct {
	FromAccountID            string                   `json:"fromAccountId"`
	AccountID                string                   `json:"accountId"`
	Create                   map[string]EmailCopyPart `json:"create"`
	OnSuccessDestroyOriginal bool                     `json:"onSuccessDestroyOriginal"`
}

// EmailImportPart is one entry in Email/import.
type EmailImportPart struct {
	BlobID     string          `json:"blobId"`
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
	ReceivedAt *time.Time      `json:"receivedAt"`
}

// EmailImportArgs are the arguments of Email/import.
type EmailImportArgs struct {
	AccountID string                     `json:"accountId"`
	IfInState *string                    `json:"ifInState"`
	Emails    map[string]EmailImportPart `json:"emails"`
}

// SortArg is one Email/query sort comparator.
type SortArg struct {
	Property    string `json:"property"`
	IsAscending *bool  `json:"isAscending"`
}

// EmailQueryArgs are the arguments of Email/query.
type EmailQueryArgs struct {
	AccountID string      `json:"accountId"`
	Filter    *filter.Node `json:"filter"`
	Sort      []SortArg   `json:"sort"`
	Position  int         `json:"position"`
	Limit     int         `json:"limit"`
}

// SubmissionEnvelopeAddress is one address in a submission envelope.
type SubmissionEnvelopeAddress struct {
	Email string `json:"email"`
}

// SubmissionEnvelope is the SMTP envelope of an EmailSubmission/set create.
type SubmissionEnvelope struct {
	MailFrom SubmissionEnvelopeAddress   `json:"mailFrom"`
	RcptTo   []SubmissionEnvelopeAddress `json:"rcptTo"`
}

// SubmissionCreate is one entry in EmailSubmission/set create.
type SubmissionCreate struct {
	EmailID    string              `json:"emailId"`
	IdentityID string              `json:"identityId"`
	Envelope   *SubmissionEnvelope `json:"envelope"`
	SendAt     *time.Time          `json:"sendAt"`
}

// SubmissionUpdate is one entry in EmailSubmission/set update. Only
// cancellation is supported.
type SubmissionUpdate struct {
	UndoStatus string `json:"undoStatus"`
}

// SubmissionSetArgs are the arguments of EmailSubmission/set.
type SubmissionSetArgs struct {
	AccountID            string                                `json:"accountId"`
	IfInState            *string                               `json:"ifInState"`
	Create               map[string]SubmissionCreate           `json:"create"`
	Update               map[string]SubmissionUpdate           `json:"update"`
	Destroy              []string                              `json:"destroy"`
	OnSuccessUpdateEmail map[string]map[string]json.RawMessage `json:"onSuccessUpdateEmail"`
}
