package methods

import (
	"time"

	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/submission"
)

// MailboxView is the JMAP Mailbox object shape.
type MailboxView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ParentID     *string        `json:"parentId"`
	Role         *string        `json:"role"`
	SortOrder    int            `json:"sortOrder"`
	TotalEmails  int            `json:"totalEmails"`
	UnreadEmails int            `json:"unreadEmails"`
	MyRights     mailbox.Rights `json:"myRights"`
	IsSubscribed bool           `json:"isSubscribed"`
}

func mailboxView(m *mailbox.Item) *MailboxView {
	v := &MailboxView{
		ID:           m.MailboxID,
		Name:         m.Name,
		SortOrder:    m.SortOrder,
		TotalEmails:  m.TotalEmails,
		UnreadEmails: m.UnreadEmails,
		MyRights:     mailbox.AllRights(),
		IsSubscribed: m.IsSubscribed,
	}
	if m.ParentID != "" {
		v.ParentID = &m.ParentID
	}
	if m.Role != "" {
		v.Role = &m.Role
	}
	return v
}

// AddressView is the JMAP EmailAddress shape.
type AddressView struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func addressViews(addrs []canonical.Address) []AddressView {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]AddressView, len(addrs))
	for i, a := range addrs {
		out[i] = AddressView{Name: a.Name, Email: a.Email}
	}
	return out
}

// AttachmentView is one attachment in an Email view.
type AttachmentView struct {
	BlobID      string `json:"blobId"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition,omitempty"`
	PartID      string `json:"partId"`
}

// EmailView is the JMAP Email object shape.
type EmailView struct {
	ID            string           `json:"id"`
	BlobID        string           `json:"blobId"`
	ThreadID      string           `json:"threadId"`
	MailboxIDs    map[string]bool  `json:"mailboxIds"`
	Keywords      map[string]bool  `json:"keywords"`
	Size          int64            `json:"size"`
	ReceivedAt    time.Time        `json:"receivedAt"`
	Subject       string           `json:"subject"`
	From          []AddressView    `json:"from,omitempty"`
	Sender        []AddressView    `json:"sender,omitempty"`
	To            []AddressView    `json:"to,omitempty"`
	CC            []AddressView    `json:"cc,omitempty"`
	BCC           []AddressView    `json:"bcc,omitempty"`
	ReplyTo       []AddressView    `json:"replyTo,omitempty"`
	SentAt        *time.Time       `json:"sentAt,omitempty"`
	MessageID     []string         `json:"messageId,omitempty"`
	InReplyTo     []string         `json:"inReplyTo,omitempty"`
	References    []string         `json:"references,omitempty"`
	Preview       string           `json:"preview"`
	HasAttachment bool             `json:"hasAttachment"`
	TextBody      []string         `json:"textBody,omitempty"`
	HTMLBody      []string         `json:"htmlBody,omitempty"`
	Attachments   []AttachmentView `json:"attachments,omitempty"`
}

func emailView(e *email.Item, msg *canonical.Message, customKeywords []string) *EmailView {
	v := &EmailView{
		ID:            e.EmailID,
		BlobID:        e.BlobID,
		ThreadID:      e.ThreadID,
		MailboxIDs:    e.MailboxIDs,
		Keywords:      email.MergeKeywords(e.Flags, customKeywords),
		Size:          e.Size,
		ReceivedAt:    e.ReceivedAt,
		Subject:       e.Subject,
		Preview:       e.Preview,
		HasAttachment: e.HasAttachment,
	}
	if msg != nil {
		v.From = addressViews(msg.From)
		v.Sender = addressViews(msg.Sender)
		v.To = addressViews(msg.To)
		v.CC = addressViews(msg.CC)
		v.BCC = addressViews(msg.BCC)
		v.ReplyTo = addressViews(msg.ReplyTo)
		if !msg.SentAt.IsZero() {
			sentAt := msg.SentAt
			v.SentAt = &sentAt
		}
		v.MessageID = msg.MessageID
		v.InReplyTo = msg.InReplyTo
		v.References = msg.References
		v.TextBody = msg.TextBody
		v.HTMLBody = msg.HTMLBody
		if len(msg.Attachments) > 0 {
			v.Attachments = make([]AttachmentView, len(msg.Attachments))
			for i, a := range msg.Attachments {
				v.Attachments[i] = AttachmentView{
					BlobID:      a.BlobID,
					Type:        a.Type,
					Name:        a.Name,
					Size:        a.Size,
					Disposition: a.Disposition,
					PartID:      a.PartID,
				}
			}
		}
	}
	return v
}

// ThreadView is the JMAP Thread object shape.
type ThreadView struct {
	ID       string   `json:"id"`
	EmailIDs []string `json:"emailIds"`
}

// DeliveryStatusView is the per-recipient delivery status shape.
type DeliveryStatusView struct {
	SMTPReply string `json:"smtpReply"`
	Delivered string `json:"delivered"`
	Displayed string `json:"displayed"`
}

// SubmissionView is the JMAP EmailSubmission object shape.
type SubmissionView struct {
	ID             string                        `json:"id"`
	EmailID        string                        `json:"emailId"`
	IdentityID     string                        `json:"identityId,omitempty"`
	ThreadID       string                        `json:"threadId,omitempty"`
	Envelope       *SubmissionEnvelope           `json:"envelope"`
	SendAt         time.Time                     `json:"sendAt"`
	UndoStatus     string                        `json:"undoStatus"`
	DeliveryStatus map[string]DeliveryStatusView `json:"deliveryStatus,omitempty"`
}

func submissionView(s *submission.Item, threadID string) *SubmissionView {
	env := &SubmissionEnvelope{
		MailFrom: SubmissionEnvelopeAddress{Email: s.Envelope.MailFrom},
	}
	for _, rcpt := range s.Envelope.RcptTo {
		env.RcptTo = append(env.RcptTo, SubmissionEnvelopeAddress{Email: rcpt})
	}

	v := &SubmissionView{
		ID:         s.SubmissionID,
		EmailID:    s.EmailID,
		IdentityID: s.IdentityID,
		ThreadID:   threadID,
		Envelope:   env,
		SendAt:     s.SendAt,
		UndoStatus: undoStatus(s.Status),
	}
	if len(s.DeliveryStatus) > 0 {
		v.DeliveryStatus = make(map[string]DeliveryStatusView, len(s.DeliveryStatus))
		for rcpt, ds := range s.DeliveryStatus {
			v.DeliveryStatus[rcpt] = DeliveryStatusView{
				SMTPReply: ds.SMTPReply,
				Delivered: ds.Delivered,
				Displayed: ds.Displayed,
			}
		}
	}
	return v
}

// undoStatus maps queue status onto the JMAP undoStatus field: pending while
// cancellation is still possible, canceled, else final.
func undoStatus(s submission.Status) string {
	switch s {
	case submission.StatusPending:
		return "pending"
	case submission.StatusCanceled:
		return "canceled"
	default:
		return "final"
	}
}
