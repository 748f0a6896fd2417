// Package canonical stores the shared, content-addressed representation of a
// parsed RFC 5322 message. One canonical row serves every account that
// received the same raw bytes; per-account state lives in the email package.
package canonical

import (
	"fmt"
	"time"
)

// Address is an email address with optional display name.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BodyPart is a node in the parsed MIME structure. PartID is the dotted path
// of the part within the tree ("1", "1.2", ...).
type BodyPart struct {
	PartID      string     `json:"partId"`
	BlobID      string     `json:"blobId,omitempty"`
	Size        int64      `json:"size"`
	Type        string     `json:"type"`
	Charset     string     `json:"charset,omitempty"`
	Disposition string     `json:"disposition,omitempty"`
	Name        string     `json:"name,omitempty"`
	SubParts    []BodyPart `json:"subParts,omitempty"`
}

// Attachment is a blob-worthy part extracted during ingestion, content
// addressed by the sha-256 of its decoded bytes.
type Attachment struct {
	PartID      string `json:"partId"`
	BlobID      string `json:"blobId"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition,omitempty"`
}

// Message is the canonical parsed message, deduplicated by IngestID (the
// sha-256 of the raw bytes).
type Message struct {
	IngestID      string
	RawBlobID     string
	Size          int64
	HasAttachment bool
	Subject       string
	From          []Address
	Sender        []Address
	To            []Address
	CC            []Address
	BCC           []Address
	ReplyTo       []Address
	SentAt        time.Time
	MessageID     []string
	InReplyTo     []string
	References    []string
	Preview       string
	BodyStructure BodyPart
	TextBody      []string
	HTMLBody      []string
	Attachments   []Attachment
	CreatedAt     time.Time
}

// PK returns the DynamoDB partition key for this message.
func (m *Message) PK() string {
	return fmt.Sprintf("MSG#%s", m.IngestID)
}

// SK returns the DynamoDB sort key for the metadata row.
func (m *Message) SK() string {
	return SKMeta
}

// Reference marks one AccountMessage as a user of a canonical message.
// Cleanup deletes the canonical row only when no references remain.
type Reference struct {
	IngestID  string
	AccountID string
	EmailID   string
}

// PK returns the DynamoDB partition key for this reference.
func (ref *Reference) PK() string {
	return fmt.Sprintf("MSG#%s", ref.IngestID)
}

// SK returns the DynamoDB sort key for this reference.
func (ref *Reference) SK() string {
	return fmt.Sprintf("%sACCOUNT#%s#EMAIL#%s", PrefixRef, ref.AccountID, ref.EmailID)
}
