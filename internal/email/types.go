// Package email provides the per-account view of a message: mailbox
// memberships, flags, custom keywords, soft deletion, and thread membership.
// Parsed content lives in the canonical package.
package email

import (
	"fmt"
	"time"
)

// Flags are the four well-known JMAP keywords, stored as item attributes so
// flag flips never rewrite keyword rows.
type Flags struct {
	Seen     bool
	Flagged  bool
	Answered bool
	Draft    bool
}

// Item represents an account's message stored in DynamoDB. Subject, preview,
// size and hasAttachment are denormalized from the canonical message for
// query results; everything else content-related is fetched via IngestID.
type Item struct {
	AccountID     string
	EmailID       string
	IngestID      string
	BlobID        string
	ThreadID      string
	MailboxIDs    map[string]bool
	Flags         Flags
	ReceivedAt    time.Time
	Size          int64
	Subject       string
	Preview       string
	HasAttachment bool
	Version       int64
	IsDeleted     bool
	DeletedAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PK returns the DynamoDB partition key for this email.
func (e *Item) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", e.AccountID)
}

// SK returns the DynamoDB sort key for this email.
func (e *Item) SK() string {
	return fmt.Sprintf("%s%s", PrefixEmail, e.EmailID)
}

// LSI1SK orders emails by received date for mailbox-independent listing.
func (e *Item) LSI1SK() string {
	return fmt.Sprintf("%s%s#%s", PrefixRcvd, e.ReceivedAt.UTC().Format(time.RFC3339), e.EmailID)
}

// LSI2SK orders emails within a thread by received date.
func (e *Item) LSI2SK() string {
	return fmt.Sprintf("%s%s#%s%s#%s", PrefixThread, e.ThreadID, PrefixRcvd, e.ReceivedAt.UTC().Format(time.RFC3339), e.EmailID)
}

// MembershipItem records that an email belongs to a mailbox, keyed so a
// mailbox's messages list in received order.
type MembershipItem struct {
	AccountID  string
	MailboxID  string
	ReceivedAt time.Time
	EmailID    string
}

// PK returns the DynamoDB partition key for this membership.
func (m *MembershipItem) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", m.AccountID)
}

// SK returns the DynamoDB sort key for this membership.
func (m *MembershipItem) SK() string {
	return fmt.Sprintf("%s%s#EMAIL#%s#%s", PrefixMbox, m.MailboxID, m.ReceivedAt.UTC().Format(time.RFC3339), m.EmailID)
}

// KeywordItem stores one custom keyword on one email as its own row, so
// keyword edits are row inserts/deletes instead of item rewrites.
type KeywordItem struct {
	AccountID string
	EmailID   string
	Keyword   string // normalized (lower-cased)
}

// PK returns the DynamoDB partition key for this keyword.
func (k *KeywordItem) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", k.AccountID)
}

// SK returns the DynamoDB sort key for this keyword.
func (k *KeywordItem) SK() string {
	return fmt.Sprintf("%sEMAIL#%s#%s", PrefixKeyword, k.EmailID, k.Keyword)
}
