// Package thread provides conversation threading for emails: thread rows,
// a message-id lookup index, and header-based thread resolution.
package thread

import (
	"fmt"
	"time"
)

// Item represents a thread stored in DynamoDB.
type Item struct {
	AccountID       string
	ThreadID        string
	LatestMessageAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PK returns the DynamoDB partition key for this thread.
func (t *Item) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", t.AccountID)
}

// SK returns the DynamoDB sort key for this thread.
func (t *Item) SK() string {
	return fmt.Sprintf("%s%s", PrefixThread, t.ThreadID)
}

// MessageIDItem indexes a normalized RFC 5322 Message-ID to the email and
// thread it belongs to, for reply correlation.
type MessageIDItem struct {
	AccountID    string
	MessageID    string // normalized: no angle brackets, lower-cased
	EmailID      string
	ThreadID     string
	InternalDate time.Time
}

// PK returns the DynamoDB partition key for this index entry.
func (m *MessageIDItem) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", m.AccountID)
}

// SK returns the DynamoDB sort key for this index entry.
func (m *MessageIDItem) SK() string {
	return fmt.Sprintf("%s%s", PrefixMsgID, m.MessageID)
}
