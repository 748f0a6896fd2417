// Package mailbox provides types and storage for JMAP mailboxes.
package mailbox

import (
	"fmt"
	"time"
)

// ValidRoles defines the reserved mailbox roles. At most one mailbox per
// role per account.
var ValidRoles = map[string]bool{
	"inbox":   true,
	"drafts":  true,
	"sent":    true,
	"trash":   true,
	"spam":    true,
	"archive": true,
}

// DefaultRoles is the bootstrap set created for a new account, in sort order.
var DefaultRoles = []string{"inbox", "drafts", "sent", "archive", "spam", "trash"}

// Rights represents permissions for a mailbox.
type Rights struct {
	MayReadItems   bool `json:"mayReadItems"`
	MayAddItems    bool `json:"mayAddItems"`
	MayRemoveItems bool `json:"mayRemoveItems"`
	MaySetSeen     bool `json:"maySetSeen"`
	MaySetKeywords bool `json:"maySetKeywords"`
	MayCreateChild bool `json:"mayCreateChild"`
	MayRename      bool `json:"mayRename"`
	MayDelete      bool `json:"mayDelete"`
	MaySubmit      bool `json:"maySubmit"`
}

// AllRights returns a Rights with all permissions enabled.
func AllRights() Rights {
	return Rights{
		MayReadItems:   true,
		MayAddItems:    true,
		MayRemoveItems: true,
		MaySetSeen:     true,
		MaySetKeywords: true,
		MayCreateChild: true,
		MayRename:      true,
		MayDelete:      true,
		MaySubmit:      true,
	}
}

// Item represents a mailbox stored in DynamoDB.
type Item struct {
	AccountID    string
	MailboxID    string
	Name         string
	ParentID     string
	Role         string
	SortOrder    int
	TotalEmails  int
	UnreadEmails int
	IsSubscribed bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PK returns the DynamoDB partition key for this mailbox.
func (m *Item) PK() string {
	return fmt.Sprintf("ACCOUNT#%s", m.AccountID)
}

// SK returns the DynamoDB sort key for this mailbox.
func (m *Item) SK() string {
	return fmt.Sprintf("%s%s", PrefixMailbox, m.MailboxID)
}
