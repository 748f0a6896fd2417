// Package state provides per-account JMAP state tracking and change logs.
package state

import (
	"fmt"
	"time"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// ObjectType represents the type of JMAP object being tracked.
type ObjectType string

const (
	// ObjectTypeEmail represents the Email object type.
	ObjectTypeEmail ObjectType = "Email"
	// ObjectTypeMailbox represents the Mailbox object type.
	ObjectTypeMailbox ObjectType = "Mailbox"
	// ObjectTypeThread represents the Thread object type.
	ObjectTypeThread ObjectType = "Thread"
	// ObjectTypeEmailSubmission represents the EmailSubmission object type.
	ObjectTypeEmailSubmission ObjectType = "EmailSubmission"
)

// TrackedTypes lists every object type with a state counter, in the order
// used to derive the combined session state.
var TrackedTypes = []ObjectType{
	ObjectTypeEmail,
	ObjectTypeMailbox,
	ObjectTypeThread,
	ObjectTypeEmailSubmission,
}

// ChangeType represents the type of change made to an object.
type ChangeType string

const (
	// ChangeTypeCreated indicates a new object was created.
	ChangeTypeCreated ChangeType = "created"
	// ChangeTypeUpdated indicates an existing object was modified.
	ChangeTypeUpdated ChangeType = "updated"
	// ChangeTypeDestroyed indicates an object was deleted.
	ChangeTypeDestroyed ChangeType = "destroyed"
)

// Sort key prefixes and attribute names.
const (
	PrefixState  = "STATE#"
	PrefixChange = "CHANGE#"

	AttrCurrentState      = "currentState"
	AttrObjectID          = "objectId"
	AttrChangeType        = "changeType"
	AttrUpdatedProperties = "updatedProperties"
	AttrTimestamp         = "timestamp"
	AttrState             = "state"
	AttrUpdatedAt         = "updatedAt"
	AttrTTL               = "ttl"
)

// CounterItem is the per-(account, type) state counter.
// PK: ACCOUNT#{accountId}
// SK: STATE#{type}
type CounterItem struct {
	AccountID    string
	ObjectType   ObjectType
	CurrentState int64
	UpdatedAt    time.Time
}

// PK returns the DynamoDB partition key for this counter.
func (s *CounterItem) PK() string {
	return dynamo.PrefixAccount + s.AccountID
}

// SK returns the DynamoDB sort key for this counter.
func (s *CounterItem) SK() string {
	return PrefixState + string(s.ObjectType)
}

// ChangeRecord is an append-only change log entry.
// PK: ACCOUNT#{accountId}
// SK: CHANGE#{type}#{state} (state zero-padded to 10 digits)
type ChangeRecord struct {
	AccountID         string
	ObjectType        ObjectType
	State             int64
	ObjectID          string
	ChangeType        ChangeType
	UpdatedProperties []string
	Timestamp         time.Time
	TTL               int64
}

// PK returns the DynamoDB partition key for this change record.
func (c *ChangeRecord) PK() string {
	return dynamo.PrefixAccount + c.AccountID
}

// SK returns the DynamoDB sort key for this change record.
// State is zero-padded to 10 digits so lexicographic order is numeric order.
func (c *ChangeRecord) SK() string {
	return fmt.Sprintf("%s%s#%010d", PrefixChange, c.ObjectType, c.State)
}

// ChangesResult is the collapsed result of a /changes query.
type ChangesResult struct {
	OldState          string
	NewState          string
	HasMoreChanges    bool
	Created           []string
	Updated           []string
	Destroyed         []string
	UpdatedProperties []string
}

// Change describes one object mutation to be recorded alongside a state bump.
type Change struct {
	ObjectID          string
	ChangeType        ChangeType
	UpdatedProperties []string
}

// DefaultRetentionDays is the default TTL for change log entries.
const DefaultRetentionDays = 7

// MaxStateValue is the maximum value for a state counter (10 digits).
const MaxStateValue = 9999999999

// FormatState renders a modSeq counter as the state string clients see.
func FormatState(v int64) string {
	return fmt.Sprintf("%d", v)
}
