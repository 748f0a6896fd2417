package thread

// Key prefixes for DynamoDB sort keys.
const (
	PrefixThread = "THREAD#"
	PrefixMsgID  = "MSGID#"
)

// Attribute names for thread items.
const (
	AttrThreadID        = "threadId"
	AttrAccountID       = "accountId"
	AttrLatestMessageAt = "latestMessageAt"
	AttrCreatedAt       = "createdAt"
	AttrUpdatedAt       = "updatedAt"
)

// Attribute names for message-id index items.
const (
	AttrMessageID    = "messageId"
	AttrEmailID      = "emailId"
	AttrInternalDate = "internalDate"
)
