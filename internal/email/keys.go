package email

// Key prefixes for DynamoDB sort keys.
const (
	PrefixEmail   = "EMAIL#"
	PrefixMbox    = "MBOX#"
	PrefixKeyword = "KW#"
	PrefixRcvd    = "RCVD#"
	PrefixThread  = "THREAD#"
)

// Attribute names for DynamoDB items.
const (
	AttrEmailID    = "emailId"
	AttrAccountID  = "accountId"
	AttrIngestID   = "ingestId"
	AttrBlobID     = "blobId"
	AttrThreadID   = "threadId"
	AttrMailboxIDs = "mailboxIds"
	AttrSeen       = "seen"
	AttrFlagged    = "flagged"
	AttrAnswered   = "answered"
	AttrDraft      = "draft"
	AttrReceivedAt = "receivedAt"
	AttrSize       = "size"
	AttrSubject    = "subject"
	AttrPreview    = "preview"
	AttrHasAttach  = "hasAttachment"
	AttrVersion    = "version"
	AttrIsDeleted  = "isDeleted"
	AttrDeletedAt  = "deletedAt"
	AttrKeyword    = "keyword"
	AttrCreatedAt  = "createdAt"
	AttrUpdatedAt  = "updatedAt"
)
