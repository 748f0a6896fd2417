package canonical

// Sort keys under a MSG# partition.
const (
	SKMeta    = "META"
	PrefixRef = "REF#"
)

// Attribute names for DynamoDB items.
const (
	AttrIngestID      = "ingestId"
	AttrRawBlobID     = "rawBlobId"
	AttrSize          = "size"
	AttrHasAttachment = "hasAttachment"
	AttrSubject       = "subject"
	AttrFrom          = "from"
	AttrSender        = "sender"
	AttrTo            = "to"
	AttrCC            = "cc"
	AttrBcc           = "bcc"
	AttrReplyTo       = "replyTo"
	AttrSentAt        = "sentAt"
	AttrMessageID     = "messageId"
	AttrInReplyTo     = "inReplyTo"
	AttrReferences    = "references"
	AttrPreview       = "preview"
	AttrBodyStructure = "bodyStructure"
	AttrTextBody      = "textBody"
	AttrHTMLBody      = "htmlBody"
	AttrAttachments   = "attachments"
	AttrAccountID     = "accountId"
	AttrEmailID       = "emailId"
	AttrCreatedAt     = "createdAt"
)
