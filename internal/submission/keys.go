package submission

// Key prefixes and partitions.
const (
	PrefixSubmit      = "SUBMIT#"
	QueuePartition    = "SUBQUEUE"
	PrefixDue         = "DUE#"
	PrefixProviderMsg = "PROVMSG#"
	SKMeta            = "META"
)

// Attribute names for DynamoDB items.
const (
	AttrSubmissionID   = "submissionId"
	AttrAccountID      = "accountId"
	AttrEmailID        = "emailId"
	AttrIdentityID     = "identityId"
	AttrBlobID         = "blobId"
	AttrEnvelope       = "envelope"
	AttrDeliveryStatus = "deliveryStatus"
	AttrRetryCount     = "retryCount"
	AttrNextAttemptAt  = "nextAttemptAt"
	AttrStatus         = "status"
	AttrSendAt         = "sendAt"
	AttrProviderMsgID  = "providerMessageId"
	AttrCreatedAt      = "createdAt"
	AttrUpdatedAt      = "updatedAt"
)
