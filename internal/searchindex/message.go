// Package searchindex publishes async search-index work to SQS. The mutation
// path only enqueues; the index consumer does the embedding and vector
// writes so a slow model call never sits inside a JMAP request.
package searchindex

// Action is the kind of index operation requested.
type Action string

const (
	// ActionIndex asks the consumer to (re)index an email's content.
	ActionIndex Action = "index"
	// ActionDelete asks the consumer to drop an email's vectors.
	ActionDelete Action = "delete"
)

// Message is the SQS message body for index requests. IngestID points at
// the canonical message whose content gets embedded; it is empty for
// deletes, where only the email id matters.
type Message struct {
	AccountID string `json:"accountId"`
	EmailID   string `json:"emailId"`
	IngestID  string `json:"ingestId,omitempty"`
	Action    Action `json:"action"`
}
