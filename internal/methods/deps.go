// Package methods implements the JMAP method handlers: Mailbox, Email,
// Thread, and EmailSubmission get/changes/set plus Email query/copy/import.
package methods

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harbormail/jmap-backend/internal/blob"
	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/dynamo"
	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/filter"
	"github.com/harbormail/jmap-backend/internal/jmap"
	"github.com/harbormail/jmap-backend/internal/mailbox"
	"github.com/harbormail/jmap-backend/internal/search"
	"github.com/harbormail/jmap-backend/internal/state"
	"github.com/harbormail/jmap-backend/internal/submission"
	"github.com/harbormail/jmap-backend/internal/thread"
)

// IndexPublisher queues search-index work after a commit. Both methods are
// best-effort; indexing lag is acceptable, lost mutations are not, so these
// are called only after the owning transaction succeeds.
type IndexPublisher interface {
	PublishIndex(ctx context.Context, accountID, emailID, ingestID string) error
	PublishDelete(ctx context.Context, accountID, emailID string) error
}

// Searcher answers text conditions of Email/query. A nil Searcher means
// semantic search is not configured and text filters are rejected.
type Searcher interface {
	Search(ctx context.Context, accountID string, cond filter.Condition, position, limit int) (*search.Result, error)
}

// BlobStorage is the slice of blob.Store the handlers use: raw message and
// attachment bytes in, raw bytes out, best-effort deletes during cleanup.
type BlobStorage interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, blobID string) ([]byte, error)
	Delete(ctx context.Context, blobID string) error
}

// Limits are the configured resource caps enforced by the handlers.
type Limits struct {
	MaxMailboxesPerEmail int
	MaxAttachmentBytes   int64
	MaxObjectsInSet      int
	// MessageIDDomain is the domain of generated Message-Id headers for
	// drafts composed server-side.
	MessageIDDomain string
}

// DefaultLimits returns the caps used when configuration does not override
// them.
func DefaultLimits() Limits {
	return Limits{
		MaxMailboxesPerEmail: 10,
		MaxAttachmentBytes:   25 * 1024 * 1024,
		MaxObjectsInSet:      50,
		MessageIDDomain:      "localhost",
	}
}

// Deps bundles everything the handlers need. All mutation handlers compose
// their writes into one TransactWriteItems call through Writer.
type Deps struct {
	Mailboxes   *mailbox.Repository
	Emails      *email.Repository
	Tokens      *email.TokenRepository
	Threads     *thread.Repository
	Resolver    *thread.Resolver
	Canonical   *canonical.Repository
	States      *state.Repository
	Submissions *submission.Repository
	Blobs       BlobStorage
	BlobMeta    *blob.MetaRepository
	Writer      dynamo.TransactWriter
	Indexer     IndexPublisher
	Searcher    Searcher
	Logger      *slog.Logger
	Limits      Limits

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// Handlers owns the method implementations.
type Handlers struct {
	deps *Deps
}

// NewHandlers creates the method handlers, filling in Now/NewID defaults.
func NewHandlers(deps *Deps) *Handlers {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	return &Handlers{deps: deps}
}

// RegisterAll binds every method to the dispatcher.
func (h *Handlers) RegisterAll(d *jmap.Dispatcher) {
	d.Register("Mailbox/get", h.MailboxGet)
	d.Register("Mailbox/changes", h.MailboxChanges)
	d.Register("Mailbox/set", h.MailboxSet)
	d.Register("Email/get", h.EmailGet)
	d.Register("Email/changes", h.EmailChanges)
	d.Register("Email/set", h.EmailSet)
	d.Register("Email/copy", h.EmailCopy)
	d.Register("Email/import", h.EmailImport)
	d.Register("Email/query", h.EmailQuery)
	d.Register("Thread/get", h.ThreadGet)
	d.Register("Thread/changes", h.ThreadChanges)
	d.Register("EmailSubmission/get", h.SubmissionGet)
	d.Register("EmailSubmission/changes", h.SubmissionChanges)
	d.Register("EmailSubmission/set", h.SubmissionSet)
}
