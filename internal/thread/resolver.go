package thread

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resolution is the outcome of resolving a message to a thread.
type Resolution struct {
	ThreadID string
	// IsNew is true when no existing thread matched and a fresh ID was
	// allocated. The caller is responsible for writing the thread row.
	IsNew bool
	// AdvancesLatest is true when the message's internal date is later than
	// the matched thread's latestMessageAt, so the caller should include a
	// BuildSetLatestItem in its transaction.
	AdvancesLatest bool
}

// Resolver maps messages to threads by header correlation. This is a
// best-effort heuristic, not RFC-perfect threading: In-Reply-To wins, then
// the earliest already-known References entry, then a new thread.
type Resolver struct {
	repo *Repository
}

// NewResolver creates a new Resolver.
func NewResolver(repo *Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve finds the thread for a message from its In-Reply-To and References
// headers, or allocates a new thread ID when nothing matches. The subject is
// accepted for signature stability but not used for matching.
func (r *Resolver) Resolve(ctx context.Context, accountID, subject string, internalDate time.Time, inReplyTo, referencesHeader string) (*Resolution, error) {
	if id := NormalizeMessageID(inReplyTo); id != "" {
		match, err := r.repo.GetMessageID(ctx, accountID, id)
		if err != nil {
			return nil, fmt.Errorf("looking up in-reply-to %q: %w", id, err)
		}
		if match != nil {
			return r.resolution(ctx, accountID, match.ThreadID, internalDate)
		}
	}

	// Fall back to References: reuse the thread of the earliest known
	// referenced message.
	var earliest *MessageIDItem
	for _, id := range ParseReferences(referencesHeader) {
		match, err := r.repo.GetMessageID(ctx, accountID, id)
		if err != nil {
			return nil, fmt.Errorf("looking up reference %q: %w", id, err)
		}
		if match == nil {
			continue
		}
		if earliest == nil || match.InternalDate.Before(earliest.InternalDate) {
			earliest = match
		}
	}
	if earliest != nil {
		return r.resolution(ctx, accountID, earliest.ThreadID, internalDate)
	}

	return &Resolution{ThreadID: uuid.NewString(), IsNew: true}, nil
}

func (r *Resolver) resolution(ctx context.Context, accountID, threadID string, internalDate time.Time) (*Resolution, error) {
	th, err := r.repo.GetThread(ctx, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("reading thread %q: %w", threadID, err)
	}
	return &Resolution{
		ThreadID:       threadID,
		AdvancesLatest: internalDate.After(th.LatestMessageAt),
	}, nil
}

// NormalizeMessageID canonicalizes a Message-ID header value for index
// matching: angle brackets and surrounding whitespace stripped, lower-cased.
// Returns "" for values with no usable id.
func NormalizeMessageID(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.IndexByte(s, '<'); start >= 0 {
		s = s[start+1:]
		if end := strings.IndexByte(s, '>'); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)
	return strings.ToLower(s)
}

// ParseReferences extracts the ordered list of normalized message-ids from a
// References header. Well-formed headers use angle-bracketed ids; malformed
// ones fall back to whitespace splitting.
func ParseReferences(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var ids []string
	if strings.Contains(header, "<") {
		rest := header
		for {
			start := strings.IndexByte(rest, '<')
			if start < 0 {
				break
			}
			rest = rest[start+1:]
			end := strings.IndexByte(rest, '>')
			if end < 0 {
				break
			}
			if id := strings.ToLower(strings.TrimSpace(rest[:end])); id != "" {
				ids = append(ids, id)
			}
			rest = rest[end+1:]
		}
		return ids
	}

	for _, tok := range strings.Fields(header) {
		if id := NormalizeMessageID(tok); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
