// Package search provides semantic text search for Email/query: query text
// is embedded and matched against per-account vectors indexed at ingest.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/harbormail/jmap-backend/internal/email"
	"github.com/harbormail/jmap-backend/internal/filter"
	"github.com/harbormail/jmap-backend/internal/vectorstore"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorQuerier queries vectors from the vector store.
type VectorQuerier interface {
	QueryVectors(ctx context.Context, accountID string, req vectorstore.QueryRequest) ([]vectorstore.QueryResult, error)
}

// VectorSearcher answers text conditions: embed the query, ANN-search the
// account index with metadata constraints, dedup by email, newest first.
type VectorSearcher struct {
	embedder Embedder
	store    VectorQuerier
}

// NewVectorSearcher creates a new VectorSearcher.
func NewVectorSearcher(embedder Embedder, store VectorQuerier) *VectorSearcher {
	return &VectorSearcher{
		embedder: embedder,
		store:    store,
	}
}

// Result contains the email ids matching a search, in result order.
type Result struct {
	IDs      []string
	Position int
}

type hit struct {
	emailID    string
	receivedAt string
}

// Search runs the text portion of a flattened filter. Non-text conditions
// become vector metadata constraints so one store query answers the whole
// conjunction.
func (vs *VectorSearcher) Search(ctx context.Context, accountID string, cond filter.Condition, position, limit int) (*Result, error) {
	searchText, typeFilter := searchParams(cond)
	if searchText == "" {
		return &Result{IDs: []string{}, Position: position}, nil
	}

	vector, err := vs.embedder.GenerateEmbedding(ctx, searchText)
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}

	metaFilter := metadataFilter(cond)
	if typeFilter != "" {
		metaFilter["type"] = map[string]any{"$eq": typeFilter}
	}

	// Headroom for dedup: one email indexes as multiple vectors.
	topK := int32((position + limit) * 3)
	if topK < 50 {
		topK = 50
	}

	results, err := vs.store.QueryVectors(ctx, accountID, vectorstore.QueryRequest{
		Vector: vector,
		TopK:   topK,
		Filter: metaFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	seen := make(map[string]bool)
	var hits []hit
	for _, r := range results {
		emailID, _ := r.Metadata["emailId"].(string)
		if emailID == "" || seen[emailID] {
			continue
		}
		seen[emailID] = true
		receivedAt, _ := r.Metadata["receivedAt"].(string)
		hits = append(hits, hit{emailID: emailID, receivedAt: receivedAt})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].receivedAt > hits[j].receivedAt
	})

	start := min(position, len(hits))
	end := min(start+limit, len(hits))

	ids := make([]string, 0, end-start)
	for _, h := range hits[start:end] {
		ids = append(ids, h.emailID)
	}
	return &Result{IDs: ids, Position: position}, nil
}

// searchParams picks the embedded query text. Subject and body conditions
// constrain the vector type; a bare text condition searches both.
func searchParams(cond filter.Condition) (searchText, typeFilter string) {
	if cond.Subject != "" {
		return cond.Subject, "subject"
	}
	if cond.Body != "" {
		return cond.Body, "body"
	}
	return cond.Text, ""
}

// metadataFilter translates the non-text conditions into S3 Vectors metadata
// operators.
func metadataFilter(cond filter.Condition) map[string]any {
	meta := make(map[string]any)
	if cond.InMailbox != "" {
		// $eq on list metadata matches when any element equals the value.
		meta["mailboxIds"] = map[string]any{"$eq": cond.InMailbox}
	}
	if cond.From != "" {
		meta["fromTokens"] = map[string]any{"$eq": email.NormalizeSearchQuery(cond.From)}
	}
	if cond.To != "" {
		meta["toTokens"] = map[string]any{"$eq": email.NormalizeSearchQuery(cond.To)}
	}
	return meta
}
