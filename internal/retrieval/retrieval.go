// Package retrieval defines the vector-retrieval collaborator contract.
// Valet does not implement similarity search itself; the actor augments
// LLM context with whatever a configured Searcher returns.
package retrieval

import "context"

// Searcher finds previously stored text relevant to a query.
type Searcher interface {
	Search(ctx context.Context, userID, query string, topK int) ([]string, error)
}

// Noop satisfies Searcher without a backing index. Used when no
// retrieval service is configured.
type Noop struct{}

// Search always returns no results.
func (Noop) Search(ctx context.Context, userID, query string, topK int) ([]string, error) {
	return nil, nil
}
