// Package embed generates vector embeddings for context retrieval.
package embed

import "context"

// Embedder produces fixed-dimension embeddings for documents and queries.
type Embedder interface {
	// EmbedDocuments embeds a batch of passage texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimensionality.
	Dimension() int
}
