// Package contextindex maintains per-project nearest-neighbor indexes over
// previously generated artifact text, used for retrieval-augmented context.
package contextindex

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/forgeworks/devloop/internal/embed"
)

// chunkSize is the fixed chunk length in bytes. Chunking is byte-oriented
// with no semantic boundary awareness.
const chunkSize = 2000

// Chunk is one embedded slice of an artifact.
type Chunk struct {
	ProjectID   string
	Path        string
	Index       int
	TotalChunks int
	Text        string
	Vector      []float32
}

// Result is one query hit. Similarity is 1 - L2 distance; the convention is
// a carry-over from the relational l2_distance ordering and is not cosine
// similarity.
type Result struct {
	Path        string
	ChunkIndex  int
	TotalChunks int
	Text        string
	Distance    float64
	Similarity  float64
}

// Registry stores chunks per project. Implementations must keep one
// dimensionality per project and replace a path's chunks wholesale on write.
type Registry interface {
	Replace(projectID, path string, chunks []Chunk) error
	All(projectID string) []Chunk
	Drop(projectID string)
}

// Index embeds and searches artifact chunks through a Registry.
type Index struct {
	registry Registry
	embedder embed.Embedder
}

// New creates an Index over the given registry and embedder.
func New(registry Registry, embedder embed.Embedder) *Index {
	return &Index{registry: registry, embedder: embedder}
}

// Upsert chunks text, embeds each chunk and stores them, replacing any
// chunks previously stored for the same path.
func (ix *Index) Upsert(ctx context.Context, projectID, path, text string) error {
	texts := splitChunks(text)
	if len(texts) == 0 {
		_ = ix.registry.Replace(projectID, path, nil)
		return nil
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return eris.Wrapf(err, "contextindex: embed %s", path)
	}
	if len(vectors) != len(texts) {
		return eris.Errorf("contextindex: embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{
			ProjectID:   projectID,
			Path:        path,
			Index:       i,
			TotalChunks: len(texts),
			Text:        t,
			Vector:      vectors[i],
		}
	}
	if err := ix.registry.Replace(projectID, path, chunks); err != nil {
		return eris.Wrapf(err, "contextindex: store %s", path)
	}

	zap.L().Debug("indexed artifact",
		zap.String("project_id", projectID),
		zap.String("path", path),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// Query returns the k nearest chunks for text by L2 distance. A project
// with no index, or an empty index, yields an empty slice and no error.
func (ix *Index) Query(ctx context.Context, projectID, text string, k int) ([]Result, error) {
	chunks := ix.registry.All(projectID)
	if len(chunks) == 0 {
		return []Result{}, nil
	}
	if k <= 0 {
		return []Result{}, nil
	}

	queryVec, err := ix.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, eris.Wrap(err, "contextindex: embed query")
	}

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) != len(queryVec) {
			continue
		}
		d := l2Distance(queryVec, c.Vector)
		results = append(results, Result{
			Path:        c.Path,
			ChunkIndex:  c.Index,
			TotalChunks: c.TotalChunks,
			Text:        c.Text,
			Distance:    d,
			Similarity:  1 - d,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// Rebuild discards a project's index so it can be re-populated from the
// persisted artifact set.
func (ix *Index) Rebuild(projectID string) {
	ix.registry.Drop(projectID)
	zap.L().Info("context index dropped for rebuild", zap.String("project_id", projectID))
}

func splitChunks(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for i := 0; i < len(text); i += chunkSize {
		end := i + chunkSize
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[i:end])
	}
	return out
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
