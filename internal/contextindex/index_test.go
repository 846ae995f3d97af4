package contextindex

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps known texts to fixed 2-d vectors so distances are exact.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, assert.AnError
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vecFor(t)
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, assert.AnError
	}
	return s.vecFor(text), nil
}

func (s *stubEmbedder) Dimension() int { return 2 }

func (s *stubEmbedder) vecFor(text string) []float32 {
	if v, ok := s.vectors[text]; ok {
		return v
	}
	return []float32{0, 0}
}

func TestQueryEmptyIndexReturnsEmptySlice(t *testing.T) {
	t.Parallel()

	ix := New(NewMemoryRegistry(), &stubEmbedder{})

	results, err := ix.Query(context.Background(), "no-such-project", "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestQueryOrdersByL2Distance(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{
		"near":  {0.1, 0},
		"mid":   {1, 0},
		"far":   {3, 4},
		"query": {0, 0},
	}}
	ix := New(NewMemoryRegistry(), emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "p1", "a.txt", "near"))
	require.NoError(t, ix.Upsert(ctx, "p1", "b.txt", "mid"))
	require.NoError(t, ix.Upsert(ctx, "p1", "c.txt", "far"))

	results, err := ix.Query(ctx, "p1", "query", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a.txt", results[0].Path)
	assert.InDelta(t, 0.1, results[0].Distance, 1e-6)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-6)

	assert.Equal(t, "b.txt", results[1].Path)
	assert.InDelta(t, 1.0, results[1].Distance, 1e-6)
	assert.InDelta(t, 0.0, results[1].Similarity, 1e-6)
}

func TestSimilarityIsOneMinusDistance(t *testing.T) {
	t.Parallel()

	// Distance > 1 must produce a negative similarity, not be clamped.
	emb := &stubEmbedder{vectors: map[string][]float32{
		"far":   {3, 4}, // distance 5 from origin
		"query": {0, 0},
	}}
	ix := New(NewMemoryRegistry(), emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "p1", "far.txt", "far"))

	results, err := ix.Query(ctx, "p1", "query", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, -4.0, results[0].Similarity, 1e-6)
}

func TestUpsertOverwritesByPath(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{
		"v1":    {1, 0},
		"v2":    {0, 1},
		"query": {0, 0},
	}}
	ix := New(NewMemoryRegistry(), emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "p1", "f.txt", "v1"))
	require.NoError(t, ix.Upsert(ctx, "p1", "f.txt", "v2"))

	results, err := ix.Query(ctx, "p1", "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v2", results[0].Text)
}

func TestChunkingSplitsLongContent(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", chunkSize*2+10)
	chunks := splitChunks(long)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], chunkSize)
	assert.Len(t, chunks[2], 10)

	assert.Nil(t, splitChunks(""))
}

func TestRebuildDropsProject(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{"doc": {1, 1}}}
	ix := New(NewMemoryRegistry(), emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "p1", "f.txt", "doc"))
	ix.Rebuild("p1")

	results, err := ix.Query(ctx, "p1", "doc", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestProjectsAreIsolated(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{"doc": {1, 1}}}
	ix := New(NewMemoryRegistry(), emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "p1", "f.txt", "doc"))

	results, err := ix.Query(ctx, "p2", "doc", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegistryRejectsDimensionMismatch(t *testing.T) {
	t.Parallel()

	r := NewMemoryRegistry()
	require.NoError(t, r.Replace("p1", "a", []Chunk{{Vector: []float32{1, 2}}}))

	err := r.Replace("p1", "b", []Chunk{{Vector: []float32{1, 2, 3}}})
	require.Error(t, err)
}
