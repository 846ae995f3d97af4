package pipeline

import (
	"context"
	"hash/fnv"

	"github.com/stretchr/testify/mock"

	"github.com/forgeworks/devloop/internal/agent"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req agent.GenerationRequest) (*agent.GenerationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.GenerationResult), args.Error(1)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, req agent.VerificationRequest) (agent.Verdict, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(agent.Verdict), args.Error(1)
}

type mockReadmeWriter struct {
	mock.Mock
}

func (m *mockReadmeWriter) WriteReadme(ctx context.Context, req agent.ReadmeRequest) (*agent.ReadmeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.ReadmeResult), args.Error(1)
}

// hashEmbedder derives a deterministic low-dimension vector from text bytes,
// standing in for the real embedding model.
type hashEmbedder struct{}

func (hashEmbedder) embed(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text)) //nolint:errcheck
	sum := h.Sum32()
	return []float32{
		float32(sum % 97),
		float32((sum >> 8) % 89),
		float32((sum >> 16) % 83),
	}
}

func (e hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func (hashEmbedder) Dimension() int { return 3 }
