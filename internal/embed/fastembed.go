package embed

import (
	"context"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"github.com/rotisserie/eris"
)

// FastEmbedConfig configures the local ONNX embedding model.
type FastEmbedConfig struct {
	// Model is the embedding model name. Default: BAAI/bge-small-en-v1.5.
	Model string
	// CacheDir is where model files are cached. Default: ./local_cache.
	CacheDir string
	// MaxLength caps the input sequence length. Default: 512.
	MaxLength int
}

var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var fastembedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

// FastEmbed implements Embedder with a local ONNX model, so indexing works
// without a remote embedding service.
type FastEmbed struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	dimension int
}

// NewFastEmbed initializes the ONNX model described by cfg.
func NewFastEmbed(cfg FastEmbedConfig) (*FastEmbed, error) {
	name := cfg.Model
	if name == "" {
		name = "BAAI/bge-small-en-v1.5"
	}
	m, ok := fastembedModels[name]
	if !ok {
		return nil, eris.Errorf("embed: unsupported model %q", name)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "local_cache"
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}

	showProgress := false
	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                m,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, eris.Wrap(err, "embed: init fastembed")
	}

	return &FastEmbed{model: fe, dimension: fastembedDimensions[m]}, nil
}

func (f *FastEmbed) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, eris.New("embed: no texts")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	vecs, err := f.model.PassageEmbed(texts, 256)
	if err != nil {
		return nil, eris.Wrap(err, "embed: passage embed")
	}
	return vecs, nil
}

func (f *FastEmbed) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, eris.New("embed: empty query")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	vec, err := f.model.QueryEmbed(text)
	if err != nil {
		return nil, eris.Wrap(err, "embed: query embed")
	}
	return vec, nil
}

func (f *FastEmbed) Dimension() int {
	return f.dimension
}

// Close releases the underlying ONNX session.
func (f *FastEmbed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.model != nil {
		return f.model.Destroy()
	}
	return nil
}
