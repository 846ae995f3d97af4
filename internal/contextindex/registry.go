package contextindex

import (
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryRegistry is an in-process Registry keyed by project id. Indexes are
// created lazily on first write.
type MemoryRegistry struct {
	mu       sync.RWMutex
	projects map[string]*projectIndex
}

type projectIndex struct {
	dimension int
	byPath    map[string][]Chunk
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{projects: make(map[string]*projectIndex)}
}

// Replace swaps the stored chunks for (projectID, path). All vectors within
// a project must share one dimensionality; the first write fixes it.
func (r *MemoryRegistry) Replace(projectID, path string, chunks []Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.projects[projectID]
	if !ok {
		p = &projectIndex{byPath: make(map[string][]Chunk)}
		r.projects[projectID] = p
	}

	if len(chunks) == 0 {
		delete(p.byPath, path)
		return nil
	}

	dim := len(chunks[0].Vector)
	for _, c := range chunks {
		if len(c.Vector) != dim {
			return eris.Errorf("contextindex: inconsistent vector dimensions %d and %d", dim, len(c.Vector))
		}
	}
	if p.dimension == 0 {
		p.dimension = dim
	} else if p.dimension != dim {
		return eris.Errorf("contextindex: project %s expects dimension %d, got %d", projectID, p.dimension, dim)
	}

	p.byPath[path] = chunks
	return nil
}

// All returns every chunk stored for a project, or nil when the project has
// no index.
func (r *MemoryRegistry) All(projectID string) []Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[projectID]
	if !ok {
		return nil
	}
	var out []Chunk
	for _, chunks := range p.byPath {
		out = append(out, chunks...)
	}
	return out
}

// Drop removes a project's index entirely.
func (r *MemoryRegistry) Drop(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, projectID)
}
