package blob

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = eris.New("blob not found")

// Store keeps project artifacts as objects under per-project buckets.
// Object keys are slash-separated relative paths.
type Store struct {
	fs afero.Fs
}

// NewMemory creates an in-memory Store, used by tests and the one-shot CLI.
func NewMemory() *Store {
	return &Store{fs: afero.NewMemMapFs()}
}

// NewDir creates a Store rooted at dir on the local filesystem.
func NewDir(dir string) *Store {
	return &Store{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

func objectPath(bucket, key string) string {
	return path.Join(bucket, key)
}

// Put writes content at key in bucket, overwriting any existing object.
func (s *Store) Put(bucket, key string, content []byte) error {
	p := objectPath(bucket, key)
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return eris.Wrapf(err, "blob: mkdir for %s", p)
	}
	if err := afero.WriteFile(s.fs, p, content, 0o644); err != nil {
		return eris.Wrapf(err, "blob: write %s", p)
	}
	return nil
}

// Get reads the object at key in bucket.
func (s *Store) Get(bucket, key string) ([]byte, error) {
	p := objectPath(bucket, key)
	data, err := afero.ReadFile(s.fs, p)
	if os.IsNotExist(err) {
		return nil, eris.Wrapf(ErrNotFound, "%s", p)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", p)
	}
	return data, nil
}

// Delete removes the object at key in bucket. Missing objects are a no-op.
func (s *Store) Delete(bucket, key string) error {
	p := objectPath(bucket, key)
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "blob: delete %s", p)
	}
	return nil
}

// List returns the keys of every object in bucket, sorted lexicographically.
func (s *Store) List(bucket string) ([]string, error) {
	keys := []string{}
	err := afero.Walk(s.fs, bucket, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(p, bucket)
		key = strings.TrimPrefix(key, "/")
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blob: list %s", bucket)
	}
	sort.Strings(keys)
	return keys, nil
}
