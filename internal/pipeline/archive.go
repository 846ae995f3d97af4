package pipeline

import (
	"archive/zip"
	"bytes"
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// buildArchive packages every blob artifact of a project into one zip.
// Entries follow lexicographic path order with fixed metadata, so the same
// artifact set always produces the same bytes.
func (p *Pipeline) buildArchive(ctx context.Context, projectID string) ([]byte, error) {
	paths, err := p.blobs.List(projectID)
	if err != nil {
		return nil, eris.Wrap(err, "list blobs")
	}

	contents := make([][]byte, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			data, err := p.blobs.Get(projectID, path)
			if err != nil {
				return eris.Wrapf(err, "read %s", path)
			}
			contents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, path := range paths {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   path,
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "archive entry %s", path)
		}
		if _, err := w.Write(contents[i]); err != nil {
			return nil, eris.Wrapf(err, "archive write %s", path)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, eris.Wrap(err, "close archive")
	}
	return buf.Bytes(), nil
}
