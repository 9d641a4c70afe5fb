package imagestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/suryatmodulus/boxlite/pkg/oci"
)

// blobPath returns the content-addressed path for a layer digest under
// $HOME/images/blobs/sha256/<hex>.
func blobPath(homeDir string, dgst digest.Digest) string {
	return filepath.Join(homeDir, "images", "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// diskLayer satisfies oci.Layer by reading an already-pulled blob from the
// local content-addressed store, instead of re-fetching from the registry.
// Rootfs assembly always reads from disk so a restart never needs network
// access for an image it has already pulled.
type diskLayer struct {
	path      string
	dgst      digest.Digest
	size      int64
	mediaType string
}

func (l *diskLayer) Digest() digest.Digest { return l.dgst }
func (l *diskLayer) Size() int64           { return l.size }
func (l *diskLayer) MediaType() string     { return l.mediaType }

func (l *diskLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open cached layer blob %s: %w", l.dgst, err)
	}
	return f, nil
}

// toDiskLayers rewrites image.Layers to read from the local blob cache,
// assuming every layer has already been pulled to blobPath(homeDir, digest).
func toDiskLayers(homeDir string, layers []oci.Layer) ([]oci.Layer, error) {
	out := make([]oci.Layer, len(layers))
	for i, l := range layers {
		path := blobPath(homeDir, l.Digest())
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("layer %s not cached at %s: %w", l.Digest(), path, err)
		}
		out[i] = &diskLayer{path: path, dgst: l.Digest(), size: info.Size(), mediaType: l.MediaType()}
	}
	return out, nil
}
