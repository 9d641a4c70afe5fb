package imagestore

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/oci"
)

const (
	maxPullAttempts = 3
	pullBaseBackoff = 200 * time.Millisecond
)

// Pull resolves ref against registries, fetches its manifest, and downloads
// any layer blobs not already cached. Concurrent pulls of the same resolved
// digest coalesce onto a single download via a per-digest single-flight
// gate (spec §4.2 "Idempotence and concurrency").
func (s *Store) Pull(ctx context.Context, ref string, registries []string) (*oci.Image, error) {
	provider, err := oci.NewRegistryProvider(ref, registries)
	if err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.ImagePermanent, "InvalidRef", "normalize image reference", err)
	}

	img, err := provider.GetImage(ctx)
	if err != nil {
		return nil, classifyPullError(err)
	}

	result, err, _ := s.pullGroup.Do(img.Digest.String(), func() (any, error) {
		return s.materialize(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oci.Image), nil
}

// materialize downloads every layer blob of img that is not already cached,
// then records the image and layer refcounts in the metadata store.
func (s *Store) materialize(ctx context.Context, img *oci.Image) (*oci.Image, error) {
	for _, layer := range img.Layers {
		if err := s.ensureLayerCached(ctx, layer); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	for _, layer := range img.Layers {
		if err := store.AcquireLayer(ctx, s.db.Images, layer.Digest(), layer.Size()); err != nil {
			return nil, boxliteerr.Wrap(boxliteerr.Storage, "", "acquire layer refcount", err)
		}
	}

	manifestJSON, err := encodeManifest(img)
	if err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.ImagePermanent, "", "encode manifest", err)
	}

	if err := store.UpsertImage(ctx, s.db.Images, &store.ImageRecord{
		Digest:       img.Digest,
		ManifestJSON: manifestJSON,
		Size:         img.Manifest.Size,
		LastUsedAt:   now,
	}); err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.Storage, "", "write image record", err)
	}

	if err := s.mirrorIndex(ctx); err != nil {
		s.logger.Warn("images/index.json mirror update failed", "error", err)
	}

	return img, nil
}

// ensureLayerCached downloads layer's blob to the content-addressed store
// if absent, retrying transient failures with jittered backoff. A digest
// mismatch is permanent and the partial file is unlinked, never referenced.
func (s *Store) ensureLayerCached(ctx context.Context, layer oci.Layer) error {
	finalPath := blobPath(s.homeDir, layer.Digest())
	if _, err := os.Stat(finalPath); err == nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxPullAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(pullBaseBackoff)))
			backoff := pullBaseBackoff<<uint(attempt-1) + jitter
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.downloadLayer(ctx, layer, finalPath)
		if err == nil {
			return nil
		}
		lastErr = err

		if boxliteerr.Is(err, boxliteerr.ImagePermanent) {
			return err
		}
	}

	return boxliteerr.Wrap(boxliteerr.ImageTransient, "", fmt.Sprintf("pull layer %s after %d attempts", layer.Digest(), maxPullAttempts), lastErr)
}

// downloadLayer pulls one layer's full blob into a temp file, verifying its
// digest before the caller publishes it via rename. A retried attempt starts
// the blob over from byte zero rather than resuming a partial download; the
// digest check and unlinked temp file still make a failed attempt safe, just
// not bandwidth-efficient on a large layer.
func (s *Store) downloadLayer(ctx context.Context, layer oci.Layer, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "create blob directory", err)
	}

	reader, err := layer.Compressed(ctx)
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.ImageTransient, "", "open layer stream", err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "create temp blob file", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	verifier := layer.Digest().Verifier()
	writer := io.MultiWriter(tmp, verifier)

	if _, err := io.Copy(writer, reader); err != nil {
		_ = tmp.Close()
		return boxliteerr.Wrap(boxliteerr.ImageTransient, "", "copy layer blob", err)
	}
	if err := tmp.Close(); err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "close temp blob file", err)
	}

	if !verifier.Verified() {
		return boxliteerr.New(boxliteerr.ImagePermanent, "DigestMismatch",
			fmt.Sprintf("layer %s failed digest verification", layer.Digest()))
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "publish blob", err)
	}

	return nil
}

func classifyPullError(err error) error {
	return boxliteerr.Wrap(boxliteerr.ImageTransient, "", "fetch image manifest", err)
}

// newPullGroup is split out only so tests can construct a Store without
// reaching into singleflight.Group's zero value directly.
func newPullGroup() *singleflight.Group { return &singleflight.Group{} }
