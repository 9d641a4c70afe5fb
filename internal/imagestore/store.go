// Package imagestore implements the Image Store (C3): pulling OCI images
// into a content-addressed blob cache, tracking them and their layer
// refcounts in internal/store, and flattening cached layers into a box's
// rootfs directory.
package imagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/fs"
	"github.com/suryatmodulus/boxlite/pkg/oci"
)

// Store is the process-wide image cache for one BoxLite home directory.
type Store struct {
	homeDir   string
	db        *store.DB
	flattener fs.FsBuilder
	logger    *slog.Logger
	pullGroup *singleflight.Group
}

// New wires an image Store against an already-open metadata DB. flattener is
// injectable so tests can substitute fs.NewNoOpLayerFlattener().
func New(homeDir string, db *store.DB, flattener fs.FsBuilder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		homeDir:   homeDir,
		db:        db,
		flattener: flattener,
		logger:    logger,
		pullGroup: newPullGroup(),
	}
}

// indexEntry mirrors one images.db row into images/index.json, grounded on
// the original implementation keeping a flat index alongside its database
// (see SPEC_FULL.md's supplemented-features note on db/images.rs).
type indexEntry struct {
	Digest     string `json:"digest"`
	Size       int64  `json:"size"`
	LastUsedAt int64  `json:"last_used_at"`
}

// mirrorIndex rewrites $HOME/images/index.json from the current images.db
// contents. It is best-effort: a mirror write failure never fails a pull,
// it is only a convenience for external tooling inspecting the cache
// without opening sqlite.
func (s *Store) mirrorIndex(ctx context.Context) error {
	rows, err := s.db.Images.QueryContext(ctx, `SELECT digest, size, last_used_at FROM images ORDER BY digest`)
	if err != nil {
		return fmt.Errorf("query images for index: %w", err)
	}
	defer rows.Close()

	var entries []indexEntry
	for rows.Next() {
		var e indexEntry
		if err := rows.Scan(&e.Digest, &e.Size, &e.LastUsedAt); err != nil {
			return fmt.Errorf("scan image row for index: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	indexDir := filepath.Join(s.homeDir, "images")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return fmt.Errorf("create images directory: %w", err)
	}

	return fs.WriteFileAtomic(filepath.Join(indexDir, "index.json"), data, 0o644)
}

// AssembleRootfs flattens img's cached layers into lowerDir, stacked in
// manifest order, with whiteouts applied per layer. It writes only the
// directory it is given: the box controller passes a per-box
// boxes/<id>/lower directory and shares it with the guest read-only. No
// per-box upper directory is created or stacked on top by this package or
// its caller.
func (s *Store) AssembleRootfs(ctx context.Context, img *oci.Image, lowerDir string) error {
	diskLayers, err := toDiskLayers(s.homeDir, img.Layers)
	if err != nil {
		return boxliteerr.Wrap(boxliteerr.Storage, "", "resolve cached layers", err)
	}

	if err := s.flattener.BuildFs(ctx, diskLayers, lowerDir); err != nil {
		return boxliteerr.Wrap(boxliteerr.ImagePermanent, "", "assemble rootfs", err)
	}

	return nil
}

// GC deletes blobs for every layer at refcount 0. It is explicit and
// manual, never run automatically, per the open-question decision recorded
// in DESIGN.md.
func (s *Store) GC(ctx context.Context) (int, error) {
	unreferenced, err := store.UnreferencedLayers(ctx, s.db.Images)
	if err != nil {
		return 0, boxliteerr.Wrap(boxliteerr.Storage, "", "list unreferenced layers", err)
	}

	var removed int
	for _, dgst := range unreferenced {
		path := blobPath(s.homeDir, dgst)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, boxliteerr.Wrap(boxliteerr.Storage, "", fmt.Sprintf("remove blob %s", dgst), err)
		}
		if err := store.DeleteLayer(ctx, s.db.Images, dgst); err != nil {
			return removed, boxliteerr.Wrap(boxliteerr.Storage, "", fmt.Sprintf("delete layer row %s", dgst), err)
		}
		removed++
	}

	if err := s.mirrorIndex(ctx); err != nil {
		s.logger.Warn("images/index.json mirror update failed after GC", "error", err)
	}

	return removed, nil
}

// Release drops one reference to every layer digest of img, typically
// called when a box referencing it is removed. It does not delete the
// image row itself; callers needing that call store.DeleteImage directly
// once no box references the digest.
func (s *Store) Release(ctx context.Context, img *oci.Image) error {
	for _, layer := range img.Layers {
		if err := store.ReleaseLayer(ctx, s.db.Images, layer.Digest()); err != nil {
			return boxliteerr.Wrap(boxliteerr.Storage, "", fmt.Sprintf("release layer %s", layer.Digest()), err)
		}
	}
	return nil
}

// Load reconstructs an *oci.Image from a previously pulled digest's stored
// manifest, so box start never needs the original registry reference —
// only the content digest persisted on the box's own record.
func (s *Store) Load(ctx context.Context, dgst digest.Digest) (*oci.Image, error) {
	rec, err := store.GetImage(ctx, s.db.Images, dgst)
	if err != nil {
		return nil, err
	}

	var doc manifestDoc
	if err := json.Unmarshal([]byte(rec.ManifestJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal manifest for %s: %w", dgst, err)
	}

	layers := make([]oci.Layer, len(doc.LayerDigests))
	for i, d := range doc.LayerDigests {
		layers[i] = manifestLayer{digest: d}
	}

	return &oci.Image{
		Digest:   dgst,
		Config:   doc.Config,
		Layers:   layers,
		Manifest: &oci.Manifest{MediaType: doc.MediaType, Size: doc.Size},
	}, nil
}

// manifestLayer carries just enough identity (its digest) to let
// toDiskLayers locate the cached blob; size and media type come from the
// blob itself once resolved to disk.
type manifestLayer struct {
	digest digest.Digest
}

func (l manifestLayer) Digest() digest.Digest { return l.digest }
func (l manifestLayer) Size() int64           { return 0 }
func (l manifestLayer) MediaType() string     { return "" }
func (l manifestLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	return nil, fmt.Errorf("manifestLayer %s: compressed data not available, only cached on disk", l.digest)
}

// manifestDoc is the JSON shape stored in images.manifest_json: enough to
// reconstruct an *oci.Image's layer list for rootfs assembly without
// re-contacting the registry.
type manifestDoc struct {
	Digest       string           `json:"digest"`
	MediaType    string           `json:"media_type"`
	Size         int64            `json:"size"`
	LayerDigests []digest.Digest  `json:"layer_digests"`
	Config       *oci.ImageConfig `json:"config"`
	LastUsedAt   int64            `json:"last_used_at,omitempty"`
}

func encodeManifest(img *oci.Image) (string, error) {
	layerDigests := make([]digest.Digest, len(img.Layers))
	for i, l := range img.Layers {
		layerDigests[i] = l.Digest()
	}

	data, err := json.Marshal(manifestDoc{
		Digest:       img.Digest.String(),
		MediaType:    img.Manifest.MediaType,
		Size:         img.Manifest.Size,
		LayerDigests: layerDigests,
		Config:       img.Config,
		LastUsedAt:   time.Now().Unix(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
