package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// ImageRecord is one row of images.db: an image manifest keyed by content
// digest, independent of the name it was pulled by.
type ImageRecord struct {
	Digest       digest.Digest
	ManifestJSON string
	Size         int64
	LastUsedAt   time.Time
}

// UpsertImage writes or refreshes an image row. Re-pulling an already-known
// digest only bumps last_used_at.
func UpsertImage(ctx context.Context, db *sql.DB, rec *ImageRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO images (digest, manifest_json, size, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET last_used_at = excluded.last_used_at
	`, rec.Digest.String(), rec.ManifestJSON, rec.Size, rec.LastUsedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert image %s: %w", rec.Digest, err)
	}
	return nil
}

// GetImage reads one image row by digest, or NotFound.
func GetImage(ctx context.Context, db *sql.DB, dgst digest.Digest) (*ImageRecord, error) {
	row := db.QueryRowContext(ctx,
		`SELECT digest, manifest_json, size, last_used_at FROM images WHERE digest = ?`, dgst.String())

	var (
		d, manifestJSON string
		size, lastUsed  int64
	)
	if err := row.Scan(&d, &manifestJSON, &size, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, boxliteerr.NotFoundf("image %s not found", dgst)
		}
		return nil, fmt.Errorf("scan image row: %w", err)
	}

	return &ImageRecord{
		Digest:       digest.Digest(d),
		ManifestJSON: manifestJSON,
		Size:         size,
		LastUsedAt:   time.Unix(lastUsed, 0),
	}, nil
}

// DeleteImage removes an image row. It does not touch layer refcounts —
// callers release each of the image's layer digests separately via
// ReleaseLayer, inside the same transaction boundary as the image pull
// path's AcquireLayer.
func DeleteImage(ctx context.Context, db *sql.DB, dgst digest.Digest) error {
	result, err := db.ExecContext(ctx, `DELETE FROM images WHERE digest = ?`, dgst.String())
	if err != nil {
		return fmt.Errorf("delete image %s: %w", dgst, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return boxliteerr.NotFoundf("image %s not found", dgst)
	}
	return nil
}

// AcquireLayer increments a layer's refcount, creating the row at refcount 1
// if it is new. Called once per image that references the layer.
func AcquireLayer(ctx context.Context, db *sql.DB, dgst digest.Digest, size int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO layers (digest, refcount, size) VALUES (?, 1, ?)
		ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1
	`, dgst.String(), size)
	if err != nil {
		return fmt.Errorf("acquire layer %s: %w", dgst, err)
	}
	return nil
}

// ReleaseLayer decrements a layer's refcount. Callers treat a resulting
// refcount of 0 as "blob eligible for GC", deleted by the image store's
// explicit GC sweep (§9: Image GC is manual, not automatic).
func ReleaseLayer(ctx context.Context, db *sql.DB, dgst digest.Digest) error {
	result, err := db.ExecContext(ctx,
		`UPDATE layers SET refcount = refcount - 1 WHERE digest = ? AND refcount > 0`, dgst.String())
	if err != nil {
		return fmt.Errorf("release layer %s: %w", dgst, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return boxliteerr.NotFoundf("layer %s not found or already at refcount 0", dgst)
	}
	return nil
}

// UnreferencedLayers lists layer digests with refcount 0, the candidate set
// for a GC sweep.
func UnreferencedLayers(ctx context.Context, db *sql.DB) ([]digest.Digest, error) {
	rows, err := db.QueryContext(ctx, `SELECT digest FROM layers WHERE refcount = 0`)
	if err != nil {
		return nil, fmt.Errorf("query unreferenced layers: %w", err)
	}
	defer rows.Close()

	var out []digest.Digest
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan layer digest: %w", err)
		}
		out = append(out, digest.Digest(d))
	}
	return out, rows.Err()
}

// DeleteLayer removes a layer row entirely, used once its blob has been
// unlinked from disk during GC.
func DeleteLayer(ctx context.Context, db *sql.DB, dgst digest.Digest) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM layers WHERE digest = ?`, dgst.String()); err != nil {
		return fmt.Errorf("delete layer %s: %w", dgst, err)
	}
	return nil
}
