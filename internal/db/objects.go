// Package db resolves photo and export ids to stored object keys.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/objectaccess"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, schema)
	return err
}

// Photo size variants. Every variant except original is derived by the
// variant worker; annotated is uploaded alongside the original.
const (
	VariantOriginal  = "original"
	VariantThumbnail = "thumbnail"
	VariantMedium    = "medium"
	VariantLarge     = "large"
	VariantAnnotated = "annotated"
)

// ValidVariant reports whether v names a known variant. Empty means original.
func ValidVariant(v string) bool {
	switch v {
	case "", VariantOriginal, VariantThumbnail, VariantMedium, VariantLarge, VariantAnnotated:
		return true
	}
	return false
}

// ObjectRef is the object behind a photo variant or export.
type ObjectRef struct {
	Key     string
	OwnerID uuid.UUID
}

const resolvePhoto = `-- name: ResolvePhoto :one
SELECT object_key, owner_id FROM photos
WHERE id = $1
`

// ResolvePhoto returns the object for a photo variant.
func (q *Queries) ResolvePhoto(ctx context.Context, photoID uuid.UUID, variant string) (ObjectRef, error) {
	if !ValidVariant(variant) {
		return ObjectRef{}, fmt.Errorf("unknown variant %q: %w", variant, apperr.ErrBadRequest)
	}
	row := q.db.QueryRow(ctx, resolvePhoto, photoID)
	var ref ObjectRef
	if err := row.Scan(&ref.Key, &ref.OwnerID); err != nil {
		return ObjectRef{}, notFound("photo", photoID, err)
	}
	ref.Key = objectaccess.VariantKey(ref.Key, variant)
	return ref, nil
}

const resolveExport = `-- name: ResolveExport :one
SELECT object_key, owner_id FROM exports
WHERE id = $1
`

// ResolveExport returns the object for an export archive.
func (q *Queries) ResolveExport(ctx context.Context, exportID uuid.UUID) (ObjectRef, error) {
	row := q.db.QueryRow(ctx, resolveExport, exportID)
	var ref ObjectRef
	if err := row.Scan(&ref.Key, &ref.OwnerID); err != nil {
		return ObjectRef{}, notFound("export", exportID, err)
	}
	return ref, nil
}

const createPhoto = `-- name: CreatePhoto :exec
INSERT INTO photos (id, owner_id, object_key)
VALUES ($1, $2, $3)
`

type CreatePhotoParams struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	ObjectKey string
}

// PhotoObjectKey is where the original of photo id is stored. Variants are
// written next to it.
func PhotoObjectKey(id uuid.UUID, ext string) string {
	return "photos/" + id.String() + "/" + VariantOriginal + ext
}

// CreatePhoto rejects object keys outside the photos/<id>/original.<ext>
// layout so no two photos share a variant directory.
func (q *Queries) CreatePhoto(ctx context.Context, arg CreatePhotoParams) error {
	ext := path.Ext(arg.ObjectKey)
	if ext == "" || arg.ObjectKey != PhotoObjectKey(arg.ID, ext) {
		return fmt.Errorf("photo %s: object key %q: %w", arg.ID, arg.ObjectKey, apperr.ErrBadRequest)
	}
	_, err := q.db.Exec(ctx, createPhoto, arg.ID, arg.OwnerID, arg.ObjectKey)
	return err
}

const createExport = `-- name: CreateExport :exec
INSERT INTO exports (id, owner_id, object_key)
VALUES ($1, $2, $3)
`

type CreateExportParams struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	ObjectKey string
}

func (q *Queries) CreateExport(ctx context.Context, arg CreateExportParams) error {
	_, err := q.db.Exec(ctx, createExport, arg.ID, arg.OwnerID, arg.ObjectKey)
	return err
}

// Ping checks that the database answers queries.
func (q *Queries) Ping(ctx context.Context) error {
	var one int
	return q.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func notFound(kind string, id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, apperr.ErrNotFound)
	}
	return fmt.Errorf("resolve %s %s: %w", kind, id, err)
}
