package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/db"
	"github.com/briangreenhill/palette/internal/objectaccess"
)

// VariantSizes is the longest edge in pixels of each derived variant.
var VariantSizes = map[string]int{
	db.VariantThumbnail: 320,
	db.VariantMedium:    1024,
	db.VariantLarge:     2048,
}

// PhotoResolver finds the original object of a photo.
type PhotoResolver interface {
	ResolvePhoto(ctx context.Context, photoID uuid.UUID, variant string) (db.ObjectRef, error)
}

// ObjectStore reads originals and writes variants.
type ObjectStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
}

// VariantProcessor renders size variants of uploaded photos.
type VariantProcessor struct {
	Photos  PhotoResolver
	Objects ObjectStore
	Quality int
	Logger  zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (p *VariantProcessor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload PhotoVariantsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("bad payload: %v: %w", err, asynq.SkipRetry)
	}
	id, err := uuid.Parse(payload.PhotoID)
	if err != nil {
		return fmt.Errorf("bad photo id %q: %w", payload.PhotoID, asynq.SkipRetry)
	}

	err = p.Render(ctx, id, payload.Variants)
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrBadRequest) || errors.Is(err, image.ErrFormat) {
		p.Logger.Warn().Err(err).Str("photo_id", payload.PhotoID).Msg("dropping variant task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Render writes the requested variants of one photo next to its original.
func (p *VariantProcessor) Render(ctx context.Context, photoID uuid.UUID, variants []string) error {
	if len(variants) == 0 {
		variants = []string{db.VariantThumbnail, db.VariantMedium, db.VariantLarge}
	}
	for _, v := range variants {
		if _, ok := VariantSizes[v]; !ok {
			return fmt.Errorf("variant %q is not derived: %w", v, apperr.ErrBadRequest)
		}
	}

	ref, err := p.Photos.ResolvePhoto(ctx, photoID, db.VariantOriginal)
	if err != nil {
		return err
	}

	rc, err := p.Objects.Download(ctx, ref.Key)
	if err != nil {
		return fmt.Errorf("download original: %w", err)
	}
	src, format, err := image.Decode(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("decode original %s: %w", ref.Key, err)
	}

	log := p.Logger.With().Str("photo_id", photoID.String()).Logger()
	for _, v := range variants {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, Scale(src, VariantSizes[v]), &jpeg.Options{Quality: p.quality()}); err != nil {
			return fmt.Errorf("encode %s: %w", v, err)
		}
		key := objectaccess.VariantKey(ref.Key, v)
		if err := p.Objects.Put(ctx, key, &buf); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
		log.Debug().Str("variant", v).Str("object_key", key).Str("source_format", format).Msg("rendered variant")
	}
	log.Info().Strs("variants", variants).Msg("photo variants rendered")
	return nil
}

func (p *VariantProcessor) quality() int {
	if p.Quality <= 0 || p.Quality > 100 {
		return 85
	}
	return p.Quality
}

// Scale fits src within maxEdge on its longest side, keeping aspect ratio.
// Images already small enough are returned unchanged.
func Scale(src image.Image, maxEdge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return src
	}
	if w >= h {
		h = max(1, h*maxEdge/w)
		w = maxEdge
	} else {
		w = max(1, w*maxEdge/h)
		h = maxEdge
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
