package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/db"
)

type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memObjects) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = b
	return nil
}

type photoTable map[uuid.UUID]string

func (p photoTable) ResolvePhoto(_ context.Context, id uuid.UUID, _ string) (db.ObjectRef, error) {
	key, ok := p[id]
	if !ok {
		return db.ObjectRef{}, fmt.Errorf("photo %s: %w", id, apperr.ErrNotFound)
	}
	return db.ObjectRef{Key: key}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newProcessor(t *testing.T, w, h int) (*VariantProcessor, *memObjects, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	base := "photos/" + id.String() + "/original.png"
	objs := &memObjects{data: map[string][]byte{base: pngBytes(t, w, h)}}
	return &VariantProcessor{
		Photos:  photoTable{id: base},
		Objects: objs,
		Logger:  zerolog.Nop(),
	}, objs, id
}

func task(t *testing.T, p PhotoVariantsPayload) *asynq.Task {
	t.Helper()
	tk, err := NewPhotoVariantsTask(p, 3, time.Minute)
	require.NoError(t, err)
	return tk
}

func decodedSize(t *testing.T, b []byte) (int, int) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestProcessTaskRendersAllVariants(t *testing.T) {
	p, objs, id := newProcessor(t, 3000, 1500)

	require.NoError(t, p.ProcessTask(context.Background(), task(t, PhotoVariantsPayload{PhotoID: id.String()})))

	prefix := "photos/" + id.String() + "/"
	tests := []struct {
		variant string
		w, h    int
	}{
		{db.VariantThumbnail, 320, 160},
		{db.VariantMedium, 1024, 512},
		{db.VariantLarge, 2048, 1024},
	}
	for _, tt := range tests {
		b, ok := objs.data[prefix+tt.variant+".jpg"]
		require.Truef(t, ok, "missing %s", tt.variant)
		w, h := decodedSize(t, b)
		assert.Equal(t, tt.w, w, tt.variant)
		assert.Equal(t, tt.h, h, tt.variant)
	}
}

func TestProcessTaskSubsetAndPortrait(t *testing.T) {
	p, objs, id := newProcessor(t, 600, 1200)

	require.NoError(t, p.ProcessTask(context.Background(), task(t, PhotoVariantsPayload{
		PhotoID:  id.String(),
		Variants: []string{db.VariantThumbnail, db.VariantMedium},
	})))

	prefix := "photos/" + id.String() + "/"
	w, h := decodedSize(t, objs.data[prefix+"thumbnail.jpg"])
	assert.Equal(t, 160, w)
	assert.Equal(t, 320, h)

	// Smaller than the medium bound: re-encoded at its own size.
	w, h = decodedSize(t, objs.data[prefix+"medium.jpg"])
	assert.Equal(t, 600, w)
	assert.Equal(t, 1200, h)

	_, ok := objs.data[prefix+"large.jpg"]
	assert.False(t, ok)
}

func TestProcessTaskPermanentFailuresSkipRetry(t *testing.T) {
	p, objs, id := newProcessor(t, 100, 100)

	tests := []struct {
		name string
		task *asynq.Task
	}{
		{"malformed payload", asynq.NewTask(TaskPhotoVariants, []byte("{"))},
		{"bad photo id", task(t, PhotoVariantsPayload{PhotoID: "nope"})},
		{"unknown photo", task(t, PhotoVariantsPayload{PhotoID: uuid.NewString()})},
		{"underived variant", task(t, PhotoVariantsPayload{PhotoID: id.String(), Variants: []string{db.VariantAnnotated}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ProcessTask(context.Background(), tt.task)
			require.ErrorIs(t, err, asynq.SkipRetry)
		})
	}

	objs.data["photos/"+id.String()+"/original.png"] = []byte("not an image")
	err := p.ProcessTask(context.Background(), task(t, PhotoVariantsPayload{PhotoID: id.String()}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type failingPut struct{ *memObjects }

func (failingPut) Put(context.Context, string, io.Reader) error {
	return errors.New("disk full")
}

func TestProcessTaskTransientFailureRetries(t *testing.T) {
	p, objs, id := newProcessor(t, 400, 400)
	p.Objects = failingPut{objs}

	err := p.ProcessTask(context.Background(), task(t, PhotoVariantsPayload{PhotoID: id.String()}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestNewPhotoVariantsTask(t *testing.T) {
	tk, err := NewPhotoVariantsTask(PhotoVariantsPayload{PhotoID: "p1", Variants: []string{"thumbnail"}}, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TaskPhotoVariants, tk.Type())

	var p PhotoVariantsPayload
	require.NoError(t, json.Unmarshal(tk.Payload(), &p))
	assert.Equal(t, "p1", p.PhotoID)
	assert.Equal(t, []string{"thumbnail"}, p.Variants)
}

func TestScaleKeepsSmallImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	assert.Same(t, src, Scale(src, 320))

	out := Scale(image.NewRGBA(image.Rect(0, 0, 5000, 3)), 320)
	assert.Equal(t, 320, out.Bounds().Dx())
	assert.Equal(t, 1, out.Bounds().Dy())
}
