package objectstore

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/palette/internal/apperr"
)

// Handler serves signed GET requests under prefix, e.g. "/objects/".
func (s *FileStore) Handler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, prefix)
		q := r.URL.Query()

		if err := s.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
			hlog.FromRequest(r).Info().Err(err).Str("object_key", key).Msg("rejected object request")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		f, err := s.Open(r.Context(), key)
		if err != nil {
			status := apperr.HTTPStatus(err)
			if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrBadRequest) {
				hlog.FromRequest(r).Error().Err(err).Str("object_key", key).Msg("open object")
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "private")
		http.ServeContent(w, r, st.Name(), st.ModTime(), f)
	})
}
