package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/db"
	appmw "github.com/briangreenhill/palette/internal/http/middleware"
	"github.com/briangreenhill/palette/internal/jobs"
	"github.com/briangreenhill/palette/internal/objectaccess"
	"github.com/briangreenhill/palette/internal/ratelimit"
)

// Lookup resolves ids to stored objects.
type Lookup interface {
	ResolvePhoto(ctx context.Context, photoID uuid.UUID, variant string) (db.ObjectRef, error)
	ResolveExport(ctx context.Context, exportID uuid.UUID) (db.ObjectRef, error)
}

// Access hands out rate limited object URLs.
type Access interface {
	Get(ctx context.Context, identity, objectKey string) (objectaccess.Result, error)
}

// Admitter rate limits requests that bypass Access.
type Admitter interface {
	Check(ctx context.Context, identity string, cfg ratelimit.Config) (ratelimit.Decision, error)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router *chi.Mux
	Sess   *scs.SessionManager
	Q      Lookup
	Access Access
	Tasks  Enqueuer

	limiter       Admitter
	downloadLimit ratelimit.Config
	variantRetry  int
	variantTTL    time.Duration
}

type ServerOptions struct {
	Logger zerolog.Logger
	Sess   *scs.SessionManager
	Q      Lookup
	Access Access
	Tasks  Enqueuer

	// Objects serves signed downloads under /objects/.
	Objects http.Handler
	Health  http.Handler
	Metrics http.Handler

	// Limiter and DownloadLimit rate limit /objects/ per identity when set.
	Limiter       Admitter
	DownloadLimit ratelimit.Config

	VariantMaxRetry int
	VariantTimeout  time.Duration
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(chimw.RealIP)
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:        r,
		Sess:          opts.Sess,
		Q:             opts.Q,
		Access:        opts.Access,
		Tasks:         opts.Tasks,
		limiter:       opts.Limiter,
		downloadLimit: opts.DownloadLimit,
		variantRetry:  opts.VariantMaxRetry,
		variantTTL:    opts.VariantTimeout,
	}
	if s.variantTTL <= 0 {
		s.variantTTL = 2 * time.Minute
	}

	if opts.Health != nil {
		r.Method(http.MethodGet, "/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(sr chi.Router) {
		sr.Use(s.Sess.LoadAndSave)
		sr.Use(appmw.Identity(s.Sess))

		if opts.Objects != nil {
			sr.With(s.rateLimit("objects:", s.downloadLimit)).Handle("/objects/*", opts.Objects)
		}

		sr.Group(func(pr chi.Router) {
			pr.Use(appmw.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, r, apperr.ErrUnauthorized)
			})))
			pr.Get("/photos/{photoID}/url", s.handlePhotoURL)
			pr.Get("/exports/{exportID}/url", s.handleExportURL)
			pr.Post("/photos/{photoID}/variants", s.handleRenderVariants)
		})
	})

	return s
}

type urlResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	CacheHit  bool      `json:"cacheHit"`
}

func (s *Server) handlePhotoURL(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "photoID"))
	if err != nil {
		writeError(w, r, apperr.ErrBadRequest)
		return
	}
	ref, err := s.Q.ResolvePhoto(r.Context(), id, r.URL.Query().Get("variant"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveURL(w, r, ref)
}

func (s *Server) handleExportURL(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "exportID"))
	if err != nil {
		writeError(w, r, apperr.ErrBadRequest)
		return
	}
	ref, err := s.Q.ResolveExport(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.serveURL(w, r, ref)
}

func (s *Server) serveURL(w http.ResponseWriter, r *http.Request, ref db.ObjectRef) {
	if !owns(r.Context(), ref) {
		writeError(w, r, apperr.ErrForbidden)
		return
	}

	res, err := s.Access.Get(r.Context(), appmw.IdentityFrom(r.Context()), ref.Key)
	res.RateLimit.WriteHeaders(w.Header())
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age="+strconv.FormatInt(int64(res.MaxAge/time.Second), 10))
	writeJSON(w, r, http.StatusOK, urlResponse{
		URL:       res.URL,
		ExpiresAt: res.ExpiresAt.UTC(),
		CacheHit:  res.CacheHit,
	})
}

type variantsRequest struct {
	Variants []string `json:"variants"`
}

type variantsResponse struct {
	TaskID string `json:"taskId"`
	Queue  string `json:"queue"`
}

func (s *Server) handleRenderVariants(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "photoID"))
	if err != nil {
		writeError(w, r, apperr.ErrBadRequest)
		return
	}

	var req variantsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, apperr.ErrBadRequest)
			return
		}
	}
	for _, v := range req.Variants {
		if _, ok := jobs.VariantSizes[v]; !ok {
			writeError(w, r, apperr.ErrBadRequest)
			return
		}
	}

	ref, err := s.Q.ResolvePhoto(r.Context(), id, db.VariantOriginal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !owns(r.Context(), ref) {
		writeError(w, r, apperr.ErrForbidden)
		return
	}

	task, err := jobs.NewPhotoVariantsTask(jobs.PhotoVariantsPayload{
		PhotoID:  id.String(),
		Variants: req.Variants,
	}, s.variantRetry, s.variantTTL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.Tasks.EnqueueContext(r.Context(), task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		hlog.FromRequest(r).Info().Str("photo_id", id.String()).Msg("variant task already queued")
		writeJSON(w, r, http.StatusAccepted, variantsResponse{TaskID: jobs.TaskPhotoVariants + ":" + id.String(), Queue: jobs.QueueVariants})
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("photo_id", id.String()).Msg("enqueue variant task")
		writeError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Str("task_id", info.ID).Str("queue", info.Queue).Msg("variant task queued")
	writeJSON(w, r, http.StatusAccepted, variantsResponse{TaskID: info.ID, Queue: info.Queue})
}

// rateLimit admits requests per identity under its own key namespace.
func (s *Server) rateLimit(prefix string, cfg ratelimit.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.limiter == nil || cfg.Limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := s.limiter.Check(r.Context(), prefix+appmw.IdentityFrom(r.Context()), cfg)
			if err != nil {
				writeError(w, r, err)
				return
			}
			d.WriteHeaders(w.Header())
			if err := d.Err(); err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func owns(ctx context.Context, ref db.ObjectRef) bool {
	uid, ok := appmw.UserID(ctx)
	return ok && uid == ref.OwnerID.String()
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

// writeError renders err as {"error": kind}. Internal detail is logged, never
// returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorResponse{Error: apperr.Kind(err)}

	var rle *apperr.RateLimitError
	if errors.As(err, &rle) {
		body.RetryAfter = rle.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}

	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, r, status, body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("write response")
	}
}
