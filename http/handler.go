package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sagarc03/filevault"
)

// Service is the engine surface the handlers call. Every method is scoped to
// the owner resolved by AuthMiddleware.
type Service interface {
	Write(ctx context.Context, owner string, obj filevault.WriteObject, content io.Reader) (filevault.FileRecord, error)
	Read(ctx context.Context, owner, path string) (filevault.FileRecord, io.ReadCloser, error)
	Stat(ctx context.Context, owner, path string) (filevault.FileRecord, error)
	Delete(ctx context.Context, owner, path string) error
	DeleteFolder(ctx context.Context, owner, folder string) (int, error)
	List(ctx context.Context, q filevault.ListQuery) (filevault.ListResult, error)
	Explore(ctx context.Context, owner, folder string) ([]filevault.FolderEntry, error)
	Usage(ctx context.Context, owner string) (filevault.Usage, error)
	Versions(ctx context.Context, owner, path string) ([]filevault.FileRecord, error)
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" validate:"min=0"`
}

type HandlerConfig struct {
	// Verifier checks bearer tokens. Nil disables authentication and every
	// request acts as AnonymousOwner.
	Verifier       TokenVerifier
	AnonymousOwner string
	// MaxUploadSize caps upload bodies in bytes, 0 means no limit.
	MaxUploadSize int64
	CORS          CORSConfig
}

// Handler serves the file vault over HTTP.
type Handler struct {
	config  HandlerConfig
	service Service
}

// NewHandler creates a new Handler with the given configuration and service.
func NewHandler(config *HandlerConfig, service Service) *Handler {
	return &Handler{
		config:  *config,
		service: service,
	}
}

// Router returns an http.Handler with every route configured. Only /health
// is reachable without a principal.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	if h.config.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.CORS.AllowedOrigins,
			AllowedMethods:   h.config.CORS.AllowedMethods,
			AllowedHeaders:   h.config.CORS.AllowedHeaders,
			ExposedHeaders:   h.config.CORS.ExposedHeaders,
			AllowCredentials: h.config.CORS.AllowCredentials,
			MaxAge:           h.config.CORS.MaxAge,
		}))
	}

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.config.Verifier, h.config.AnonymousOwner))

		r.Get("/files", h.handleList)
		r.Get("/usage", h.handleUsage)
		r.Get("/folders", h.handleExplore)

		r.Group(func(r chi.Router) {
			r.Use(PathValidationMiddleware)
			r.Get("/files/*", h.handleGet)
			r.Head("/files/*", h.handleHead)
			r.Put("/files/*", h.handlePut)
			r.Delete("/files/*", h.handleDelete)
			r.Get("/versions/*", h.handleVersions)
			r.Get("/folders/*", h.handleExplore)
			r.Delete("/folders/*", h.handleDeleteFolder)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	return r
}

// wildcardPath returns the decoded "*" route parameter.
func wildcardPath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(p); err == nil {
			p = decoded
		}
	}
	return p
}

func owner(r *http.Request) string {
	p, _ := PrincipalFromContext(r.Context())
	return p.Owner
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if s := query.Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	result, err := h.service.List(r.Context(), filevault.ListQuery{
		Owner:      owner(r),
		PathPrefix: query.Get("prefix"),
		Limit:      limit,
		Cursor:     query.Get("cursor"),
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, result)
}

func setRecordHeaders(w http.ResponseWriter, rec filevault.FileRecord) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	w.Header().Set("ETag", `"`+rec.Checksum+`"`)
	w.Header().Set("Last-Modified", rec.UpdatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("X-File-Version", strconv.FormatInt(rec.Version, 10))
}

// notModified reports whether the client already holds rec.
func notModified(r *http.Request, rec filevault.FileRecord) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
			if tag == "*" || strings.Trim(tag, `"`) == rec.Checksum {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !rec.UpdatedAt.Truncate(time.Second).After(t)
		}
	}
	return false
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)

	rec, content, err := h.service.Read(r.Context(), owner(r), p)
	if err != nil {
		HandleError(w, err)
		return
	}
	defer func() { _ = content.Close() }()

	if notModified(r, rec) {
		w.Header().Set("ETag", `"`+rec.Checksum+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	disposition := "attachment"
	if preview, _ := strconv.ParseBool(r.URL.Query().Get("preview")); preview {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": path.Base(p)}))

	setRecordHeaders(w, rec)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, content)
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Stat(r.Context(), owner(r), wildcardPath(r))
	if err != nil {
		code, _, _ := errorStatus(err)
		w.WriteHeader(code)
		return
	}

	if notModified(r, rec) {
		w.Header().Set("ETag", `"`+rec.Checksum+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	setRecordHeaders(w, rec)
	w.WriteHeader(http.StatusOK)
}

// cappedBody records whether the upload limit cut the body short, since the
// engine only reports a generic storage failure in that case.
type cappedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded = true
	}
	return n, err
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	p := wildcardPath(r)
	if p == "" {
		WriteError(w, http.StatusBadRequest, "invalid_path", "Invalid path")
		return
	}

	body := &cappedBody{ReadCloser: r.Body}
	if limit := h.config.MaxUploadSize; limit > 0 {
		if r.ContentLength > limit {
			HandleError(w, fmt.Errorf("upload %s: %w", p, ErrPayloadTooLarge))
			return
		}
		body.ReadCloser = http.MaxBytesReader(w, r.Body, limit)
	}

	rec, err := h.service.Write(r.Context(), owner(r), filevault.WriteObject{
		Path:        p,
		ContentType: r.Header.Get("Content-Type"),
	}, body)
	if err != nil {
		if body.exceeded {
			err = fmt.Errorf("upload %s: %w", p, ErrPayloadTooLarge)
		}
		HandleError(w, err)
		return
	}

	w.Header().Set("ETag", `"`+rec.Checksum+`"`)
	_ = WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), owner(r), wildcardPath(r)); err != nil {
		HandleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.Versions(r.Context(), owner(r), wildcardPath(r))
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handler) handleExplore(w http.ResponseWriter, r *http.Request) {
	folder := wildcardPath(r)

	entries, err := h.service.Explore(r.Context(), owner(r), folder)
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"folder": strings.TrimSuffix(folder, "/"), "entries": entries})
}

func (h *Handler) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.DeleteFolder(r.Context(), owner(r), wildcardPath(r))
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.service.Usage(r.Context(), owner(r))
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, usage)
}
