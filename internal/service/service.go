package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onexay/diagram-share/internal/config"
	"github.com/onexay/diagram-share/internal/history"
	"github.com/onexay/diagram-share/internal/storage"
	"github.com/onexay/diagram-share/internal/validate"
)

const (
	msgNotFound      = "Gist not found"
	msgInternalError = "Something went wrong"
	// maxBodyBytes leaves room for the JSON envelope around the largest file.
	maxBodyBytes = validate.MaxContentBytes + 64*1024
)

// Service holds business logic and storage dependencies.
type Service struct {
	provider storage.Provider
	archive  storage.Archive
	engine   *history.Engine
	files    validate.FilenamePolicy
	limits   config.HistoryConfig
	logger   *slog.Logger
}

// New constructs the service wiring for the configured provider.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Service, error) {
	provider, archive, err := openProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	svc, err := NewWithProvider(provider, cfg, logger, reg)
	if err != nil {
		_ = provider.Close()
		if archive != nil {
			_ = archive.Close()
		}
		return nil, err
	}
	svc.archive = archive
	return svc, nil
}

// NewWithProvider wires a Service around an already opened provider.
func NewWithProvider(provider storage.Provider, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := validate.NewFilenamePolicy(cfg.AllowedFiles)
	if err != nil {
		return nil, err
	}

	limits := cfg.History
	if limits.DefaultLimit < 1 {
		limits.DefaultLimit = 10
	}
	if limits.MaxLimit < limits.DefaultLimit {
		limits.MaxLimit = max(limits.DefaultLimit, 100)
	}

	opts := []history.Option{
		history.WithLogger(logger),
		history.WithMinBatch(limits.MinBatch),
	}
	if reg != nil {
		opts = append(opts, history.WithMetrics(history.NewMetrics(reg)))
	}

	return &Service{
		provider: provider,
		engine:   history.NewEngine(provider, opts...),
		files:    files,
		limits:   limits,
		logger:   logger.With(slog.String("component", "service"), slog.String("provider", provider.Name())),
	}, nil
}

func openProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Provider, storage.Archive, error) {
	// Snapshot archival only applies to the local snapshot stores.
	var archive storage.Archive
	if cfg.Provider == config.ProviderMemory || cfg.Provider == config.ProviderKeyDB {
		if cfg.Retention.ArchivePath != "" {
			arc, err := storage.NewBoltArchive(cfg.Retention.ArchivePath)
			if err != nil {
				return nil, nil, err
			}
			archive = arc
		}
	}

	options := storage.Options{
		Archive: archive,
		Logger:  logger,
		Retention: storage.RetentionPolicy{
			HotRevisionLimit: cfg.Retention.HotRevisionLimit,
			HotDuration:      cfg.Retention.HotDuration,
		},
	}

	var (
		provider storage.Provider
		err      error
	)

	switch cfg.Provider {
	case config.ProviderGitLab:
		provider, err = storage.NewGitLabProvider(cfg.GitLab)
	case config.ProviderGit:
		provider, err = storage.NewGitProvider(cfg.Git)
	case config.ProviderKeyDB:
		provider, err = storage.NewKeyDBStore(cfg.KeyDB, options)
	case config.ProviderPostgres:
		provider, err = storage.NewPostgresProvider(ctx, cfg.DatabaseURL, options)
	case config.ProviderMemory:
		provider = storage.NewMemoryStore(options)
	default:
		provider, err = storage.NewGistProvider(cfg.GitHub)
	}
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		return nil, nil, fmt.Errorf("open %s provider: %w", cfg.Provider, err)
	}
	return provider, archive, nil
}

// Close releases the provider and archive.
func (s *Service) Close() error {
	err := s.provider.Close()
	if s.archive != nil {
		err = errors.Join(err, s.archive.Close())
	}
	return err
}

// ProviderName reports the active backend.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gists", svc.handleCreate)
	mux.HandleFunc("GET /gists/{id}", svc.handleGet)
	mux.HandleFunc("PATCH /gists/{id}", svc.handleUpdate)
	mux.HandleFunc("DELETE /gists/{id}", svc.handleDelete)
	mux.HandleFunc("GET /gists/{id}/commits", svc.handleCommits)
	mux.HandleFunc("GET /gists/{id}/{sha}", svc.handleRevision)
	mux.HandleFunc("GET /gists/{id}/file-versions/{file}", svc.handleFileVersions)
	mux.HandleFunc("GET /gists/{id}/file-versions/{file}/diff", svc.handleFileDiff)
	mux.Handle("GET /swagger", http.RedirectHandler("/swagger/", http.StatusMovedPermanently))
	mux.HandleFunc("GET /swagger/{path...}", svc.handleSwagger)
	return mux
}

type envelope struct {
	Success    bool        `json:"success"`
	Deleted    *bool       `json:"deleted,omitempty"`
	Message    string      `json:"message,omitempty"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type pagination struct {
	Cursor  *string `json:"cursor"`
	HasMore bool    `json:"hasMore"`
	Limit   int     `json:"limit"`
	Count   int     `json:"count"`
}

type createRequest struct {
	Description string  `json:"description"`
	Filename    string  `json:"filename"`
	Content     *string `json:"content"`
}

type updateRequest struct {
	Filename string  `json:"filename"`
	Content  *string `json:"content"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Content(req.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	filename, err := s.files.Filename(req.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	share, err := s.provider.CreateShare(r.Context(), storage.CreateShareRequest{
		Filename:    filename,
		Content:     *req.Content,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: share})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	share, err := s.provider.GetShare(r.Context(), id, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: share})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validate.Content(req.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	filename, err := s.files.Filename(req.Filename)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.provider.UpsertFile(r.Context(), storage.UpsertFileRequest{ID: id, Filename: filename, Content: *req.Content}); err != nil {
		s.writeError(w, r, err)
		return
	}

	deleted := false
	writeJSON(w, http.StatusOK, envelope{Success: true, Deleted: &deleted, Message: "Gist updated"})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	if err := s.provider.DeleteShare(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Gist deleted"})
}

func (s *Service) handleCommits(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	revisions, err := s.provider.ListRevisions(r.Context(), id, validate.PerPage(query.Get("per_page")), validate.Page(query.Get("page")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: revisions})
}

func (s *Service) handleRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	sha := r.PathValue("sha")
	if !validate.Revision(sha) {
		s.writeError(w, r, &storage.ValidationError{Message: "Invalid revision"})
		return
	}
	share, err := s.provider.GetShare(r.Context(), id, sha)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: share})
}

func (s *Service) handleFileVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	limit, err := validate.Limit(query.Get("limit"), s.limits.DefaultLimit, s.limits.MaxLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cursor := query.Get("cursor")
	if cursor != "" && !validate.Revision(cursor) {
		s.writeError(w, r, &storage.ValidationError{Message: "Invalid cursor"})
		return
	}

	page, err := s.engine.ListChangedRevisions(r.Context(), history.Query{
		ID:       id,
		Filename: r.PathValue("file"),
		Limit:    limit,
		Cursor:   cursor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var next *string
	if page.NextCursor != "" {
		next = &page.NextCursor
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    page.Revisions,
		Pagination: &pagination{
			Cursor:  next,
			HasMore: page.HasMore,
			Limit:   page.Limit,
			Count:   page.Count,
		},
	})
}

func (s *Service) handleFileDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := s.shareID(w, r)
	if !ok {
		return
	}
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if !validate.Revision(from) || !validate.Revision(to) {
		s.writeError(w, r, &storage.ValidationError{Message: "from and to must be revision hashes"})
		return
	}

	diff, err := s.engine.Diff(r.Context(), id, r.PathValue("file"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: diff})
}

func (s *Service) shareID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validate.ShareID(id) {
		s.writeError(w, r, &storage.ValidationError{Message: "Invalid gist id"})
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &storage.ValidationError{Message: "Content is too large (max 10MB)"}
		}
		return &storage.ValidationError{Message: "invalid payload"}
	}
	return nil
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, envelope{Message: msgNotFound})
		return
	}

	var validation *storage.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, envelope{Message: validation.Error()})
		return
	}
	if errors.Is(err, history.ErrInvalidQuery) {
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}

	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, envelope{Message: conflict.Error()})
		return
	}

	if errors.Is(err, context.Canceled) {
		s.logger.Debug("request cancelled", slog.String("path", r.URL.Path))
		return
	}

	s.logger.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeJSON(w, http.StatusInternalServerError, envelope{Message: msgInternalError})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
