// Package server provides the AppForge HTTP API server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"appforge/internal/config"
	"appforge/internal/generate"
	"appforge/internal/model"
	"appforge/internal/orchestrator"
	"appforge/internal/preview"
	"appforge/internal/sandbox"
	appslack "appforge/internal/slack"
	"appforge/internal/store"
	apptelegram "appforge/internal/telegram"
)

// maxBodyBytes caps request bodies; messages are short by contract.
const maxBodyBytes = 1 << 20

// Server is the AppForge HTTP API server.
type Server struct {
	config   *config.Config
	store    *store.Store
	files    *sandbox.Store
	orch     *orchestrator.Orchestrator
	previews *preview.Registry
	router   chi.Router
	log      zerolog.Logger

	telegramBot *apptelegram.Bot // nil if Telegram is not configured
}

// New creates a Server with all dependencies wired.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	files, err := sandbox.New(cfg.SandboxDir)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}

	gen, chat, images, err := buildGenerators(cfg, log)
	if err != nil {
		return nil, err
	}

	var notifier orchestrator.Notifier
	if cfg.SlackEnabled() {
		notifier = appslack.NewNotifier(cfg.SlackWebhookURL, log)
		log.Info().Msg("Slack build notifications enabled")
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:            st,
		Files:            files,
		Gen:              gen,
		Chat:             chat,
		Images:           images,
		Notifier:         notifier,
		Logger:           log,
		HistoryLimit:     cfg.ChatHistoryLimit,
		SnapshotMaxChars: cfg.SnapshotMaxChars,
	})

	s := NewWith(cfg, log, st, files, orch)

	if cfg.TelegramEnabled() {
		bot, err := apptelegram.NewBot(cfg.TelegramBotToken, st, files, orch, s.previews, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize Telegram bot")
		} else {
			s.telegramBot = bot
			log.Info().Msg("Telegram bot enabled (long polling)")
		}
	}

	if !cfg.GeneratorConfigured() {
		log.Warn().Str("backend", cfg.GeneratorBackend).Msg("no generator API key; message routing will fail until one is set")
	}

	return s, nil
}

// NewWith assembles a server from already-built dependencies. New wires
// the production dependencies and delegates here; tests inject fakes.
func NewWith(cfg *config.Config, log zerolog.Logger, st *store.Store, files *sandbox.Store, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		config:   cfg,
		store:    st,
		files:    files,
		orch:     orch,
		previews: preview.NewRegistry(files, cfg.PreviewBasePort, log),
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

// buildGenerators wires the configured backend. Any of the returned
// generators may be nil when unconfigured; the orchestrator then fails
// the affected routes with a coded error instead of crashing at startup.
func buildGenerators(cfg *config.Config, log zerolog.Logger) (generate.FileGenerator, generate.Completer, generate.ImageGenerator, error) {
	var openai *generate.OpenAIClient
	if cfg.OpenAIAPIKey != "" {
		openai = generate.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, cfg.ImageModel)
	}

	switch cfg.GeneratorBackend {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, nil, nil, nil
		}
		gem, err := generate.NewGeminiClient(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing gemini backend: %w", err)
		}
		// Image generation stays on OpenAI even under the Gemini backend.
		var images generate.ImageGenerator
		if openai != nil {
			images = openai
		} else {
			log.Info().Msg("gemini backend without OPENAI_API_KEY: image requests will be rejected")
		}
		return gem, gem, images, nil
	default:
		if openai == nil {
			return nil, nil, nil, nil
		}
		return openai, openai, openai, nil
	}
}

// Start starts the HTTP server and, if configured, the Telegram bot.
// It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.telegramBot != nil {
		go func() {
			if err := s.telegramBot.Run(ctx); err != nil {
				s.log.Error().Err(err).Msg("Telegram bot stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.previews.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.config.ServerAddr).Msg("AppForge server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return s.store.Close()
}

// Router exposes the HTTP handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Delete("/", s.handleDeleteProject)
			r.Post("/rename", s.handleRenameProject)
			r.Post("/run", s.handleRun)
			r.Get("/chat", s.handleChat)
			r.Get("/summary", s.handleSummary)
			r.Get("/files", s.handleFiles)
			r.Get("/file", s.handleFile)
			r.Get("/download", s.handleDownload)
			r.Get("/preview/status", s.handlePreviewStatus)
			r.Post("/preview/start", s.handlePreviewStart)
			r.Post("/preview/stop", s.handlePreviewStop)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createProjectRequest struct {
	Title string `json:"title"`
}

type renameProjectRequest struct {
	Title string `json:"title"`
}

type runRequest struct {
	Message string `json:"message"`
}

type projectResponse struct {
	*model.ProjectMeta
	LiveFiles []string `json:"liveFiles,omitempty"`
}

type summaryResponse struct {
	Title        string         `json:"title"`
	Built        bool           `json:"built"`
	Version      int            `json:"version"`
	Platform     model.Platform `json:"platform,omitempty"`
	Framework    string         `json:"framework,omitempty"`
	AppName      string         `json:"appName,omitempty"`
	OneLiner     string         `json:"oneLiner,omitempty"`
	CoreFeatures []string       `json:"coreFeatures,omitempty"`
	FileCount    int            `json:"fileCount"`
	LastBuildAt  *time.Time     `json:"lastBuildAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := req.Title
	if title == "" {
		title = "Untitled Project"
	}

	meta := &model.ProjectMeta{
		ID:    uuid.New().String()[:8],
		Title: title,
	}
	if err := s.store.CreateProject(meta); err != nil {
		s.log.Error().Err(err).Msg("creating project")
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.log.Error().Err(err).Msg("listing projects")
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*model.ProjectMeta{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	// The live listing supersedes the stored snapshot.
	live, err := s.files.List(meta.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("project", meta.ID).Msg("listing sandbox files")
	}
	writeJSON(w, http.StatusOK, projectResponse{ProjectMeta: meta, LiveFiles: live})
}

func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req renameProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.RenameProject(id, req.Title); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.log.Error().Err(err).Msg("renaming project")
		writeError(w, http.StatusInternalServerError, "failed to rename project")
		return
	}
	meta, err := s.store.GetMeta(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.previews.Stop(id)
	if err := s.store.DeleteProject(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.log.Error().Err(err).Msg("deleting project")
		writeError(w, http.StatusInternalServerError, "failed to delete project")
		return
	}
	if err := s.files.Remove(id); err != nil {
		s.log.Warn().Err(err).Str("project", id).Msg("removing sandbox files")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.orch.Run(r.Context(), id, req.Message)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidMessage):
		writeCodedError(w, http.StatusBadRequest, "INVALID_MESSAGE", "message is empty or too long")
		return
	case errors.Is(err, orchestrator.ErrMissingCredential):
		writeCodedError(w, http.StatusUnauthorized, "MISSING_API_KEY", "no generator API key configured")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
		return
	case err != nil:
		s.log.Error().Err(err).Str("project", id).Msg("run failed")
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	turns, err := s.store.Turns(meta.ID, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("loading chat log")
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if turns == nil {
		turns = []model.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	live, _ := s.files.List(meta.ID)
	resp := summaryResponse{
		Title:       meta.Title,
		Built:       meta.Built,
		Version:     meta.Version,
		FileCount:   len(live),
		LastBuildAt: meta.LastBuildAt,
	}
	if meta.BuildInfo != nil {
		resp.Platform = meta.BuildInfo.Platform
		resp.Framework = meta.BuildInfo.Framework
		resp.AppName = meta.BuildInfo.AppName
		resp.OneLiner = meta.BuildInfo.OneLiner
		resp.CoreFeatures = meta.BuildInfo.CoreFeatures
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	live, err := s.files.List(meta.ID)
	if err != nil {
		s.log.Error().Err(err).Msg("listing files")
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if live == nil {
		live = []string{}
	}
	writeJSON(w, http.StatusOK, live)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	content, err := s.files.Read(meta.ID, path)
	switch {
	case errors.Is(err, sandbox.ErrPathEscape):
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	case errors.Is(err, sandbox.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "file not found")
		return
	case err != nil:
		s.log.Error().Err(err).Msg("reading file")
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": sandbox.CleanPath(path), "content": content})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.ID+".zip"))
	if err := s.files.Archive(meta.ID, w); err != nil {
		s.log.Error().Err(err).Str("project", meta.ID).Msg("archiving project")
	}
}

// handlePreviewStatus only reports; polling it must never spawn a dev
// server. Starting is an explicit POST.
func (s *Server) handlePreviewStatus(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.previews.Status(meta.ID))
}

func (s *Server) handlePreviewStart(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.previews.EnsureRunning(meta.ID))
}

func (s *Server) handlePreviewStop(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.getProject(w, r)
	if !ok {
		return
	}
	s.previews.Stop(meta.ID)
	w.WriteHeader(http.StatusNoContent)
}

// getProject resolves the {id} URL param, writing a 404 on miss.
func (s *Server) getProject(w http.ResponseWriter, r *http.Request) (*model.ProjectMeta, bool) {
	id := chi.URLParam(r, "id")
	meta, err := s.store.GetMeta(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
		} else {
			s.log.Error().Err(err).Msg("loading project")
			writeError(w, http.StatusInternalServerError, "failed to load project")
		}
		return nil, false
	}
	return meta, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
