// Package server exposes the HTTP API: project and configuration
// management, task lifecycle operations, and packaging-service lookups.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/packflow/internal/crp"
	"git.home.luguber.info/inful/packflow/internal/logfields"
	"git.home.luguber.info/inful/packflow/internal/model"
	"git.home.luguber.info/inful/packflow/internal/monitor"
	"git.home.luguber.info/inful/packflow/internal/store"
	"git.home.luguber.info/inful/packflow/internal/version"
)

// TaskRunner is the scheduler surface the API drives.
type TaskRunner interface {
	Submit(taskID int64)
	Stop(taskID int64) bool
	IsRunning(taskID int64) bool
}

// CloneManager triggers clone work and answers status queries for projects.
type CloneManager interface {
	EnsureClone(ctx context.Context, projectID int64) error
	Reclone(ctx context.Context, projectID int64) error
	RefreshAll(ctx context.Context)
	Snapshot(ctx context.Context) ([]monitor.ProjectStatus, error)
	CommitSubject(ctx context.Context, projectID int64, sha string) (string, error)
}

// PackageClient is the packaging-service surface the API proxies.
type PackageClient interface {
	Login(ctx context.Context, username, password string) (string, error)
	Topics(ctx context.Context, token, username string, branchID int64, topicType string) ([]crp.Topic, error)
	Releases(ctx context.Context, token string, topicID int64) ([]crp.Release, error)
	RetryBuild(ctx context.Context, token string, releaseID int64) error
}

// Server holds the API dependencies and the listener.
type Server struct {
	store   *store.Store
	runner  TaskRunner
	clones  CloneManager
	crp     PackageClient
	metrics http.Handler

	httpSrv *http.Server
}

// New assembles the API server. metrics may be nil when no registry is
// exposed.
func New(s *store.Store, runner TaskRunner, clones CloneManager, pkg PackageClient, metrics http.Handler) *Server {
	return &Server{store: s, runner: runner, clones: clones, crp: pkg, metrics: metrics}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PUT /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/projects/{id}/reclone", s.handleReclone)
	mux.HandleFunc("GET /api/projects/{id}/commits/{sha}", s.handleCommitSubject)

	mux.HandleFunc("GET /api/monitor", s.handleMonitorSnapshot)
	mux.HandleFunc("POST /api/monitor/refresh", s.handleMonitorRefresh)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("POST /api/tasks/cleanup", s.handleCleanupTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStartTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetryTask)

	mux.HandleFunc("GET /api/crp/topics", s.handleTopics)
	mux.HandleFunc("GET /api/crp/topics/{id}/releases", s.handleReleases)
	mux.HandleFunc("POST /api/crp/releases/{id}/retry", s.handleRetryBuild)

	return mux
}

// Start serves the API on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("API listening", logfields.URL("http://"+addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// Projects

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.Projects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode project: %w", err))
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project name is required"))
		return
	}
	if !p.HasReviewForge() && !p.HasMirrorForge() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("project needs a review or mirror forge URL"))
		return
	}
	if err := s.store.CreateProject(&p); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	// clone in the background; clone state is visible on the project
	go func() {
		if err := s.clones.EnsureClone(context.Background(), p.ID); err != nil {
			slog.Error("Initial clone failed", logfields.Project(p.Name), logfields.Error(err))
		}
	}()
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.store.Project(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.store.Project(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode project: %w", err))
		return
	}
	p.ID = id
	if err := s.store.UpdateProject(p); err != nil {
		writeStoreError(w, err)
		return
	}
	updated, err := s.store.Project(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReclone(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Project(id); err != nil {
		writeStoreError(w, err)
		return
	}
	go func() {
		if err := s.clones.Reclone(context.Background(), id); err != nil {
			slog.Error("Reclone failed", slog.Int64("project_id", id), logfields.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cloning"})
}

func (s *Server) handleCommitSubject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sha := r.PathValue("sha")
	if sha == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("commit sha is required"))
		return
	}
	subject, err := s.clones.CommitSubject(r.Context(), id, sha)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commit": sha, "subject": subject})
}

// Monitor

func (s *Server) handleMonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.clones.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if statuses == nil {
		statuses = []monitor.ProjectStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleMonitorRefresh(w http.ResponseWriter, r *http.Request) {
	go s.clones.RefreshAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// Configuration

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GlobalConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, redactConfig(cfg))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GlobalConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode config: %w", err))
		return
	}
	if err := s.store.UpdateGlobalConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, redactConfig(cfg))
}

// configView hides secrets while showing whether they are set.
type configView struct {
	model.GlobalConfig
	LDAPPassword string `json:"LDAPPassword"`
	ForgeToken   string `json:"ForgeToken"`
}

func redactConfig(cfg model.GlobalConfig) configView {
	v := configView{GlobalConfig: cfg}
	v.GlobalConfig.LDAPPassword = ""
	v.GlobalConfig.ForgeToken = ""
	if cfg.LDAPPassword != "" {
		v.LDAPPassword = "(set)"
	}
	if cfg.ForgeToken != "" {
		v.ForgeToken = "(set)"
	}
	return v
}

// Tasks

type createTaskRequest struct {
	ProjectID     int64    `json:"project_id"`
	Mode          string   `json:"mode"`
	Version       string   `json:"version"`
	Architectures []string `json:"architectures"`
	TopicID       int64    `json:"topic_id"`
	TopicName     string   `json:"topic_name"`
	StartHead     string   `json:"start_head"`
	Start         bool     `json:"start"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode task: %w", err))
		return
	}
	project, err := s.store.Project(req.ProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	mode := model.TaskMode(req.Mode)
	if mode != model.ModeCRPOnly && project.CloneState != model.CloneReady {
		writeError(w, http.StatusConflict,
			fmt.Errorf("project %q clone is %s, not ready", project.Name, project.CloneState))
		return
	}
	task, err := s.store.CreateTask(store.CreateTaskParams{
		ProjectID:     req.ProjectID,
		Mode:          mode,
		Version:       req.Version,
		Architectures: req.Architectures,
		TopicID:       req.TopicID,
		TopicName:     req.TopicName,
		StartHead:     req.StartHead,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Start {
		s.runner.Submit(task.ID)
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	tasks, err := s.store.Tasks(model.TaskStatus(q.Get("status")), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// taskDetail bundles a task with its steps for the detail endpoint.
type taskDetail struct {
	model.Task
	Steps []model.Step `json:"steps"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.store.Task(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := s.store.Steps(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, taskDetail{Task: task, Steps: steps})
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.StartTask(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.runner.Submit(id)
	s.respondTask(w, id)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.PauseTask(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.runner.Stop(id)
	s.respondTask(w, id)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.ResumeTask(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.runner.Submit(id)
	s.respondTask(w, id)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.CancelTask(id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.runner.Stop(id)
	s.respondTask(w, id)
}

type retryTaskRequest struct {
	FromStep int  `json:"from_step"`
	Start    bool `json:"start"`
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req retryTaskRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode retry request: %w", err))
			return
		}
	}
	if err := s.store.RetryTask(id, req.FromStep); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Start {
		s.runner.Submit(id)
	}
	s.respondTask(w, id)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanupTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CleanupCompleted()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// Packaging-service passthrough. Every call logs in with the stored LDAP
// credentials; the service's tokens are short-lived and not worth caching.

func (s *Server) crpToken(ctx context.Context) (string, model.GlobalConfig, error) {
	cfg, err := s.store.GlobalConfig()
	if err != nil {
		return "", cfg, err
	}
	if cfg.LDAPUsername == "" || cfg.LDAPPassword == "" {
		return "", cfg, fmt.Errorf("LDAP credentials not configured")
	}
	token, err := s.crp.Login(ctx, cfg.LDAPUsername, cfg.LDAPPassword)
	return token, cfg, err
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	token, cfg, err := s.crpToken(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	topics, err := s.crp.Topics(r.Context(), token, cfg.LDAPUsername, cfg.CRPBranchID, cfg.CRPTopicType)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	token, _, err := s.crpToken(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	releases, err := s.crp.Releases(r.Context(), token, id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	views := make([]releaseView, len(releases))
	for i, rel := range releases {
		views[i] = releaseView{Release: rel, Result: rel.Result()}
	}
	writeJSON(w, http.StatusOK, views)
}

// releaseView adds the normalized build outcome to the raw service release.
type releaseView struct {
	crp.Release
	Result string `json:"Result"`
}

func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	token, _, err := s.crpToken(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.crp.RetryBuild(r.Context(), token, id); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

// helpers

func (s *Server) respondTask(w http.ResponseWriter, id int64) {
	task, err := s.store.Task(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
