// Package rest is the HTTP adapter. It stays thin: handlers decode the
// request, call exactly one engine operation and encode the result. All
// policy lives in the engines.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/mirror"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/repomgr"
	"go.confighist.org/infra/confighist/go/restore"
	"go.confighist.org/infra/confighist/go/retention"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/httputils"
	"go.confighist.org/infra/go/skerr"
)

const redactedToken = "***"

// Handlers bundles the engines the API fronts.
type Handlers struct {
	repo      *repo.Repo
	settings  *config.Store
	manager   *repomgr.Manager
	commits   *snapshot.Engine
	restore   *restore.Engine
	retention *retention.Engine
	mirror    *mirror.Pusher
}

// New returns the API handlers.
func New(r *repo.Repo, settings *config.Store, manager *repomgr.Manager, commits *snapshot.Engine, rst *restore.Engine, ret *retention.Engine, m *mirror.Pusher) *Handlers {
	return &Handlers{
		repo:      r,
		settings:  settings,
		manager:   manager,
		commits:   commits,
		restore:   rst,
		retention: ret,
		mirror:    m,
	}
}

// AddHandlers registers all API routes on the given router.
func (h *Handlers) AddHandlers(r chi.Router) {
	r.Get("/api/history", h.history)
	r.Get("/api/blobs", h.blobs)
	r.Get("/api/file", h.file)
	r.Get("/api/commit/{hash}", h.commitDetails)
	r.Get("/api/diff", h.diff)
	r.Get("/api/status", h.status)
	r.Get("/api/summary", h.summary)
	r.Post("/api/restore/file", h.restoreFile)
	r.Post("/api/restore/commit", h.restoreCommit)
	r.Post("/api/reset", h.reset)
	r.Post("/api/commit", h.commitNow)
	r.Get("/api/retention/preview", h.retentionPreview)
	r.Post("/api/retention/run", h.retentionRun)
	r.Get("/api/settings", h.getSettings)
	r.Post("/api/settings", h.postSettings)
	r.Post("/api/push", h.push)
}

// reportError maps engine errors to status codes and writes the standard
// failure payload.
func reportError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, repo.ErrNotInitialised):
		code = http.StatusServiceUnavailable
	case errors.Is(err, retention.ErrCleanupInProgress):
		code = http.StatusConflict
	case errors.Is(err, git.ErrRebaseConflict):
		code = http.StatusConflict
	case errors.Is(err, mirror.ErrNotConfigured):
		code = http.StatusBadRequest
	case errors.Is(err, mirror.ErrRemoteUnauthorised),
		errors.Is(err, mirror.ErrRemoteUnreachable):
		code = http.StatusBadGateway
	}
	httputils.ReportError(w, err, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputils.ReportError(w, err, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func requireHash(w http.ResponseWriter, hash string) bool {
	if err := git.FullHash(hash); err != nil {
		httputils.ReportError(w, err, "invalid commit hash", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	opts := git.LogOptions{
		Path: r.URL.Query().Get("path"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			httputils.ReportError(w, err, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.MaxCount = n
	}
	var log []*git.Commit
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		log, err = co.Log(ctx, opts)
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Commits []*git.Commit `json:"commits"`
	}{Commits: log})
}

// blobs lists the blob hash of a path at every commit that touched it,
// newest first, together with the hash of its current on-disk content.
func (h *Handlers) blobs(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		httputils.ReportError(w, nil, "path is required", http.StatusBadRequest)
		return
	}
	type blobAt struct {
		Commit string `json:"commit"`
		Blob   string `json:"blob,omitempty"`
	}
	var current string
	var entries []blobAt
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		log, err := co.Log(ctx, git.LogOptions{Path: path})
		if err != nil {
			return err
		}
		for _, c := range log {
			// The commit that deleted the path is still part of its log;
			// report it without a blob.
			blob, err := co.BlobHash(ctx, c.Hash, path)
			if err != nil {
				blob = ""
			}
			entries = append(entries, blobAt{Commit: c.Hash, Blob: blob})
		}
		if disk, err := co.HashObject(ctx, path); err == nil {
			current = disk
		}
		return nil
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Path    string   `json:"path"`
		Current string   `json:"current,omitempty"`
		Commits []blobAt `json:"commits"`
	}{Path: path, Current: current, Commits: entries})
}

func (h *Handlers) file(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("commit")
	path := r.URL.Query().Get("path")
	if !requireHash(w, hash) {
		return
	}
	if path == "" {
		httputils.ReportError(w, nil, "path is required", http.StatusBadRequest)
		return
	}
	var content string
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		content, err = co.FileAtCommit(ctx, hash, path)
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Commit  string `json:"commit"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Commit: hash, Path: path, Content: content})
}

func (h *Handlers) commitDetails(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !requireHash(w, hash) {
		return
	}
	var commit *git.Commit
	var files []git.FileStatus
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		if commit, err = co.Details(ctx, hash); err != nil {
			return err
		}
		files, err = co.CommitDetails(ctx, hash)
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Commit *git.Commit      `json:"commit"`
		Files  []git.FileStatus `json:"files"`
	}{Commit: commit, Files: files})
}

func (h *Handlers) diff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var diff string
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		if commit := q.Get("commit"); commit != "" {
			diff, err = co.DiffCommit(ctx, commit)
		} else if from, to := q.Get("from"), q.Get("to"); from != "" && to != "" {
			if path := q.Get("path"); path != "" {
				diff, err = co.DiffRange(ctx, from, to, path)
			} else {
				diff, err = co.DiffRange(ctx, from, to)
			}
		} else {
			return skerr.Fmt("either commit or from/to is required")
		}
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Diff string `json:"diff"`
	}{Diff: diff})
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	rv := struct {
		Ready       bool              `json:"ready"`
		Branch      string            `json:"branch,omitempty"`
		Clean       bool              `json:"clean"`
		Entries     []git.StatusEntry `json:"entries,omitempty"`
		NestedRepos []string          `json:"nestedRepos,omitempty"`
	}{
		Ready: h.repo.Ready(),
	}
	if !rv.Ready {
		httputils.RespondJSON(w, rv)
		return
	}
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		status, err := co.Status(ctx)
		if err != nil {
			return err
		}
		rv.Branch = status.Branch
		rv.Clean = status.Clean()
		rv.Entries = status.Entries
		return nil
	})
	if err != nil {
		reportError(w, err)
		return
	}
	rv.NestedRepos = h.manager.NestedRepos()
	httputils.RespondJSON(w, rv)
}

func (h *Handlers) summary(w http.ResponseWriter, r *http.Request) {
	var log []*git.Commit
	err := h.repo.Read(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		log, err = co.Log(ctx, git.LogOptions{})
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	settings := h.settings.Get()
	rv := struct {
		CommitCount int                      `json:"commitCount"`
		Newest      *git.Commit              `json:"newest,omitempty"`
		Oldest      *git.Commit              `json:"oldest,omitempty"`
		Age         string                   `json:"age,omitempty"`
		Retention   config.RetentionSettings `json:"retention"`
		MirrorOK    bool                     `json:"mirrorOk"`
	}{
		CommitCount: len(log),
		Retention:   settings.Retention,
		MirrorOK:    !settings.Mirror.Enabled() || settings.Mirror.LastPushOK,
	}
	if len(log) > 0 {
		rv.Newest = log[0]
		rv.Oldest = log[len(log)-1]
		rv.Age = humanize.Time(rv.Oldest.Timestamp)
	}
	httputils.RespondJSON(w, rv)
}

func (h *Handlers) restoreFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Commit string `json:"commit"`
		Path   string `json:"path"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !requireHash(w, req.Commit) {
		return
	}
	rv, err := h.restore.File(r.Context(), req.Commit, req.Path)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, rv)
}

func (h *Handlers) restoreCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceCommit string `json:"sourceCommit"`
		TargetCommit string `json:"targetCommit"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !requireHash(w, req.SourceCommit) || !requireHash(w, req.TargetCommit) {
		return
	}
	rv, err := h.restore.Snapshot(r.Context(), req.SourceCommit, req.TargetCommit)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, rv)
}

func (h *Handlers) reset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Commit string `json:"commit"`
		Backup bool   `json:"backup"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !requireHash(w, req.Commit) {
		return
	}
	rv, err := h.restore.HardReset(r.Context(), req.Commit, req.Backup)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, rv)
}

func (h *Handlers) commitNow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	var committed bool
	var paths []string
	err := h.repo.Write(r.Context(), func(ctx context.Context, co git.Checkout) error {
		var err error
		committed, paths, err = h.commits.CommitAll(ctx, co, snapshot.Options{
			OverrideMessage: req.Message,
		})
		return err
	})
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Committed bool     `json:"committed"`
		Paths     []string `json:"paths,omitempty"`
	}{Committed: committed, Paths: paths})
}

func (h *Handlers) retentionPreview(w http.ResponseWriter, r *http.Request) {
	window := h.settings.Get().Retention.Window()
	rv, err := h.retention.Preview(r.Context(), window)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, rv)
}

// retentionRun triggers compaction on demand. Works even when automatic
// retention is disabled.
func (h *Handlers) retentionRun(w http.ResponseWriter, r *http.Request) {
	window := h.settings.Get().Retention.Window()
	rv, err := h.retention.Run(r.Context(), window)
	if err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, rv)
}

func redactSettings(s config.Settings) config.Settings {
	if s.Mirror.Token != "" {
		s.Mirror.Token = redactedToken
	}
	return s
}

func (h *Handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	httputils.RespondJSON(w, redactSettings(h.settings.Get()))
}

func (h *Handlers) postSettings(w http.ResponseWriter, r *http.Request) {
	posted := h.settings.Get()
	if !decode(w, r, &posted) {
		return
	}
	if err := config.Validate(posted); err != nil {
		httputils.ReportError(w, err, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.settings.Update(func(s *config.Settings) {
		// A redacted token means "keep the stored one".
		if posted.Mirror.Token == redactedToken {
			posted.Mirror.Token = s.Mirror.Token
		}
		*s = posted
	})
	if err != nil {
		reportError(w, err)
		return
	}
	if err := h.manager.ReconcileIgnoreFile(); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, redactSettings(h.settings.Get()))
}

func (h *Handlers) push(w http.ResponseWriter, r *http.Request) {
	if err := h.mirror.Push(r.Context()); err != nil {
		reportError(w, err)
		return
	}
	httputils.RespondJSON(w, struct {
		Success bool `json:"success"`
	}{Success: true})
}
