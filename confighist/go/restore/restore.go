// Package restore rolls files back to earlier snapshots. A single-file
// restore only touches the working tree; the watcher observes the change
// and produces the new commit. Partial restores and hard resets commit
// directly, and every restore moves history forward only.
package restore

import (
	"context"
	"fmt"
	"strings"

	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/human"
	"go.confighist.org/infra/go/now"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

// Reloader asks the automation platform to pick up restored state. Calls
// are fire-and-forget; implementations must not block beyond a short
// timeout.
type Reloader interface {
	ReloadAutomations(ctx context.Context)
	ReloadScripts(ctx context.Context)
	RestartCore(ctx context.Context)
}

// NopReloader is a Reloader that does nothing.
type NopReloader struct{}

func (NopReloader) ReloadAutomations(ctx context.Context) {}
func (NopReloader) ReloadScripts(ctx context.Context)     {}
func (NopReloader) RestartCore(ctx context.Context)       {}

// Engine performs restores.
type Engine struct {
	repo     *repo.Repo
	commits  *snapshot.Engine
	policy   func() ignorefile.Policy
	reloader Reloader
}

// New returns a restore Engine.
func New(r *repo.Repo, commits *snapshot.Engine, policy func() ignorefile.Policy, reloader Reloader) *Engine {
	if reloader == nil {
		reloader = NopReloader{}
	}
	return &Engine{
		repo:     r,
		commits:  commits,
		policy:   policy,
		reloader: reloader,
	}
}

// FileResult describes a completed single-file restore.
type FileResult struct {
	Path            string `json:"path"`
	ReloadTriggered bool   `json:"reloadTriggered"`
}

// SnapshotResult describes a completed partial restore.
type SnapshotResult struct {
	Paths           []string `json:"paths"`
	Committed       bool     `json:"committed"`
	Message         string   `json:"message,omitempty"`
	ReloadTriggered bool     `json:"reloadTriggered"`
}

// HardResetResult describes a completed hard reset.
type HardResetResult struct {
	BackupCommitted bool   `json:"backupCommitted"`
	Message         string `json:"message"`
}

// triggerReload fires the platform hooks appropriate for the given
// restored paths. Returns true if any hook was invoked.
func (e *Engine) triggerReload(ctx context.Context, paths []string) bool {
	triggered := false
	for _, p := range paths {
		switch p {
		case "automations.yaml":
			e.reloader.ReloadAutomations(ctx)
			triggered = true
		case "scripts.yaml":
			e.reloader.ReloadScripts(ctx)
			triggered = true
		}
	}
	return triggered
}

// File restores a single path to its content at the given commit. The
// watcher captures the working-tree change and commits it with the path as
// message.
func (e *Engine) File(ctx context.Context, commit, path string) (*FileResult, error) {
	if !e.policy().Allows(path) {
		return nil, skerr.Fmt("path %s is not tracked", path)
	}
	err := e.repo.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		return skerr.Wrap(co.CheckoutFileAt(ctx, commit, path))
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return &FileResult{
		Path:            path,
		ReloadTriggered: e.triggerReload(ctx, []string{path}),
	}, nil
}

// Snapshot restores every path changed by sourceCommit to its content at
// targetCommit and commits the combined change as a single snapshot. The
// message lists the full restored path set, including paths whose bytes
// already matched HEAD.
func (e *Engine) Snapshot(ctx context.Context, sourceCommit, targetCommit string) (*SnapshotResult, error) {
	rv := &SnapshotResult{}
	var restored []string
	err := e.repo.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		files, err := co.CommitDetails(ctx, sourceCommit)
		if err != nil {
			return skerr.Wrap(err)
		}
		var paths []string
		for _, f := range files {
			if f.Status == "A" || f.Status == "M" || f.Status == "D" {
				paths = append(paths, f.Path)
			}
		}
		if len(paths) == 0 {
			// Merge commits report no name-status entries; fall back to
			// a diff against the parent.
			paths, err = co.DiffNameOnly(ctx, sourceCommit+"^", sourceCommit)
			if err != nil {
				return skerr.Wrap(err)
			}
		}
		paths = e.policy().Filter(paths)
		if len(paths) == 0 {
			return skerr.Fmt("commit %s changed no tracked paths", git.ShortHash(sourceCommit))
		}
		// Drop leftover staging so the snapshot contains only restored
		// paths.
		if err := co.Reset(ctx); err != nil {
			return skerr.Wrap(err)
		}
		for _, p := range paths {
			if err := co.CheckoutFileAt(ctx, targetCommit, p); err != nil {
				// The path may not exist at the target commit.
				sklog.Warningf("Could not restore %s at %s: %s", p, git.ShortHash(targetCommit), err)
				continue
			}
			restored = append(restored, p)
		}
		// CheckoutFileAt stages each restored path; commit them in one go.
		// When every restored path already matches HEAD this is a no-op.
		msg := snapshot.Message(restored)
		committed, _, err := e.commits.CommitStaged(ctx, co, snapshot.Options{
			OverrideMessage: msg,
		})
		if err != nil {
			return skerr.Wrap(err)
		}
		rv.Committed = committed
		if committed {
			rv.Message = msg
		}
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rv.Paths = restored
	rv.ReloadTriggered = e.triggerReload(ctx, restored)
	return rv, nil
}

// HardReset restores the entire working tree to the given commit. History
// is preserved: the reset lands as new commits on top of the branch. With
// withBackup, uncommitted changes are captured in a safety snapshot first.
func (e *Engine) HardReset(ctx context.Context, commit string, withBackup bool) (*HardResetResult, error) {
	rv := &HardResetResult{}
	dashboardState := false
	err := e.repo.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		target, err := co.Details(ctx, commit)
		if err != nil {
			return skerr.Wrap(err)
		}
		if withBackup {
			backupMsg := fmt.Sprintf("Safety backup before hard reset to %s - %s",
				git.ShortHash(commit), human.ISO(now.Now(ctx)))
			committed, _, err := e.commits.CommitAll(ctx, co, snapshot.Options{
				OverrideMessage: backupMsg,
				SkipHooks:       true,
			})
			if err != nil {
				return skerr.Wrap(err)
			}
			rv.BackupCommitted = committed
		}
		paths, err := co.LsTree(ctx, commit)
		if err != nil {
			return skerr.Wrap(err)
		}
		for _, p := range paths {
			if err := co.CheckoutFileAt(ctx, commit, p); err != nil {
				return skerr.Wrapf(err, "failed to restore %s", p)
			}
			if strings.HasPrefix(p, ".storage/") {
				dashboardState = true
			}
		}
		msg := "Restored all files to " + human.Date(target.Timestamp)
		if _, _, err := e.commits.CommitAll(ctx, co, snapshot.Options{
			OverrideMessage: msg,
			SkipHooks:       true,
		}); err != nil {
			return skerr.Wrap(err)
		}
		rv.Message = msg
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if dashboardState {
		e.reloader.RestartCore(ctx)
	}
	return rv, nil
}
