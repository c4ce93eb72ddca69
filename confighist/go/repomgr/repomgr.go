// Package repomgr initialises the backing repository at startup and owns
// the discovered nested-repository set. Until Start completes, every
// repository operation fails with repo.ErrNotInitialised.
package repomgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/fileutil"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

// Manager performs the idempotent startup sequence and serves the
// tracked-path policy to the watcher and the commit engine.
type Manager struct {
	root     string
	repo     *repo.Repo
	settings *config.Store
	engine   *snapshot.Engine

	mtx         sync.Mutex
	nestedRepos []string
}

// New returns an unstarted Manager.
func New(root string, r *repo.Repo, settings *config.Store, engine *snapshot.Engine) *Manager {
	return &Manager{
		root:     root,
		repo:     r,
		settings: settings,
		engine:   engine,
	}
}

// Policy returns the current tracked-path policy: configured extensions
// plus the fixed dashboard-state allowlist, minus nested repositories.
func (m *Manager) Policy() ignorefile.Policy {
	s := m.settings.Get()
	m.mtx.Lock()
	nested := append([]string(nil), m.nestedRepos...)
	m.mtx.Unlock()
	return ignorefile.Policy{
		Extensions:  s.TrackedExtensions,
		TrackHidden: s.TrackHidden,
		NestedRepos: nested,
	}
}

// NestedRepos returns the nested repositories discovered at startup.
func (m *Manager) NestedRepos() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]string(nil), m.nestedRepos...)
}

// verifyWriteAccess fails loudly when the config root is read-only.
func verifyWriteAccess(root string) error {
	probe := filepath.Join(root, ".confighist-write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return skerr.Wrapf(err, "config root %s is not writable", root)
	}
	return skerr.Wrap(os.Remove(probe))
}

// Start runs the startup sequence and marks the repository ready. Safe to
// call on an already-initialised root.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := fileutil.EnsureDirExists(m.root); err != nil {
		return skerr.Wrapf(err, "failed to create config root")
	}
	if err := verifyWriteAccess(m.root); err != nil {
		return skerr.Wrap(err)
	}
	co := git.Checkout(m.root)
	if err := co.DeclareTrusted(ctx); err != nil {
		return skerr.Wrap(err)
	}
	if !fileutil.DirExists(filepath.Join(m.root, ".git")) {
		sklog.Infof("Initialising repository in %s", m.root)
		if err := co.Init(ctx); err != nil {
			return skerr.Wrap(err)
		}
	}
	if err := co.ConfigSet(ctx, "user.name", git.CommitterName); err != nil {
		return skerr.Wrap(err)
	}
	if err := co.ConfigSet(ctx, "user.email", git.CommitterEmail); err != nil {
		return skerr.Wrap(err)
	}

	nested, err := ignorefile.FindNestedRepos(m.root)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, n := range nested {
		sklog.Warningf("Nested repository detected at %s; excluding from tracking.", n)
	}
	m.mtx.Lock()
	m.nestedRepos = nested
	m.mtx.Unlock()

	if _, err := ignorefile.Reconcile(filepath.Join(m.root, ignorefile.FileName), m.Policy()); err != nil {
		return skerr.Wrap(err)
	}
	for _, n := range nested {
		if err := co.RmCached(ctx, n); err != nil {
			return skerr.Wrap(err)
		}
	}
	if err := snapshot.StageAll(ctx, co, nested); err != nil {
		return skerr.Wrap(err)
	}
	committed, paths, err := m.engine.CommitStaged(ctx, co, snapshot.Options{SkipHooks: true})
	if err != nil {
		return skerr.Wrap(err)
	}
	if committed {
		sklog.Infof("Committed startup baseline (%d paths)", len(paths))
	}
	m.repo.MarkReady()
	sklog.Infof("Repository %s is ready.", m.root)
	return nil
}

// ReconcileIgnoreFile rewrites the ignore file if the configuration
// changed. Called after settings updates.
func (m *Manager) ReconcileIgnoreFile() error {
	_, err := ignorefile.Reconcile(filepath.Join(m.root, ignorefile.FileName), m.Policy())
	return skerr.Wrap(err)
}
