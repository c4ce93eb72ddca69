// Package repo serialises access to the backing repository. Every
// repository-mutating operation in the process funnels through Write; pure
// queries go through Read and may run concurrently with each other but not
// with a writer.
package repo

import (
	"context"
	"sync"
	"sync/atomic"

	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/skerr"
)

// ErrNotInitialised is returned for any operation attempted before the
// repository manager has reported the repository ready. Retryable.
var ErrNotInitialised = skerr.Fmt("repository is not initialised yet")

// Repo wraps a git.Checkout with the process-wide reader/writer lock.
type Repo struct {
	checkout git.Checkout
	mtx      sync.RWMutex
	ready    atomic.Bool
}

// New returns a Repo for the given directory. It is not ready until
// MarkReady is called.
func New(dir string) *Repo {
	return &Repo{
		checkout: git.Checkout(dir),
	}
}

// Dir returns the working directory of the repository.
func (r *Repo) Dir() string {
	return r.checkout.Dir()
}

// MarkReady declares the repository initialised; operations are admitted
// from now on.
func (r *Repo) MarkReady() {
	r.ready.Store(true)
}

// Ready returns true once MarkReady has been called.
func (r *Repo) Ready() bool {
	return r.ready.Load()
}

// Write runs fn holding the exclusive lock. fn may perform any sequence of
// repository mutations; no other reader or writer runs concurrently.
func (r *Repo) Write(ctx context.Context, fn func(ctx context.Context, co git.Checkout) error) error {
	if !r.ready.Load() {
		return ErrNotInitialised
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return fn(ctx, r.checkout)
}

// Read runs fn holding the shared lock. fn must not mutate the repository.
func (r *Repo) Read(ctx context.Context, fn func(ctx context.Context, co git.Checkout) error) error {
	if !r.ready.Load() {
		return ErrNotInitialised
	}
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return fn(ctx, r.checkout)
}
