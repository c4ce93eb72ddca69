// Package watcher observes the config tree and converts raw filesystem
// events into commits. Events are filtered against the tracked-path policy,
// debounced per path, and drained by a single worker which owns the
// repository write lock for the duration of each commit.
//
// The observer is polling-based so that mounted filesystems without
// reliable change notification still produce events.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fswatcher "github.com/radovskyb/watcher"

	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/metrics2"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

const (
	// pollInterval is how often the observer scans the tree for changes.
	pollInterval = 2 * time.Second

	// maxDepth bounds recursion below the config root.
	maxDepth = 15

	// maxRootRecurrence rejects self-referential symlink loops: a path
	// containing the root's base segment more often than this is dropped.
	maxRootRecurrence = 3

	intentQueueSize = 128
)

// Watcher owns the per-path debounce timers and the commit worker.
type Watcher struct {
	root     string
	repo     *repo.Repo
	engine   *snapshot.Engine
	policy   func() ignorefile.Policy
	debounce func() time.Duration

	fw       *fswatcher.Watcher
	intents  chan string
	liveness *metrics2.Liveness

	mtx    sync.Mutex
	timers map[string]*time.Timer
}

// New returns a Watcher for the given config root. policy and debounce are
// consulted on every event so configuration changes take effect without a
// restart.
func New(root string, r *repo.Repo, engine *snapshot.Engine, policy func() ignorefile.Policy, debounce func() time.Duration) *Watcher {
	return &Watcher{
		root:     root,
		repo:     r,
		engine:   engine,
		policy:   policy,
		debounce: debounce,
		intents:  make(chan string, intentQueueSize),
		liveness: metrics2.NewLiveness("confighist_watcher", nil),
		timers:   map[string]*time.Timer{},
	}
}

// Start begins observing. Returns once the observer is running; observation
// stops when the context is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fw := fswatcher.New()
	// Only additions and modifications feed the debouncer; deletions are
	// captured by commit-all snapshots.
	fw.FilterOps(fswatcher.Create, fswatcher.Write)
	fw.IgnoreHiddenFiles(false)
	if err := fw.Ignore(filepath.Join(w.root, ".git")); err != nil {
		return skerr.Wrap(err)
	}
	if err := fw.AddRecursive(w.root); err != nil {
		return skerr.Wrapf(err, "failed to watch %s", w.root)
	}
	w.fw = fw

	go w.eventLoop(ctx)
	go w.worker(ctx)
	go func() {
		if err := fw.Start(pollInterval); err != nil {
			sklog.Errorf("Filesystem observer stopped: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		w.stop()
	}()
	fw.Wait()
	sklog.Infof("Watching %s (poll interval %s)", w.root, pollInterval)
	return nil
}

// stop shuts down the observer and drops all pending timers. In-flight
// commits run to completion.
func (w *Watcher) stop() {
	w.fw.Close()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case ev := <-w.fw.Event:
			w.handleEvent(ev)
		case err := <-w.fw.Error:
			sklog.Errorf("Filesystem observer error: %s", err)
		case <-w.fw.Closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fswatcher.Event) {
	if ev.FileInfo != nil && ev.IsDir() {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if strings.Count(rel, "/") >= maxDepth {
		sklog.Warningf("Dropping event beyond depth bound: %s", rel)
		return
	}
	if strings.Count("/"+rel+"/", "/"+filepath.Base(w.root)+"/") > maxRootRecurrence {
		sklog.Warningf("Dropping self-referential path: %s", rel)
		return
	}
	if !w.policy().Allows(rel) {
		return
	}
	w.schedule(rel)
}

// schedule starts or extends the debounce timer for the given path. A new
// event for an already-pending path resets its deadline; bursts to one file
// do not delay commits for another.
func (w *Watcher) schedule(rel string) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce(), func() {
		w.expire(rel)
	})
}

func (w *Watcher) expire(rel string) {
	w.mtx.Lock()
	delete(w.timers, rel)
	w.mtx.Unlock()
	select {
	case w.intents <- rel:
	default:
		// Queue full; the path will be picked up again on its next event
		// or by a commit-all.
		sklog.Warningf("Intent queue full; dropping %s", rel)
	}
}

// worker consumes commit intents one at a time.
func (w *Watcher) worker(ctx context.Context) {
	for {
		select {
		case rel := <-w.intents:
			if err := w.commitIntent(ctx, rel); err != nil {
				// The intent is discarded; the next event on the path
				// will retry.
				sklog.Errorf("Failed to commit %s: %s", rel, err)
			}
			w.liveness.Reset()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) commitIntent(ctx context.Context, rel string) error {
	return w.repo.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		// Discard any leftover staging from prior operations.
		if err := co.Reset(ctx); err != nil {
			return skerr.Wrap(err)
		}
		if err := co.Add(ctx, rel); err != nil {
			return skerr.Wrap(err)
		}
		_, _, err := w.engine.CommitStaged(ctx, co, snapshot.Options{})
		return skerr.Wrap(err)
	})
}

// PendingIntents returns the paths currently waiting on a debounce timer.
// Used by tests and the status endpoint.
func (w *Watcher) PendingIntents() []string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	rv := make([]string, 0, len(w.timers))
	for p := range w.timers {
		rv = append(rv, p)
	}
	return rv
}
