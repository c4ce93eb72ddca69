// Package retention compacts repository history. Commits whose committer
// timestamp falls at or before the cutoff are collapsed into a single
// rootless baseline commit; everything newer is rebased on top so the
// branch stays contiguous. A safety branch is placed on the old tip before
// any destructive rewrite and is never deleted by the engine.
package retention

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/human"
	"go.confighist.org/infra/go/metrics2"
	"go.confighist.org/infra/go/now"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

var (
	// ErrCleanupInProgress is returned when a retention run is requested
	// while another one is executing.
	ErrCleanupInProgress = skerr.Fmt("history cleanup already in progress")

	// ErrDirtyWorkingTree is returned when uncommitted changes could not
	// be captured before the rewrite.
	ErrDirtyWorkingTree = skerr.Fmt("working tree is dirty and could not be auto-committed")
)

const (
	backupBranchPrefix = "backup-before-cleanup-"

	previewSampleSize = 5
)

// Preview describes what a retention run would do, without mutating
// anything.
type Preview struct {
	Cutoff          time.Time     `json:"cutoff"`
	KeptCount       int           `json:"keptCount"`
	MergedCount     int           `json:"mergedCount"`
	Sample          []*git.Commit `json:"sample,omitempty"`
	WithinRetention bool          `json:"withinRetention"`
}

// Result describes a completed retention run.
type Result struct {
	// NoOp is true when nothing was older than the cutoff.
	NoOp         bool   `json:"noOp"`
	MergedCount  int    `json:"mergedCount"`
	BaselineHash string `json:"baselineHash,omitempty"`
	BackupBranch string `json:"backupBranch,omitempty"`
}

// Engine runs history compaction. At most one run executes at a time.
type Engine struct {
	repo    *repo.Repo
	commits *snapshot.Engine
	running atomic.Bool
	runs    *metrics2.Counter
}

// New returns a retention Engine.
func New(r *repo.Repo, commits *snapshot.Engine) *Engine {
	return &Engine{
		repo:    r,
		commits: commits,
		runs:    metrics2.GetCounter("confighist_retention_runs", nil),
	}
}

// splitIndex returns the position of the first commit (newest-first order)
// whose committer timestamp is at or before the cutoff, or -1 if every
// commit is newer. Everything from the split down is merged; everything
// above is kept. The single split keeps history contiguous even when
// timestamps are anomalously out of order.
func splitIndex(commits []*git.Commit, cutoff time.Time) int {
	for i, c := range commits {
		if !c.Timestamp.After(cutoff) {
			return i
		}
	}
	return -1
}

// Preview computes the cutoff and the kept/merged partition for the given
// window. Read-only.
func (e *Engine) Preview(ctx context.Context, window time.Duration) (*Preview, error) {
	cutoff := now.Now(ctx).Add(-window)
	rv := &Preview{Cutoff: cutoff}
	err := e.repo.Read(ctx, func(ctx context.Context, co git.Checkout) error {
		log, err := co.Log(ctx, git.LogOptions{})
		if err != nil {
			return skerr.Wrap(err)
		}
		split := splitIndex(log, cutoff)
		if split < 0 {
			rv.WithinRetention = true
			rv.KeptCount = len(log)
			return nil
		}
		rv.KeptCount = split
		rv.MergedCount = len(log) - split
		sample := log[split:]
		if len(sample) > previewSampleSize {
			sample = sample[:previewSampleSize]
		}
		rv.Sample = sample
		return nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return rv, nil
}

// Run compacts all history older than the given window. Returns
// ErrCleanupInProgress when another run is executing.
func (e *Engine) Run(ctx context.Context, window time.Duration) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCleanupInProgress
	}
	defer e.running.Store(false)
	var rv *Result
	err := e.repo.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		var err error
		rv, err = e.runLocked(ctx, co, window)
		return err
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	e.runs.Inc(1)
	return rv, nil
}

func (e *Engine) runLocked(ctx context.Context, co git.Checkout, window time.Duration) (*Result, error) {
	// Precondition: clean working tree. Capture tracked dirt as a normal
	// snapshot; untracked dirt is silently unstaged by the commit engine.
	status, err := co.Status(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if !status.Clean() {
		if _, _, err := e.commits.CommitAll(ctx, co, snapshot.Options{
			FallbackMessage: "pre-cleanup changes",
			SkipHooks:       true,
		}); err != nil {
			sklog.Errorf("Failed to capture dirty working tree: %s", err)
			return nil, ErrDirtyWorkingTree
		}
	}

	cutoff := now.Now(ctx).Add(-window)
	log, err := co.Log(ctx, git.LogOptions{})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(log) == 0 {
		return &Result{NoOp: true}, nil
	}
	split := splitIndex(log, cutoff)
	if split < 0 {
		sklog.Infof("All %d commits are within the retention window.", len(log))
		return &Result{NoOp: true}, nil
	}

	// Safety backup. Never deleted by the engine; operators prune it.
	backup := fmt.Sprintf("%s%d", backupBranchPrefix, util.TimeStampMs(now.Now(ctx)))
	if err := co.CreateBranch(ctx, backup, log[0].Hash); err != nil {
		return nil, skerr.Wrap(err)
	}

	// Synthesise the rootless baseline: tree and dates of the newest
	// merged commit, message naming the oldest merged commit's time.
	newestMerged := log[split]
	oldestMerged := log[len(log)-1]
	tree, err := co.TreeHash(ctx, newestMerged.Hash)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	msg := "Merged history " + human.ISO(oldestMerged.Timestamp)
	baseline, err := co.CommitTree(ctx, tree, msg, newestMerged.Timestamp)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	if split == 0 {
		// Nothing to keep: the branch becomes the baseline itself.
		if err := co.ResetHard(ctx, baseline); err != nil {
			return nil, skerr.Wrap(err)
		}
	} else {
		// Splice the kept commits onto the baseline. The upstream is the
		// newest merged commit, i.e. the parent of the oldest kept one.
		if err := co.RebaseOnto(ctx, baseline, newestMerged.Hash, git.MainBranch); err != nil {
			sklog.Errorf("Retention rebase failed; branch %s preserves the old tip.", backup)
			return nil, skerr.Wrap(err)
		}
	}

	// Make the merged objects collectable right away.
	if err := co.ReflogExpireAll(ctx); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := co.Gc(ctx); err != nil {
		return nil, skerr.Wrap(err)
	}
	merged := len(log) - split
	sklog.Infof("Merged %d commits into baseline %s (cutoff %s).", merged, git.ShortHash(baseline), cutoff)
	return &Result{
		MergedCount:  merged,
		BaselineHash: baseline,
		BackupBranch: backup,
	}, nil
}
