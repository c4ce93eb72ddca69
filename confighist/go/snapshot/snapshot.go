// Package snapshot turns staged changes into commits. It owns the commit
// message grammar for automatic snapshots and runs the registered
// post-commit hooks (retention trigger, mirror push) after a successful
// commit.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/metrics2"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

// Message composes the snapshot commit message for the given staged paths:
// one or two paths verbatim, otherwise "N files".
func Message(paths []string) string {
	switch len(paths) {
	case 0:
		return ""
	case 1:
		return paths[0]
	case 2:
		return paths[0] + ", " + paths[1]
	default:
		return fmt.Sprintf("%d files", len(paths))
	}
}

// Hook is a post-commit trigger. Hooks run asynchronously after the commit
// lands; failures are the hook's own business.
type Hook func(ctx context.Context)

// Options adjusts a single CommitStaged call.
type Options struct {
	// OverrideMessage is used verbatim instead of the message grammar.
	OverrideMessage string
	// FallbackMessage is used when the index has changes but no staged
	// path survives the policy filter match (e.g. staged deletions).
	FallbackMessage string
	// SkipHooks suppresses the post-commit hooks.
	SkipHooks bool
}

// Engine executes commit intents.
type Engine struct {
	policy      func() ignorefile.Policy
	hooks       []Hook
	commitCount *metrics2.Counter
}

// New returns an Engine which consults the given policy provider for the
// tracked-path filter.
func New(policy func() ignorefile.Policy) *Engine {
	return &Engine{
		policy:      policy,
		commitCount: metrics2.GetCounter("confighist_commits", nil),
	}
}

// AddPostCommitHook registers a hook run after every successful commit.
func (e *Engine) AddPostCommitHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// StageAll stages the entire working tree and immediately unstages every
// known nested repository path, without exception.
func StageAll(ctx context.Context, co git.Checkout, nestedRepos []string) error {
	if err := co.Add(ctx, "."); err != nil {
		return skerr.Wrap(err)
	}
	for _, nested := range nestedRepos {
		if err := co.Reset(ctx, nested); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// CommitAll stages the entire working tree (minus nested repositories) and
// commits it. The caller must hold the repository write lock.
func (e *Engine) CommitAll(ctx context.Context, co git.Checkout, opts Options) (bool, []string, error) {
	if err := StageAll(ctx, co, e.policy().NestedRepos); err != nil {
		return false, nil, skerr.Wrap(err)
	}
	return e.CommitStaged(ctx, co, opts)
}

// CommitStaged commits whatever is currently staged, applying the
// tracked-path filter as defence in depth. The caller must hold the
// repository write lock. Returns the committed paths, or committed=false
// when the intent turned out to be a no-op.
func (e *Engine) CommitStaged(ctx context.Context, co git.Checkout, opts Options) (committed bool, paths []string, err error) {
	status, err := co.Status(ctx)
	if err != nil {
		return false, nil, skerr.Wrap(err)
	}
	if status.Clean() {
		sklog.Debugf("Nothing to commit; dropping intent.")
		return false, nil, nil
	}
	staged := status.StagedPaths()
	if len(staged) == 0 {
		sklog.Debugf("No staged changes; dropping intent.")
		return false, nil, nil
	}
	policy := e.policy()
	filtered := policy.Filter(staged)
	// Unstage anything the policy rejects in case the ignore file lagged
	// behind the configuration.
	for _, p := range staged {
		if !policy.Allows(p) {
			sklog.Warningf("Unstaging untracked path %s", p)
			if err := co.Reset(ctx, p); err != nil {
				return false, nil, skerr.Wrap(err)
			}
		}
	}
	msg := opts.OverrideMessage
	if msg == "" {
		msg = Message(filtered)
	}
	if msg == "" {
		msg = opts.FallbackMessage
	}
	if msg == "" {
		sklog.Debugf("No tracked path staged; resetting index.")
		return false, nil, co.Reset(ctx)
	}
	if err := co.Commit(ctx, msg); err != nil {
		if strings.Contains(err.Error(), git.ErrNothingToCommit.Error()) || err == git.ErrNothingToCommit {
			sklog.Debugf("Index matches HEAD; dropping intent.")
			return false, nil, nil
		}
		return false, nil, skerr.Wrap(err)
	}
	e.commitCount.Inc(1)
	sklog.Infof("Committed %q", msg)
	if !opts.SkipHooks {
		for _, h := range e.hooks {
			// Hooks re-acquire the repository lock themselves; run them
			// outside the current critical section.
			go h(ctx)
		}
	}
	return true, filtered, nil
}
