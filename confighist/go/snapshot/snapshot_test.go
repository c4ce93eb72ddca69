package snapshot_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	gittestutils "go.confighist.org/infra/go/git/testutils"
	"go.confighist.org/infra/go/testutils"
)

func TestMessage(t *testing.T) {
	require.Equal(t, "", snapshot.Message(nil))
	require.Equal(t, "configuration.yaml", snapshot.Message([]string{"configuration.yaml"}))
	require.Equal(t, "a.yaml, b.yaml", snapshot.Message([]string{"a.yaml", "b.yaml"}))
	require.Equal(t, "3 files", snapshot.Message([]string{"a.yaml", "b.yaml", "c.yaml"}))
	require.Equal(t, "10 files", snapshot.Message(make([]string, 10)))
}

func yamlPolicy() ignorefile.Policy {
	return ignorefile.Policy{Extensions: []string{"yaml", "yml", "json"}}
}

func TestCommitStaged(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	// Clean tree: the intent is dropped.
	committed, _, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.False(t, committed)

	g.AddGen(ctx, "configuration.yaml")
	committed, paths, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, []string{"configuration.yaml"}, paths)

	head, err := co.Details(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "configuration.yaml", head.Subject)
}

func TestCommitStagedMessageGrammar(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	g.AddGen(ctx, "a.yaml")
	g.AddGen(ctx, "b.yaml")
	committed, _, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	head, err := co.Details(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "a.yaml, b.yaml", head.Subject)

	g.AddGen(ctx, "a.yaml")
	g.AddGen(ctx, "b.yaml")
	g.AddGen(ctx, "c.yaml")
	committed, _, err = engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	head, err = co.Details(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "3 files", head.Subject)
}

func TestCommitStagedUnstagesRejectedPaths(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	// An untracked-by-policy file slips into the index, e.g. because the
	// ignore file lagged a settings change.
	g.Add(ctx, "configuration.yaml", "ok\n")
	g.Add(ctx, "secrets.txt", "nope\n")

	committed, paths, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, []string{"configuration.yaml"}, paths)

	files, err := co.CommitDetails(ctx, "HEAD")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "configuration.yaml", files[0].Path)
}

func TestCommitStagedOnlyRejectedPaths(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	g.Add(ctx, "secrets.txt", "nope\n")
	committed, _, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.False(t, committed)

	// No commit was created and the index is clean again.
	log, err := co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Empty(t, log)
	status, err := co.Status(ctx)
	require.NoError(t, err)
	require.Empty(t, status.StagedPaths())
}

func TestCommitStagedOverrideAndFallback(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	g.AddGen(ctx, "configuration.yaml")
	committed, _, err := engine.CommitStaged(ctx, co, snapshot.Options{
		OverrideMessage: "Restored all files to Mar 1, 2023 12:00 PM",
	})
	require.NoError(t, err)
	require.True(t, committed)
	head, err := co.Details(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, "Restored all files to Mar 1, 2023 12:00 PM", head.Subject)
}

func TestCommitAllSkipsNestedRepos(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	policy := func() ignorefile.Policy {
		p := yamlPolicy()
		p.NestedRepos = []string{"www/theme"}
		return p
	}
	engine := snapshot.New(policy)

	g.Write("configuration.yaml", "ok\n")
	g.Write("www/theme/style.yaml", "nope\n")

	committed, paths, err := engine.CommitAll(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, []string{"configuration.yaml"}, paths)
}

func TestPostCommitHooks(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	g := gittestutils.GitInit(t, ctx)
	co := g.Checkout()
	engine := snapshot.New(yamlPolicy)

	var fired atomic.Int64
	engine.AddPostCommitHook(func(ctx context.Context) {
		fired.Add(1)
	})

	g.AddGen(ctx, "configuration.yaml")
	committed, _, err := engine.CommitStaged(ctx, co, snapshot.Options{})
	require.NoError(t, err)
	require.True(t, committed)
	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// SkipHooks suppresses the trigger.
	g.AddGen(ctx, "configuration.yaml")
	committed, _, err = engine.CommitStaged(ctx, co, snapshot.Options{SkipHooks: true})
	require.NoError(t, err)
	require.True(t, committed)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), fired.Load())
}
