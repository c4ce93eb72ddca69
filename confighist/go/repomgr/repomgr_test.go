package repomgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/ignorefile"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/confighist/go/snapshot"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/testutils"
)

func newManagerForTest(t *testing.T, root string) (*Manager, *repo.Repo) {
	// Start declares the root a safe.directory; keep that out of the real
	// global git config.
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(t.TempDir(), "gitconfig"))
	store, err := config.NewStore(filepath.Join(root, config.SettingsFileName))
	require.NoError(t, err)
	r := repo.New(root)
	var mgr *Manager
	engine := snapshot.New(func() ignorefile.Policy { return mgr.Policy() })
	mgr = New(root, r, store, engine)
	return mgr, r
}

func TestStartFreshRoot(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(root, 0755))
	testutils.MustWriteFile(t, filepath.Join(root, "configuration.yaml"), "version: 1\n")
	testutils.MustWriteFile(t, filepath.Join(root, "secrets.txt"), "hidden\n")

	mgr, r := newManagerForTest(t, root)
	require.False(t, r.Ready())
	require.NoError(t, mgr.Start(ctx))
	require.True(t, r.Ready())

	co := git.Checkout(root)
	require.True(t, co.IsRepo(ctx))

	// The ignore file was materialised and the baseline commit captured
	// only tracked files.
	require.Contains(t, testutils.MustReadFile(t, filepath.Join(root, ignorefile.FileName)), "!*.yaml")
	log, err := co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	paths, err := co.LsTree(ctx, log[0].Hash)
	require.NoError(t, err)
	require.Contains(t, paths, "configuration.yaml")
	require.NotContains(t, paths, "secrets.txt")
}

func TestStartIdempotent(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	root := t.TempDir()
	testutils.MustWriteFile(t, filepath.Join(root, "configuration.yaml"), "version: 1\n")

	mgr, _ := newManagerForTest(t, root)
	require.NoError(t, mgr.Start(ctx))

	co := git.Checkout(root)
	log, err := co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, log, 1)

	// A second start on the already-initialised root creates no new
	// repository and no new commit.
	mgr2, r2 := newManagerForTest(t, root)
	require.NoError(t, mgr2.Start(ctx))
	require.True(t, r2.Ready())
	log, err = co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestStartExcludesNestedRepos(t *testing.T) {
	testutils.SkipIfShort(t)
	ctx := context.Background()
	root := t.TempDir()
	testutils.MustWriteFile(t, filepath.Join(root, "configuration.yaml"), "version: 1\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "www", "theme", ".git"), 0755))
	testutils.MustWriteFile(t, filepath.Join(root, "www", "theme", "style.yaml"), "nope\n")

	mgr, _ := newManagerForTest(t, root)
	require.NoError(t, mgr.Start(ctx))
	require.Equal(t, []string{"www/theme"}, mgr.NestedRepos())
	require.False(t, mgr.Policy().Allows("www/theme/style.yaml"))

	co := git.Checkout(root)
	log, err := co.Log(ctx, git.LogOptions{})
	require.NoError(t, err)
	require.Len(t, log, 1)
	paths, err := co.LsTree(ctx, log[0].Hash)
	require.NoError(t, err)
	require.NotContains(t, paths, "www/theme/style.yaml")
}
