// Package testutils contains helpers for building real throwaway git
// repositories in tests.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/go/exec"
	"go.confighist.org/infra/go/git"
)

// GitBuilder creates commits and branches in a real git repo located in a
// temporary directory.
type GitBuilder struct {
	t   *testing.T
	dir string
	gen int
}

// GitInit creates a new git repo in a temporary directory and returns a
// GitBuilder to manage it. The directory is removed automatically when the
// test ends. The global git config is redirected to a throwaway file so
// tests never touch the developer's real one.
func GitInit(t *testing.T, ctx context.Context) *GitBuilder {
	t.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(t.TempDir(), "gitconfig"))
	g := &GitBuilder{
		t:   t,
		dir: t.TempDir(),
	}
	g.run(ctx, "init")
	g.run(ctx, "symbolic-ref", "HEAD", "refs/heads/"+git.MainBranch)
	g.run(ctx, "config", "user.name", git.CommitterName)
	g.run(ctx, "config", "user.email", git.CommitterEmail)
	return g
}

// Dir returns the directory of the git repo.
func (g *GitBuilder) Dir() string {
	return g.dir
}

// Checkout returns a git.Checkout bound to the repo.
func (g *GitBuilder) Checkout() git.Checkout {
	return git.Checkout(g.dir)
}

func (g *GitBuilder) run(ctx context.Context, args ...string) string {
	output, err := exec.RunCwd(ctx, g.dir, append([]string{"git"}, args...)...)
	require.NoError(g.t, err, "git %s failed: %s", strings.Join(args, " "), output)
	return output
}

func (g *GitBuilder) runEnv(ctx context.Context, env []string, args ...string) string {
	output, err := exec.RunCommand(ctx, &exec.Command{
		Name:       "git",
		Args:       args,
		Dir:        g.dir,
		Env:        env,
		InheritEnv: true,
	})
	require.NoError(g.t, err, "git %s failed: %s", strings.Join(args, " "), output)
	return output
}

// Write writes the given content to the given path under the repo root,
// creating parent directories as needed. Does not stage the file.
func (g *GitBuilder) Write(path, content string) {
	abs := filepath.Join(g.dir, path)
	require.NoError(g.t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(g.t, os.WriteFile(abs, []byte(content), 0644))
}

// Add writes the given content to the given path and stages it.
func (g *GitBuilder) Add(ctx context.Context, path, content string) {
	g.Write(path, content)
	g.run(ctx, "add", "--", path)
}

// AddGen writes auto-generated unique content to the given path and stages
// it.
func (g *GitBuilder) AddGen(ctx context.Context, path string) {
	g.gen++
	g.Add(ctx, path, fmt.Sprintf("generated content %d", g.gen))
}

// CommitMsg commits the staged files with the given message and returns the
// new commit hash.
func (g *GitBuilder) CommitMsg(ctx context.Context, msg string) string {
	g.run(ctx, "commit", "-m", msg)
	return g.head(ctx)
}

// CommitMsgAt commits the staged files with the given message and commit
// time, and returns the new commit hash.
func (g *GitBuilder) CommitMsgAt(ctx context.Context, msg string, ts time.Time) string {
	date := ts.Format(time.RFC3339)
	g.runEnv(ctx, []string{
		"GIT_AUTHOR_DATE=" + date,
		"GIT_COMMITTER_DATE=" + date,
	}, "commit", "-m", msg)
	return g.head(ctx)
}

// CommitGen commits auto-generated content to the given path and returns
// the new commit hash.
func (g *GitBuilder) CommitGen(ctx context.Context, path string) string {
	g.AddGen(ctx, path)
	return g.CommitMsg(ctx, path)
}

// CommitGenAt commits auto-generated content to the given path at the given
// commit time and returns the new commit hash.
func (g *GitBuilder) CommitGenAt(ctx context.Context, path string, ts time.Time) string {
	g.AddGen(ctx, path)
	return g.CommitMsgAt(ctx, path, ts)
}

func (g *GitBuilder) head(ctx context.Context) string {
	return strings.TrimSpace(g.run(ctx, "rev-parse", "HEAD"))
}
