package git

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/go/exec"
)

func TestParseLog(t *testing.T) {
	output := "abc123abc123abc123abc123abc123abc123abc1\x1fabc123a\x1fConfigHist\x1fconfighist@localhost\x1f1700000000\x1fconfiguration.yaml\x1f\x1e" +
		"\ndef456def456def456def456def456def456def4\x1fdef456d\x1fConfigHist\x1fconfighist@localhost\x1f1600000000\x1f3 files\x1fextra body\n\x1e"
	commits, err := parseLog(output)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	c := commits[0]
	require.Equal(t, "abc123abc123abc123abc123abc123abc123abc1", c.Hash)
	require.Equal(t, "abc123a", c.ShortHash)
	require.Equal(t, "ConfigHist", c.Author)
	require.Equal(t, "confighist@localhost", c.Email)
	require.Equal(t, int64(1700000000), c.Timestamp.Unix())
	require.Equal(t, "configuration.yaml", c.Subject)
	require.Equal(t, "", c.Body)
	require.Equal(t, "3 files", commits[1].Subject)
	require.Equal(t, "extra body", commits[1].Body)
}

func TestParseLogEmpty(t *testing.T) {
	commits, err := parseLog("")
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestParseLogMalformed(t *testing.T) {
	_, err := parseLog("not a log record\x1e")
	require.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	output := `## main...origin/main
M  configuration.yaml
A  automations.yaml
?? untracked.txt
R  "old name.yaml" -> "new name.yaml"
`
	status, err := parseStatus(output)
	require.NoError(t, err)
	require.Equal(t, "main", status.Branch)
	require.Len(t, status.Entries, 4)
	require.False(t, status.Clean())
	require.Equal(t, []string{"configuration.yaml", "automations.yaml", "new name.yaml"}, status.StagedPaths())
	require.Equal(t, "new name.yaml", status.Entries[3].Path)
}

func TestParseStatusNoCommitsYet(t *testing.T) {
	status, err := parseStatus("## No commits yet on main\n")
	require.NoError(t, err)
	require.Equal(t, "main", status.Branch)
	require.True(t, status.Clean())
}

func TestArgumentVectors(t *testing.T) {
	mock := exec.CommandCollector{}
	ctx := exec.NewContext(context.Background(), mock.Run)
	co := Checkout("/fake/repo")

	require.NoError(t, co.Add(ctx, "configuration.yaml", "scripts.yaml"))
	require.NoError(t, co.RmCached(ctx, "nested"))
	require.NoError(t, co.CheckoutFileAt(ctx, "abc123", "configuration.yaml"))
	require.NoError(t, co.Reset(ctx, "nested"))
	require.NoError(t, co.ReflogExpireAll(ctx))

	cmds := mock.Commands()
	require.Len(t, cmds, 5)
	for _, cmd := range cmds {
		require.Equal(t, "git", cmd.Name)
		require.Equal(t, "/fake/repo", cmd.Dir)
	}
	require.Equal(t, []string{"add", "--", "configuration.yaml", "scripts.yaml"}, cmds[0].Args)
	require.Equal(t, []string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--", "nested"}, cmds[1].Args)
	require.Equal(t, []string{"checkout", "abc123", "--", "configuration.yaml"}, cmds[2].Args)
	require.Equal(t, []string{"reset", "-q", "HEAD", "--", "nested"}, cmds[3].Args)
	require.Equal(t, []string{"reflog", "expire", "--expire=now", "--all"}, cmds[4].Args)
}

func TestCommitTreeEnv(t *testing.T) {
	mock := exec.CommandCollector{}
	mock.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		_, err := cmd.CombinedOutput.Write([]byte("abc123abc123abc123abc123abc123abc123abc1\n"))
		return err
	})
	ctx := exec.NewContext(context.Background(), mock.Run)
	co := Checkout("/fake/repo")

	hash, err := co.CommitTree(ctx, "treehash", "Merged history 2023-01-01T00:00:00Z", time.Unix(1700000000, 0), "parenthash")
	require.NoError(t, err)
	require.Equal(t, "abc123abc123abc123abc123abc123abc123abc1", hash)

	cmd := mock.Commands()[0]
	require.Equal(t, []string{"commit-tree", "treehash", "-p", "parenthash", "-m", "Merged history 2023-01-01T00:00:00Z"}, cmd.Args)
	require.True(t, cmd.InheritEnv)
	env := strings.Join(cmd.Env, "\n")
	require.Contains(t, env, "GIT_AUTHOR_NAME="+CommitterName)
	require.Contains(t, env, "GIT_COMMITTER_EMAIL="+CommitterEmail)
	require.Contains(t, env, "GIT_COMMITTER_DATE=")
}

func TestOutputOverflow(t *testing.T) {
	mock := exec.CommandCollector{}
	mock.SetDelegateRun(func(ctx context.Context, cmd *exec.Command) error {
		big := strings.Repeat("x", maxOutputBytes+1)
		_, err := cmd.CombinedOutput.Write([]byte(big))
		return err
	})
	ctx := exec.NewContext(context.Background(), mock.Run)
	co := Checkout("/fake/repo")
	_, err := co.Git(ctx, "log")
	require.ErrorIs(t, err, ErrOutputOverflow)
}

func TestFullHash(t *testing.T) {
	require.NoError(t, FullHash("0123456789abcdef0123456789abcdef01234567"))
	require.Error(t, FullHash("abc123"))
	require.Error(t, FullHash("0123456789ABCDEF0123456789abcdef01234567"))
	require.Error(t, FullHash("0123456789abcdef0123456789abcdef0123456z"))
}

func TestShortHash(t *testing.T) {
	require.Equal(t, "0123456", ShortHash("0123456789abcdef0123456789abcdef01234567"))
	require.Equal(t, "abc", ShortHash("abc"))
}
