package ignorefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/go/testutils"
)

func TestPolicyAllows(t *testing.T) {
	p := Policy{
		Extensions:  []string{"yaml", "yml", "json"},
		NestedRepos: []string{"www/theme"},
	}

	require.True(t, p.Allows("configuration.yaml"))
	require.True(t, p.Allows("esphome/device.yml"))
	require.True(t, p.Allows("deep/nested/dir/file.json"))
	// Extension matching is case-insensitive.
	require.True(t, p.Allows("configuration.YAML"))

	require.False(t, p.Allows("secrets.txt"))
	require.False(t, p.Allows("no_extension"))
	require.False(t, p.Allows("home-assistant.log"))

	// Repository metadata is always invisible.
	require.False(t, p.Allows(".git"))
	require.False(t, p.Allows(".git/config"))

	// Metadata leaf files are denied even with a matching extension.
	require.False(t, p.Allows("._configuration.yaml"))
	require.False(t, p.Allows("dir/._automations.yaml"))

	// Nested repositories are denied wholesale.
	require.False(t, p.Allows("www/theme"))
	require.False(t, p.Allows("www/theme/style.yaml"))
	require.True(t, p.Allows("www/theme.yaml"))

	// The dashboard state allowlist applies regardless of extension.
	require.True(t, p.Allows(".storage/lovelace"))
	require.True(t, p.Allows(".storage/lovelace_dashboards"))
	require.False(t, p.Allows(".storage/auth"))

	// Hidden files follow TrackHidden.
	require.False(t, p.Allows(".hidden.yaml"))
	p.TrackHidden = true
	require.True(t, p.Allows(".hidden.yaml"))
	require.False(t, p.Allows("._still_denied.yaml"))
}

func TestPolicyFilter(t *testing.T) {
	p := Policy{Extensions: []string{"yaml"}}
	got := p.Filter([]string{"a.yaml", "b.txt", "c/d.yaml", ".git/e.yaml"})
	require.Equal(t, []string{"a.yaml", "c/d.yaml"}, got)
}

func TestRenderDeterministic(t *testing.T) {
	a := Render(Policy{
		Extensions:  []string{"yml", "yaml"},
		NestedRepos: []string{"b/repo", "a/repo"},
	})
	b := Render(Policy{
		Extensions:  []string{"yaml", "yml"},
		NestedRepos: []string{"a/repo", "b/repo"},
	})
	require.Equal(t, a, b)
}

func TestRender(t *testing.T) {
	got := Render(Policy{
		Extensions:  []string{"yaml"},
		NestedRepos: []string{"www/theme"},
	})
	want := `*
!*.yaml
!.storage/lovelace
!.storage/lovelace_dashboards
!.storage/lovelace_resources
!.storage/frontend
!*/
._*
/www/theme
/www/theme/**
`
	require.Equal(t, want, got)
}

func TestRenderTrackHidden(t *testing.T) {
	got := Render(Policy{
		Extensions:  []string{"yaml"},
		TrackHidden: true,
	})
	require.Contains(t, got, "!**/.??*.yaml\n")
}

func TestReconcile(t *testing.T) {
	dir := t.TempDir()
	ignorePath := filepath.Join(dir, FileName)
	p := Policy{Extensions: []string{"yaml"}}

	changed, err := Reconcile(ignorePath, p)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, Render(p), testutils.MustReadFile(t, ignorePath))

	// Unchanged policy: no rewrite.
	changed, err = Reconcile(ignorePath, p)
	require.NoError(t, err)
	require.False(t, changed)

	// Trailing whitespace differences do not count as a change.
	testutils.MustWriteFile(t, ignorePath, Render(p)+"\n\n")
	changed, err = Reconcile(ignorePath, p)
	require.NoError(t, err)
	require.False(t, changed)

	p.Extensions = append(p.Extensions, "json")
	changed, err = Reconcile(ignorePath, p)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestFindNestedRepos(t *testing.T) {
	root := t.TempDir()
	mkdir := func(p string) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, p), 0755))
	}
	mkdir(".git")
	mkdir("www/theme/.git")
	mkdir("custom/repo/.git")
	mkdir("custom/repo/vendored/.git")
	mkdir("plain/dir")

	nested, err := FindNestedRepos(root)
	require.NoError(t, err)
	// The root's own repo is excluded and found repos are not descended
	// into.
	require.Equal(t, []string{"custom/repo", "www/theme"}, nested)
}
