// Package ignorefile owns the tracked-file policy of the repository. The
// policy is materialised as the .gitignore at the config root: deny
// everything, re-allow the configured extensions and a fixed set of
// dashboard state files, then re-deny metadata leaf files and nested
// repositories. The same policy is mirrored in-process by Policy so staged
// sets can be re-filtered even when the file on disk lags.
package ignorefile

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

const (
	// FileName is the name of the ignore file at the config root.
	FileName = ".gitignore"

	// metadataLeafPattern re-denies macOS resource forks and similar
	// metadata leaf files.
	metadataLeafPattern = "._*"
)

// uiStateAllowlist is the fixed set of dashboard state files tracked
// regardless of their extension or hidden-file status.
var uiStateAllowlist = []string{
	".storage/lovelace",
	".storage/lovelace_dashboards",
	".storage/lovelace_resources",
	".storage/frontend",
}

// UIStateAllowlist returns a copy of the fixed dashboard-state allowlist.
func UIStateAllowlist() []string {
	return append([]string(nil), uiStateAllowlist...)
}

// Policy is the effective tracked-path set: any path the policy rejects is
// invisible to the service.
type Policy struct {
	// Extensions are the allowed file extensions, without leading dots.
	Extensions []string
	// TrackHidden re-allows hidden files carrying an allowed extension.
	TrackHidden bool
	// NestedRepos are root-relative paths of nested repositories, always
	// denied.
	NestedRepos []string
}

// Allows returns true if the given root-relative path is in the tracked
// set.
func (p Policy) Allows(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	base := path.Base(relPath)
	if strings.HasPrefix(base, "._") {
		return false
	}
	if relPath == ".git" || strings.HasPrefix(relPath, ".git/") {
		return false
	}
	for _, nested := range p.NestedRepos {
		if relPath == nested || strings.HasPrefix(relPath, nested+"/") {
			return false
		}
	}
	if util.In(relPath, uiStateAllowlist) {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(base)), ".")
	if ext == "" || !util.In(ext, p.Extensions) {
		return false
	}
	if strings.HasPrefix(base, ".") && !p.TrackHidden {
		return false
	}
	return true
}

// Filter returns the subset of paths the policy allows, preserving order.
func (p Policy) Filter(paths []string) []string {
	var rv []string
	for _, pth := range paths {
		if p.Allows(pth) {
			rv = append(rv, pth)
		}
	}
	return rv
}

// Render produces the ignore file content for the given policy. The output
// is a pure function of the policy: identical inputs yield identical text.
func Render(p Policy) string {
	exts := append([]string(nil), p.Extensions...)
	sort.Strings(exts)
	nested := append([]string(nil), p.NestedRepos...)
	sort.Strings(nested)

	var b strings.Builder
	b.WriteString("*\n")
	for _, ext := range exts {
		b.WriteString("!*." + ext + "\n")
		if p.TrackHidden {
			b.WriteString("!**/.??*." + ext + "\n")
		}
	}
	for _, entry := range uiStateAllowlist {
		b.WriteString("!" + entry + "\n")
	}
	b.WriteString("!*/\n")
	b.WriteString(metadataLeafPattern + "\n")
	for _, repo := range nested {
		b.WriteString("/" + repo + "\n")
		b.WriteString("/" + repo + "/**\n")
	}
	return b.String()
}

// Reconcile writes the rendered policy to the ignore file at the given
// path, but only if the trimmed content differs from what is already there.
// Returns true if the file was rewritten.
func Reconcile(ignorePath string, p Policy) (bool, error) {
	content := Render(p)
	existing, err := os.ReadFile(ignorePath)
	if err == nil && strings.TrimSpace(string(existing)) == strings.TrimSpace(content) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, skerr.Wrap(err)
	}
	if err := util.WithWriteFile(ignorePath, func(w io.Writer) error {
		_, err := w.Write([]byte(content))
		return err
	}); err != nil {
		return false, skerr.Wrap(err)
	}
	sklog.Infof("Rewrote %s", ignorePath)
	return true, nil
}

// FindNestedRepos returns the root-relative paths of directories below the
// given root which contain their own .git metadata directory. The root's
// own repository is excluded. Found repositories are not descended into.
func FindNestedRepos(root string) ([]string, error) {
	var rv []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			sklog.Warningf("Skipping unreadable path %s: %s", p, err)
			return nil
		}
		if !d.IsDir() || d.Name() != ".git" {
			return nil
		}
		parent := filepath.Dir(p)
		if parent == root {
			// The root's own repository.
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(root, parent)
		if relErr != nil {
			return skerr.Wrap(relErr)
		}
		rv = append(rv, filepath.ToSlash(rel))
		return filepath.SkipDir
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	sort.Strings(rv)
	return rv, nil
}
