/*
Package git is a typed wrapper around a local git checkout, invoked as a
subprocess with explicit argument vectors. Serialisation of mutating
operations is the caller's responsibility; see confighist/go/repo.
*/
package git

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.confighist.org/infra/go/exec"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

const (
	// CommitterName and CommitterEmail form the fixed identity used for
	// every commit the service creates.
	CommitterName  = "ConfigHist"
	CommitterEmail = "confighist@localhost"

	// MainBranch is the name of the branch the service commits to.
	MainBranch = "main"

	defaultTimeout = 30 * time.Second
	gcTimeout      = 5 * time.Minute

	// maxOutputBytes bounds the output buffer of any single git
	// invocation. maxErrOutputBytes bounds how much of it lands in error
	// messages.
	maxOutputBytes    = 8 * 1024 * 1024
	maxErrOutputBytes = 1024

	// fieldSep and recordSep delimit the custom log format. Both are
	// ASCII control characters which cannot appear in commit hashes or
	// author identities and are improbable in message content.
	fieldSep  = "\x1f"
	recordSep = "\x1e"

	logFormat = "%H" + "%x1f" + "%h" + "%x1f" + "%an" + "%x1f" + "%ae" + "%x1f" + "%ct" + "%x1f" + "%s" + "%x1f" + "%b" + "%x1e"
)

var (
	// ErrNothingToCommit is returned by Commit when the index matches
	// HEAD.
	ErrNothingToCommit = skerr.Fmt("nothing to commit")

	// ErrOutputOverflow is returned when a git invocation produces more
	// output than the bounded buffer allows.
	ErrOutputOverflow = skerr.Fmt("git output exceeded %d bytes", maxOutputBytes)

	// ErrRebaseConflict is returned by RebaseOnto after a conflicting
	// rebase has been aborted.
	ErrRebaseConflict = skerr.Fmt("rebase conflict")
)

// Checkout is a directory containing a git repository with a working tree.
type Checkout string

// Dir returns the working directory of the Checkout.
func (c Checkout) Dir() string {
	return string(c)
}

// limitWriter accumulates writes up to a fixed cap and records overflow.
type limitWriter struct {
	buf        strings.Builder
	max        int
	overflowed bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.buf.Len()+len(p) > l.max {
		l.overflowed = true
		return 0, ErrOutputOverflow
	}
	return l.buf.Write(p)
}

// run invokes git with the given argument vector and returns its combined
// output. Every invocation gets a bounded timeout and a bounded output
// buffer.
func (c Checkout) run(ctx context.Context, timeout time.Duration, env []string, args ...string) (string, error) {
	out := &limitWriter{max: maxOutputBytes}
	cmd := &exec.Command{
		Name:           "git",
		Args:           args,
		Dir:            c.Dir(),
		Env:            env,
		InheritEnv:     len(env) > 0,
		CombinedOutput: out,
		Timeout:        timeout,
	}
	err := exec.Run(ctx, cmd)
	if out.overflowed {
		return "", ErrOutputOverflow
	}
	if err != nil {
		return out.buf.String(), skerr.Wrapf(err, "git %s failed: %s", strings.Join(args, " "), util.Trunc(strings.TrimSpace(out.buf.String()), maxErrOutputBytes))
	}
	return out.buf.String(), nil
}

// Git runs the given git command in the Checkout.
func (c Checkout) Git(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, defaultTimeout, nil, args...)
}

// IsRepo returns true if the directory contains a git repository.
func (c Checkout) IsRepo(ctx context.Context) bool {
	if _, err := c.Git(ctx, "rev-parse", "--git-dir"); err != nil {
		return false
	}
	return true
}

// Init initialises a new repository with MainBranch checked out.
func (c Checkout) Init(ctx context.Context) error {
	if _, err := c.Git(ctx, "init"); err != nil {
		return skerr.Wrap(err)
	}
	if _, err := c.Git(ctx, "symbolic-ref", "HEAD", "refs/heads/"+MainBranch); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// ConfigSet sets a repository-local config value.
func (c Checkout) ConfigSet(ctx context.Context, key, value string) error {
	_, err := c.Git(ctx, "config", key, value)
	return skerr.Wrap(err)
}

// DeclareTrusted marks the checkout as a safe.directory for the current
// user, so git accepts it regardless of ownership. An already-declared
// checkout is left alone so repeated starts do not grow the global config.
func (c Checkout) DeclareTrusted(ctx context.Context) error {
	// get-all exits non-zero when the key is unset; that just means no
	// entry exists yet.
	existing, _ := c.Git(ctx, "config", "--global", "--get-all", "safe.directory")
	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == c.Dir() {
			return nil
		}
	}
	_, err := c.Git(ctx, "config", "--global", "--add", "safe.directory", c.Dir())
	return skerr.Wrap(err)
}

// LogOptions filters the output of Log.
type LogOptions struct {
	// Path restricts the log to commits touching the given path.
	Path string
	// MaxCount bounds the number of commits returned. 0 means no bound.
	MaxCount int
}

// Log returns the commits reachable from HEAD, newest first. An empty
// repository yields an empty slice, not an error.
func (c Checkout) Log(ctx context.Context, opts LogOptions) ([]*Commit, error) {
	args := []string{"log", "--pretty=format:" + logFormat}
	if opts.MaxCount > 0 {
		args = append(args, "-n", strconv.Itoa(opts.MaxCount))
	}
	if opts.Path != "" {
		args = append(args, "--", opts.Path)
	}
	output, err := c.Git(ctx, args...)
	if err != nil {
		if !c.hasCommits(ctx) {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	return parseLog(output)
}

func (c Checkout) hasCommits(ctx context.Context) bool {
	_, err := c.Git(ctx, "rev-parse", "--verify", "HEAD")
	return err == nil
}

func parseLog(output string) ([]*Commit, error) {
	var commits []*Commit
	for _, record := range strings.Split(output, recordSep) {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 7)
		if len(fields) != 7 {
			return nil, skerr.Fmt("failed to parse log record %q: got %d fields", record, len(fields))
		}
		ts, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, skerr.Wrapf(err, "failed to parse commit timestamp %q", fields[4])
		}
		commits = append(commits, &Commit{
			Hash:      fields[0],
			ShortHash: fields[1],
			Author:    fields[2],
			Email:     fields[3],
			Timestamp: time.Unix(ts, 0).UTC(),
			Subject:   fields[5],
			Body:      strings.TrimRight(fields[6], "\n"),
		})
	}
	return commits, nil
}

// Details returns the Commit for the given revision.
func (c Checkout) Details(ctx context.Context, rev string) (*Commit, error) {
	output, err := c.Git(ctx, "log", "-n", "1", "--pretty=format:"+logFormat, rev)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	commits, err := parseLog(output)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if len(commits) != 1 {
		return nil, skerr.Fmt("expected exactly one commit for %q, got %d", rev, len(commits))
	}
	return commits[0], nil
}

// Status returns the current branch and the index/working-tree state.
func (c Checkout) Status(ctx context.Context) (*Status, error) {
	output, err := c.Git(ctx, "status", "--porcelain", "-b", "--untracked-files=all")
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return parseStatus(output)
}

func parseStatus(output string) (*Status, error) {
	rv := &Status{}
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch := strings.TrimPrefix(line, "## ")
			// Strip tracking info and the "No commits yet on" prefix.
			branch = strings.TrimPrefix(branch, "No commits yet on ")
			if idx := strings.Index(branch, "..."); idx >= 0 {
				branch = branch[:idx]
			}
			rv.Branch = branch
			continue
		}
		if len(line) < 4 {
			return nil, skerr.Fmt("failed to parse status line %q", line)
		}
		p := line[3:]
		// Renames are reported as "old -> new"; the new path is the one
		// that exists.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		p = strings.Trim(p, `"`)
		rv.Entries = append(rv.Entries, StatusEntry{
			Index: line[0],
			Work:  line[1],
			Path:  p,
		})
	}
	return rv, nil
}

// FileAtCommit returns the content of the given path at the given commit.
func (c Checkout) FileAtCommit(ctx context.Context, commit, path string) (string, error) {
	return c.Git(ctx, "show", commit+":"+path)
}

// CommitDetails returns the name-status list of paths the given commit
// changed relative to its parent. Works for root commits.
func (c Checkout) CommitDetails(ctx context.Context, commit string) ([]FileStatus, error) {
	output, err := c.Git(ctx, "show", "--name-status", "--pretty=format:", commit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var rv []FileStatus
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		// Rename/copy lines carry a score suffix and two paths; report
		// the destination.
		rv = append(rv, FileStatus{
			Status: parts[0][:1],
			Path:   parts[len(parts)-1],
		})
	}
	return rv, nil
}

// DiffCommit returns the unified diff introduced by the given commit.
func (c Checkout) DiffCommit(ctx context.Context, commit string) (string, error) {
	return c.Git(ctx, "show", "--pretty=format:", commit)
}

// DiffNameOnly returns the paths which differ between two revisions.
func (c Checkout) DiffNameOnly(ctx context.Context, a, b string) ([]string, error) {
	output, err := c.Git(ctx, "diff", "--name-only", a, b)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var rv []string
	for _, line := range strings.Split(output, "\n") {
		if line != "" {
			rv = append(rv, line)
		}
	}
	return rv, nil
}

// DiffRange returns the unified diff between two revisions, optionally
// restricted to the given paths.
func (c Checkout) DiffRange(ctx context.Context, a, b string, paths ...string) (string, error) {
	args := []string{"diff", a, b}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return c.Git(ctx, args...)
}

// Add stages the given paths. "." stages the entire working tree, honoring
// the ignore file.
func (c Checkout) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := c.Git(ctx, args...)
	return skerr.Wrap(err)
}

// Commit records the index as a new commit with the given message. Returns
// ErrNothingToCommit when the index matches HEAD.
func (c Checkout) Commit(ctx context.Context, message string) error {
	output, err := c.Git(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(output, "nothing to commit") || strings.Contains(output, "nothing added to commit") {
			return ErrNothingToCommit
		}
		return skerr.Wrap(err)
	}
	return nil
}

// CheckoutFileAt writes the committed version of the given path into the
// working tree and the index.
func (c Checkout) CheckoutFileAt(ctx context.Context, commit, path string) error {
	_, err := c.Git(ctx, "checkout", commit, "--", path)
	return skerr.Wrap(err)
}

// Reset unstages the given paths without touching the working tree. With no
// paths, the entire index is reset to HEAD.
func (c Checkout) Reset(ctx context.Context, paths ...string) error {
	args := []string{"reset", "-q"}
	if len(paths) > 0 {
		args = append(args, "HEAD", "--")
		args = append(args, paths...)
	}
	if _, err := c.Git(ctx, args...); err != nil {
		// "git reset HEAD" fails on a repo with no commits; unstage via
		// the index directly instead.
		if !c.hasCommits(ctx) {
			rmArgs := []string{"rm", "-r", "-q", "--cached", "--ignore-unmatch", "--"}
			if len(paths) > 0 {
				rmArgs = append(rmArgs, paths...)
			} else {
				rmArgs = append(rmArgs, ".")
			}
			_, rmErr := c.Git(ctx, rmArgs...)
			return skerr.Wrap(rmErr)
		}
		return skerr.Wrap(err)
	}
	return nil
}

// ResetHard resets the branch and working tree to the given revision.
func (c Checkout) ResetHard(ctx context.Context, rev string) error {
	_, err := c.Git(ctx, "reset", "--hard", rev)
	return skerr.Wrap(err)
}

// RmCached untracks the given path while preserving it on disk.
func (c Checkout) RmCached(ctx context.Context, path string) error {
	_, err := c.Git(ctx, "rm", "-r", "-q", "--cached", "--ignore-unmatch", "--", path)
	return skerr.Wrap(err)
}

// TreeHash returns the tree hash of the given commit.
func (c Checkout) TreeHash(ctx context.Context, commit string) (string, error) {
	return c.RevParse(ctx, commit+"^{tree}")
}

// CommitTree builds a new commit object with the given tree, message,
// author/committer date and parents, without moving any ref. Returns the
// hash of the new commit.
func (c Checkout) CommitTree(ctx context.Context, tree, message string, date time.Time, parents ...string) (string, error) {
	args := []string{"commit-tree", tree}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", message)
	dateStr := date.Format(time.RFC3339)
	env := []string{
		"GIT_AUTHOR_NAME=" + CommitterName,
		"GIT_AUTHOR_EMAIL=" + CommitterEmail,
		"GIT_AUTHOR_DATE=" + dateStr,
		"GIT_COMMITTER_NAME=" + CommitterName,
		"GIT_COMMITTER_EMAIL=" + CommitterEmail,
		"GIT_COMMITTER_DATE=" + dateStr,
	}
	output, err := c.run(ctx, defaultTimeout, env, args...)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	hash := strings.TrimSpace(output)
	if len(hash) != 40 {
		return "", skerr.Fmt("commit-tree returned invalid commit hash %q", hash)
	}
	return hash, nil
}

// RebaseOnto replays upstream..branch onto newBase. On conflict the rebase
// is aborted and ErrRebaseConflict is returned; the branch is left where it
// was.
func (c Checkout) RebaseOnto(ctx context.Context, newBase, upstream, branch string) error {
	if _, err := c.Git(ctx, "rebase", "--onto", newBase, upstream, branch); err != nil {
		sklog.Warningf("Rebase onto %s failed, aborting: %s", newBase, err)
		if _, abortErr := c.Git(ctx, "rebase", "--abort"); abortErr != nil {
			sklog.Errorf("Failed to abort rebase: %s", abortErr)
		}
		return ErrRebaseConflict
	}
	return nil
}

// HashObject returns the blob hash of the current on-disk content of the
// given path.
func (c Checkout) HashObject(ctx context.Context, path string) (string, error) {
	output, err := c.Git(ctx, "hash-object", "--", path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return strings.TrimSpace(output), nil
}

// BlobHash returns the blob hash of the given path at the given commit.
// Errors if the path does not exist at the commit.
func (c Checkout) BlobHash(ctx context.Context, commit, path string) (string, error) {
	output, err := c.Git(ctx, "rev-parse", commit+":"+path)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return strings.TrimSpace(output), nil
}

// LsTree returns the recursive list of paths tracked in the given commit.
func (c Checkout) LsTree(ctx context.Context, commit string) ([]string, error) {
	output, err := c.Git(ctx, "ls-tree", "-r", "--name-only", commit)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var rv []string
	for _, line := range strings.Split(output, "\n") {
		if line != "" {
			rv = append(rv, line)
		}
	}
	return rv, nil
}

// ReflogExpireAll expires every reflog entry immediately so that rewritten
// history becomes unreachable.
func (c Checkout) ReflogExpireAll(ctx context.Context) error {
	_, err := c.Git(ctx, "reflog", "expire", "--expire=now", "--all")
	return skerr.Wrap(err)
}

// Gc collects unreachable objects immediately. Uses a longer timeout than
// other operations.
func (c Checkout) Gc(ctx context.Context) error {
	_, err := c.run(ctx, gcTimeout, nil, "gc", "--prune=now", "--quiet")
	return skerr.Wrap(err)
}

// RevParse resolves the given revision expression to a full commit hash.
func (c Checkout) RevParse(ctx context.Context, rev string) (string, error) {
	output, err := c.Git(ctx, "rev-parse", rev)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	split := strings.Fields(output)
	if len(split) != 1 {
		return "", skerr.Fmt("unable to parse revision from output: %s", output)
	}
	return split[0], nil
}

// CreateBranch creates a branch with the given name pointing at the given
// revision, without checking it out.
func (c Checkout) CreateBranch(ctx context.Context, name, rev string) error {
	_, err := c.Git(ctx, "branch", name, rev)
	return skerr.Wrap(err)
}

// Push force-pushes the given branch to the remote URL. The URL may carry
// credentials; it never appears in logs.
func (c Checkout) Push(ctx context.Context, remoteURL, branch string) error {
	args := []string{"push", "--force", remoteURL, branch + ":refs/heads/" + branch}
	out := &limitWriter{max: maxOutputBytes}
	cmd := &exec.Command{
		Name:           "git",
		Args:           args,
		Dir:            c.Dir(),
		CombinedOutput: out,
		Timeout:        2 * time.Minute,
		Quiet:          true,
	}
	if err := exec.Run(ctx, cmd); err != nil {
		return skerr.Fmt("git push failed: %s", util.Trunc(strings.TrimSpace(out.buf.String()), maxErrOutputBytes))
	}
	return nil
}

// FullHash validates that the given string is a full 40-character hash.
func FullHash(hash string) error {
	if len(hash) != 40 {
		return skerr.Fmt("invalid commit hash %q", hash)
	}
	for _, r := range hash {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return skerr.Fmt("invalid commit hash %q", hash)
		}
	}
	return nil
}

// ShortHash returns the conventional 7-character abbreviation of a hash.
func ShortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
