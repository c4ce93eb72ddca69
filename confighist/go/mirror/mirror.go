// Package mirror force-pushes the repository to a remote Git mirror. The
// local branch is authoritative: retention rewrites history, so pushes are
// always forced and the remote is treated as a disposable replica.
package mirror

import (
	"context"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"go.confighist.org/infra/confighist/go/config"
	"go.confighist.org/infra/confighist/go/repo"
	"go.confighist.org/infra/go/git"
	"go.confighist.org/infra/go/metrics2"
	"go.confighist.org/infra/go/now"
	"go.confighist.org/infra/go/skerr"
	"go.confighist.org/infra/go/sklog"
)

var (
	// ErrNotConfigured is returned when no mirror URL is set.
	ErrNotConfigured = skerr.Fmt("no mirror remote configured")

	// ErrRemoteUnauthorised is returned when the remote rejects the
	// configured credentials.
	ErrRemoteUnauthorised = skerr.Fmt("mirror remote rejected the credentials")

	// ErrRemoteUnreachable is returned when the remote cannot be reached.
	ErrRemoteUnreachable = skerr.Fmt("mirror remote is unreachable")
)

const (
	pushAttempts        = 3
	pushBackoffInterval = 2 * time.Second
)

// Pusher pushes the local branch to the configured mirror.
type Pusher struct {
	repo     *repo.Repo
	settings *config.Store
	pushes   *metrics2.Counter
	failures *metrics2.Counter
}

// New returns a Pusher.
func New(r *repo.Repo, settings *config.Store) *Pusher {
	return &Pusher{
		repo:     r,
		settings: settings,
		pushes:   metrics2.GetCounter("confighist_mirror_pushes", nil),
		failures: metrics2.GetCounter("confighist_mirror_push_failures", nil),
	}
}

// remoteURL embeds the access token into the HTTPS URL as userinfo. The
// result must never be logged.
func remoteURL(m config.MirrorSettings) (string, error) {
	u, err := url.Parse(m.URL)
	if err != nil {
		return "", skerr.Wrapf(err, "invalid mirror URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", skerr.Fmt("mirror URL must be http(s), got scheme %q", u.Scheme)
	}
	if m.Token != "" {
		u.User = url.UserPassword("oauth2", m.Token)
	}
	return u.String(), nil
}

// Redact strips credentials from an error message before it is stored or
// returned to a client.
func Redact(msg, token string) string {
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "***")
}

// classify maps git push stderr to one of the sentinel errors, or returns
// the original error when it matches neither.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "invalid username or password"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ErrRemoteUnauthorised
	case strings.Contains(msg, "could not resolve host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection timed out"),
		strings.Contains(msg, "operation timed out"),
		strings.Contains(msg, "network is unreachable"):
		return ErrRemoteUnreachable
	}
	return err
}

// retryable returns false for errors which a retry cannot fix.
func retryable(err error) bool {
	return err != ErrRemoteUnauthorised
}

// Push force-pushes the branch to the mirror, retrying transient failures,
// and records the outcome in the settings document. Holds the shared
// repository lock so a push never observes a half-rewritten branch.
func (p *Pusher) Push(ctx context.Context) error {
	m := p.settings.Get().Mirror
	if !m.Enabled() {
		return ErrNotConfigured
	}
	remote, err := remoteURL(m)
	if err != nil {
		return skerr.Wrap(err)
	}
	pushErr := p.repo.Read(ctx, func(ctx context.Context, co git.Checkout) error {
		bo := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewConstantBackOff(pushBackoffInterval), pushAttempts-1), ctx)
		return backoff.Retry(func() error {
			if err := co.Push(ctx, remote, git.MainBranch); err != nil {
				err = classify(skerr.Fmt("%s", Redact(err.Error(), m.Token)))
				if !retryable(err) {
					return backoff.Permanent(err)
				}
				sklog.Warningf("Mirror push attempt failed: %s", err)
				return err
			}
			return nil
		}, bo)
	})
	p.record(ctx, pushErr)
	if pushErr != nil {
		p.failures.Inc(1)
		return skerr.Wrap(pushErr)
	}
	p.pushes.Inc(1)
	sklog.Infof("Pushed %s to mirror.", git.MainBranch)
	return nil
}

// record stores the push outcome in the settings document so the status
// survives restarts.
func (p *Pusher) record(ctx context.Context, pushErr error) {
	err := p.settings.Update(func(s *config.Settings) {
		s.Mirror.LastPushAt = now.Now(ctx)
		s.Mirror.LastPushOK = pushErr == nil
		if pushErr != nil {
			s.Mirror.LastPushError = Redact(pushErr.Error(), s.Mirror.Token)
		} else {
			s.Mirror.LastPushError = ""
		}
	})
	if err != nil {
		sklog.Errorf("Failed to record mirror push status: %s", err)
	}
}
