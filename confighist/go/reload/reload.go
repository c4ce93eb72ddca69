// Package reload notifies the automation platform's supervisor API after a
// restore so the platform picks up the restored files. All calls are
// best-effort: failures are logged and never propagated, since the restore
// itself has already succeeded.
package reload

import (
	"context"
	"net/http"
	"os"

	"go.confighist.org/infra/go/httputils"
	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

const (
	// URLEnvVar optionally overrides the supervisor base URL.
	URLEnvVar = "CONFIGHIST_SUPERVISOR_URL"

	// TokenEnvVar names the bearer token for the supervisor API.
	TokenEnvVar = "SUPERVISOR_TOKEN"

	defaultBaseURL = "http://supervisor"

	pathReloadAutomations = "/core/api/services/automation/reload"
	pathReloadScripts     = "/core/api/services/script/reload"
	pathRestartCore       = "/core/restart"
)

// Client posts reload requests to the supervisor.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient returns a Client configured from the environment. The client
// works without a token; the supervisor will simply reject the calls,
// which is fine for local development.
func NewClient() *Client {
	baseURL := os.Getenv(URLEnvVar)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   os.Getenv(TokenEnvVar),
		client:  httputils.NewFastTimeoutClient(),
	}
}

func (c *Client) post(ctx context.Context, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		sklog.Errorf("Failed to build supervisor request %s: %s", path, err)
		return
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		sklog.Warningf("Supervisor call %s failed: %s", path, err)
		return
	}
	defer util.Close(resp.Body)
	if resp.StatusCode >= 400 {
		sklog.Warningf("Supervisor call %s returned %s", path, resp.Status)
		return
	}
	sklog.Infof("Supervisor call %s succeeded.", path)
}

// ReloadAutomations asks the platform to re-read automations.yaml.
func (c *Client) ReloadAutomations(ctx context.Context) {
	c.post(ctx, pathReloadAutomations)
}

// ReloadScripts asks the platform to re-read scripts.yaml.
func (c *Client) ReloadScripts(ctx context.Context) {
	c.post(ctx, pathReloadScripts)
}

// RestartCore asks the platform to restart entirely. Used after a hard
// reset which touched dashboard state.
func (c *Client) RestartCore(ctx context.Context) {
	c.post(ctx, pathRestartCore)
}
