// Package httputils contains HTTP helpers shared by the REST layer and the
// outbound platform/mirror clients.
package httputils

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"go.confighist.org/infra/go/sklog"
)

const (
	fastDialTimeout    = 2 * time.Second
	fastRequestTimeout = 5 * time.Second
)

// errorResponse is the shape of every failure payload.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ReportError formats an HTTP error response in JSON and also logs the
// detailed error message. The message is returned to the caller; err is
// only logged.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	sklog.Error(message, err)
	if err != http.ErrHandlerTimeout {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if encErr := json.NewEncoder(w).Encode(errorResponse{
			Success: false,
			Error:   message,
		}); encErr != nil {
			sklog.Errorf("Failed to write error response: %s", encErr)
		}
	}
}

// RespondJSON writes the given value as a JSON response body.
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("Failed to write response: %s", err)
	}
}

// NewFastTimeoutClient creates a new http.Client with timeouts suited for
// fire-and-forget calls which must not block their caller.
func NewFastTimeoutClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout: fastDialTimeout,
			}).Dial,
		},
		Timeout: fastRequestTimeout,
	}
}

// LoggingRequestResponse records the request and response status to the log.
func LoggingRequestResponse(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rp := &responseProxy{ResponseWriter: w}
		defer func() {
			sklog.Infof("%s %s %d", r.Method, r.RequestURI, rp.status)
		}()
		h.ServeHTTP(rp, r)
	})
}

// responseProxy implements http.ResponseWriter and records the status code.
type responseProxy struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rp *responseProxy) WriteHeader(code int) {
	if !rp.wroteHeader {
		rp.status = code
		rp.wroteHeader = true
	}
	rp.ResponseWriter.WriteHeader(code)
}

func (rp *responseProxy) Write(b []byte) (int, error) {
	if !rp.wroteHeader {
		rp.status = http.StatusOK
		rp.wroteHeader = true
	}
	return rp.ResponseWriter.Write(b)
}

// HealthzHandler responds to health checks.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
