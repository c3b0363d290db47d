// Package httpkit builds the outbound HTTP client used for generation
// calls. It fixes transport timeouts and stamps a User-Agent. Failed
// requests are never retried here; a failure surfaces to the caller
// after one attempt.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/hearth/internal/buildinfo"
)

// Option configures NewClient.
type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero leaves deadlines to
// the request context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient returns an *http.Client for backend calls. The default
// timeout is 60 seconds.
func NewClient(opts ...Option) *http.Client {
	o := &options{timeout: 60 * time.Second}
	for _, fn := range opts {
		fn(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout: o.timeout,
		Transport: &transport{
			base:   base,
			ua:     buildinfo.UserAgent(),
			logger: o.logger,
		},
	}
}

type transport struct {
	base   http.RoundTripper
	ua     string
	logger *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("backend round trip failed", "host", req.URL.Host, "error", err)
	}
	return resp, err
}

// ReadErrorBody returns up to limit bytes of an error response body and
// closes it after draining a little more.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
