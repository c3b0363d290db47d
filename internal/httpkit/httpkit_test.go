package httpkit

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeout(t *testing.T) {
	if c := NewClient(); c.Timeout != 60*time.Second {
		t.Errorf("default timeout = %v, want 60s", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	get := func(ua string) string {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := NewClient().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get(""); !strings.HasPrefix(got, "Hearth/") {
		t.Errorf("default User-Agent = %q, want Hearth/ prefix", got)
	}
	if got := get("CustomBot/2.0"); got != "CustomBot/2.0" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

// failing counts round trips and fails every one of them.
type failing struct {
	err   error
	calls int
}

func (f *failing) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, f.err
}

func TestTransport_SingleAttempt(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}},
		{"unreachable", syscall.EHOSTUNREACH},
		{"reset", syscall.ECONNRESET},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &failing{err: tt.err}
			tr := &transport{base: base, ua: "test", logger: slog.Default()}
			req, _ := http.NewRequest(http.MethodPost, "http://backend.invalid/v1", strings.NewReader(`{}`))

			if _, err := tr.RoundTrip(req); !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if base.calls != 1 {
				t.Errorf("calls = %d, want exactly 1", base.calls)
			}
		})
	}
}

func TestNewClient_RefusedFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	start := time.Now()
	if _, err := NewClient().Post(url, "application/json", strings.NewReader(`{}`)); err == nil {
		t.Fatal("expected error from closed server")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("refused request took %v, want a single immediate attempt", elapsed)
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(rc, 10); len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
	if ReadErrorBody(nil, 10) != "" {
		t.Error("nil body should yield empty string")
	}
}
