package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIClient_Generate(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    openaiRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "openai/gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "  Hello：there \n"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{
		APIKey:  "sk-test",
		SiteURL: "https://example.org",
		AppName: "Hearth",
	}, nil)

	resp, err := c.Generate(context.Background(), &Request{
		Endpoint:    srv.URL,
		Model:       "openai/gpt-4o",
		Temperature: 0.7,
		System:      "be kind",
		Messages:    []Message{{Role: RoleUser, Content: "User: hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if resp.Content != "Hello：there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	if got := gotHeaders.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("HTTP-Referer"); got != "https://example.org" {
		t.Errorf("HTTP-Referer = %q", got)
	}
	if got := gotHeaders.Get("X-Title"); got != "Hearth" {
		t.Errorf("X-Title = %q", got)
	}
	if !strings.HasPrefix(gotHeaders.Get("User-Agent"), "Hearth/") {
		t.Errorf("User-Agent = %q", gotHeaders.Get("User-Agent"))
	}

	if gotBody.Model != "openai/gpt-4o" || gotBody.Temperature != 0.7 {
		t.Errorf("body = %+v", gotBody)
	}
	if len(gotBody.Messages) != 2 {
		t.Fatalf("sent %d messages, want 2", len(gotBody.Messages))
	}
	if gotBody.Messages[0] != (Message{Role: RoleSystem, Content: "be kind"}) {
		t.Errorf("first message = %+v", gotBody.Messages[0])
	}
	if gotBody.Messages[1] != (Message{Role: RoleUser, Content: "User: hi"}) {
		t.Errorf("second message = %+v", gotBody.Messages[1])
	}
}

func TestOpenAIClient_NoSystemPrompt(t *testing.T) {
	var gotBody openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"choices":[{"message":{"content":"1"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{}, nil)
	_, err := c.Generate(context.Background(), &Request{
		Endpoint: srv.URL,
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "Memory: likes tea"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != RoleUser {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		check     func(error) bool
		replyText string
	}{
		{
			name: "http status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
			},
			check: func(err error) bool {
				var httpErr *HTTPError
				return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
			},
			replyText: "HTTP error occurred: status 429: rate limited",
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices": [`))
			},
			check:     func(err error) bool { return errors.Is(err, ErrMalformedResponse) },
			replyText: "JSON decode error: ",
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"choices": []}`))
			},
			check:     func(err error) bool { return errors.Is(err, ErrMalformedResponse) },
			replyText: "JSON decode error: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewOpenAIClient(OpenAIConfig{}, nil)
			_, err := c.Generate(context.Background(), &Request{Endpoint: srv.URL, Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !tt.check(err) {
				t.Errorf("unexpected error type: %v", err)
			}
			if got := ErrorReply(err); !strings.HasPrefix(got, tt.replyText) {
				t.Errorf("ErrorReply = %q, want prefix %q", got, tt.replyText)
			}
		})
	}
}

func TestOpenAIClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	// Runs before srv.Close so the handler is never left blocked.
	defer close(release)

	c := NewOpenAIClient(OpenAIConfig{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, &Request{Endpoint: srv.URL, Model: "m"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := ErrorReply(err); !strings.HasPrefix(got, "Request error occurred: ") {
		t.Errorf("ErrorReply = %q", got)
	}
}

func TestOpenAIClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOpenAIClient(OpenAIConfig{}, nil)
	start := time.Now()
	_, err := c.Generate(context.Background(), &Request{Endpoint: url, Model: "m"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("unreachable backend took %v, want one attempt with no retry", elapsed)
	}
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("err = %v, want ErrRequest", err)
	}
}

func TestGeneratorFunc(t *testing.T) {
	var g Generator = GeneratorFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Content: req.Model}, nil
	})
	resp, err := g.Generate(context.Background(), &Request{Model: "x"})
	if err != nil || resp.Content != "x" {
		t.Errorf("Generate = %+v, %v", resp, err)
	}
}
