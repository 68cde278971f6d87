package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chorus/internal/services/llm"
)

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}, "finish_reason": "stop"},
		},
	})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return body
}

func newTestClient(t *testing.T, handler http.Handler, opts ...llm.Option) *llm.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	opts = append([]llm.Option{
		llm.WithHTTPClient(server.Client()),
		llm.WithSleeper(func(time.Duration) {}),
	}, opts...)
	return llm.NewClient(llm.Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "test-model",
	}, opts...)
}

func TestSummarizeSendsPromptAndParsesResponse(t *testing.T) {
	var mu sync.Mutex
	var gotAuth, gotUser string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		for _, msg := range payload.Messages {
			if msg.Role == "user" {
				gotUser = msg.Content
			}
		}
		mu.Unlock()
		w.Write(completionBody(t, `{"overview":"short sync","key_points":["a"],"action_items":["b"]}`))
	}))

	summary, err := client.Summarize(context.Background(), "hello world", "focus on decisions", "en")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.Overview != "short sync" || len(summary.KeyPoints) != 1 || len(summary.ActionItems) != 1 {
		t.Fatalf("unexpected summary: %#v", summary)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing auth header: %q", gotAuth)
	}
	for _, want := range []string{"Summarize in en.", "focus on decisions", "hello world"} {
		if !strings.Contains(gotUser, want) {
			t.Fatalf("user message missing %q: %s", want, gotUser)
		}
	}
}

func TestSummarizeRetriesRetryableStatus(t *testing.T) {
	var mu sync.Mutex
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(completionBody(t, `{"overview":"ok","key_points":[],"action_items":[]}`))
	}))

	summary, err := client.Summarize(context.Background(), "transcript text", "", "")
	if err != nil {
		t.Fatalf("Summarize failed after retryable status: %v", err)
	}
	if summary.Overview != "ok" {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestSummarizeDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))

	if _, err := client.Summarize(context.Background(), "transcript", "", ""); err == nil {
		t.Fatal("expected an error for http 400")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("client errors must not retry, got %d requests", calls)
	}
}

func TestSummarizeGivesUpAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}), llm.WithRetryMaxAttempts(3), llm.WithRetryBackoff(time.Millisecond, time.Millisecond))

	if _, err := client.Summarize(context.Background(), "transcript", "", ""); err == nil {
		t.Fatal("expected a terminal error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSummarizeRequiresInputAndKey(t *testing.T) {
	client := llm.NewClient(llm.Config{APIKey: "k"})
	if _, err := client.Summarize(context.Background(), "   ", "", ""); err == nil {
		t.Fatal("expected an error for an empty transcript")
	}
	client = llm.NewClient(llm.Config{})
	if _, err := client.Summarize(context.Background(), "text", "", ""); err == nil {
		t.Fatal("expected an error without an api key")
	}
}

func TestRetryableStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()
	client := llm.NewClient(llm.Config{APIKey: "k", BaseURL: server.URL, Model: "m"},
		llm.WithHTTPClient(server.Client()),
		llm.WithRetryMaxAttempts(1))

	_, err := client.Summarize(context.Background(), "text", "", "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !llm.RetryableStatus(err) {
		t.Fatalf("429 should be retryable: %v", err)
	}
	if llm.RetryableStatus(context.Canceled) {
		t.Fatal("non-status errors are not retryable statuses")
	}
}

func TestDecodeModelJSONToleratesFencesAndProse(t *testing.T) {
	type payload struct {
		OK bool `json:"ok"`
	}
	cases := []string{
		`{"ok":true}`,
		"```json\n{\"ok\":true}\n```",
		"```\n{\"ok\":true}\n```",
		"Here is the result you asked for: {\"ok\":true} hope that helps!",
	}
	for _, content := range cases {
		var parsed payload
		if err := llm.DecodeModelJSON(content, &parsed); err != nil {
			t.Errorf("DecodeModelJSON(%q) failed: %v", content, err)
			continue
		}
		if !parsed.OK {
			t.Errorf("DecodeModelJSON(%q) lost the payload", content)
		}
	}

	var parsed payload
	if err := llm.DecodeModelJSON("", &parsed); err == nil {
		t.Error("empty payload must fail")
	}
	if err := llm.DecodeModelJSON("not json at all", &parsed); err == nil {
		t.Error("non-JSON payload must fail")
	}
}

func TestHealthCheck(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionBody(t, `{"ok":true}`))
	}))
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}
