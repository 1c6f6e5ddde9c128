package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-quota/internal/budget"
	"github.com/vnmchuo/llm-quota/internal/counter"
	"github.com/vnmchuo/llm-quota/internal/provider"
	"github.com/vnmchuo/llm-quota/internal/tokencount"
	"github.com/vnmchuo/llm-quota/pkg/quota"
)

func newCounter(t *testing.T, tokenLimit, requestLimit int) *httptest.Server {
	t.Helper()
	completion := budget.NewPair(
		budget.New("completion-tokens", tokenLimit, budget.ReasonTokenLimit),
		budget.New("completion-requests", requestLimit, budget.ReasonRateLimit),
	)
	embedding := budget.NewPair(
		budget.New("embedding-tokens", tokenLimit, budget.ReasonTokenLimit),
		budget.New("embedding-requests", requestLimit, budget.ReasonRateLimit),
	)
	whisper := budget.New("whisper-requests", requestLimit, budget.ReasonRateLimit)

	h := counter.NewHandler(completion, embedding, whisper, noop.NewTracerProvider().Tracer("test"))
	srv := httptest.NewServer(counter.NewRouter(h, counter.Limits{}))
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, providerURL, counterURL string) *Service {
	t.Helper()
	return New(Options{
		Endpoint:                providerURL,
		APIKey:                  "test-key",
		ChatDeployment:          "gpt-4o",
		EmbeddingDeployment:     "text-embedding-3-small",
		TranscriptionDeployment: "whisper",
		Timeout:                 5 * time.Second,
		Quota:                   quota.NewClient(counterURL, "test-worker", 5*time.Second),
		Estimator:               tokencount.NewEstimator(),
	})
}

func counterStatus(t *testing.T, counterURL, path string) map[string]int {
	t.Helper()
	resp, err := http.Get(counterURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var s map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return s
}

func TestCompleteReportsActualUsage(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("missing api-key header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-4o",
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "four"}}},
			"usage":   map[string]int{"prompt_tokens": 120, "completion_tokens": 80},
		})
	}))
	defer fake.Close()
	cnt := newCounter(t, 100000, 100)
	svc := newService(t, fake.URL, cnt.URL)

	resp, err := svc.Complete(context.Background(), &provider.ChatRequest{
		Messages:  []provider.Message{{Role: "user", Content: "what is 2+2"}},
		MaxTokens: 200,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "four" || resp.PromptTokens != 120 || resp.CompletionTokens != 80 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.ReservedTokens <= 200 {
		t.Errorf("reservation %d should include prompt estimate on top of max_tokens", resp.ReservedTokens)
	}

	s := counterStatus(t, cnt.URL, "/status")
	if s["used_tokens"] != 200 || s["locked_tokens"] != 0 {
		t.Errorf("counter not settled to actual usage: %+v", s)
	}
	if s["used_requests"] != 1 || s["locked_requests"] != 0 {
		t.Errorf("request slot not settled: %+v", s)
	}
}

func TestCompleteReleasesOnProviderRejection(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad deployment"}`, http.StatusBadRequest)
	}))
	defer fake.Close()
	cnt := newCounter(t, 100000, 100)
	svc := newService(t, fake.URL, cnt.URL)

	_, err := svc.Complete(context.Background(), &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected provider error")
	}
	if _, ok := quota.AsDenied(err); ok {
		t.Fatalf("provider failure must not masquerade as a quota denial: %v", err)
	}

	s := counterStatus(t, cnt.URL, "/status")
	if s["used_tokens"] != 0 || s["locked_tokens"] != 0 || s["locked_requests"] != 0 {
		t.Errorf("failed call left residue in the counter: %+v", s)
	}
}

func TestCompleteDenialSurfacesAsDeniedError(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called when the lock is denied")
	}))
	defer fake.Close()
	cnt := newCounter(t, 10, 100)
	svc := newService(t, fake.URL, cnt.URL)

	_, err := svc.Complete(context.Background(), &provider.ChatRequest{
		Messages:  []provider.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 100,
	})
	denied, ok := quota.AsDenied(err)
	if !ok {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Scope != quota.ScopeCompletion || !denied.Retryable() {
		t.Errorf("unexpected denial: %+v", denied)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-4o",
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "ok"}}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer fake.Close()
	cnt := newCounter(t, 100000, 100)
	svc := newService(t, fake.URL, cnt.URL)

	resp, err := svc.Complete(context.Background(), &provider.ChatRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete after retries: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("provider called %d times, want 3", got)
	}
}

func TestEmbedReportsPromptTokens(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/embeddings") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-small",
			"data":  []map[string]any{{"embedding": []float64{0.1, 0.2}}},
			"usage": map[string]int{"prompt_tokens": 42},
		})
	}))
	defer fake.Close()
	cnt := newCounter(t, 100000, 100)
	svc := newService(t, fake.URL, cnt.URL)

	resp, err := svc.Embed(context.Background(), &provider.EmbeddingRequest{Inputs: []string{"a document"}})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Vectors) != 1 || resp.PromptTokens != 42 {
		t.Errorf("unexpected response: %+v", resp)
	}

	s := counterStatus(t, cnt.URL, "/embedding/status")
	if s["used_tokens"] != 42 || s["locked_tokens"] != 0 {
		t.Errorf("embedding group not settled: %+v", s)
	}

	comp := counterStatus(t, cnt.URL, "/status")
	if comp["used_tokens"] != 0 {
		t.Errorf("completion group must be untouched: %+v", comp)
	}
}

func TestTranscribeSettlesRequestSlot(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
		} else {
			f.Close()
			if hdr.Filename != "call.wav" {
				t.Errorf("filename = %q", hdr.Filename)
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer fake.Close()
	cnt := newCounter(t, 100000, 100)
	svc := newService(t, fake.URL, cnt.URL)

	resp, err := svc.Transcribe(context.Background(), &provider.TranscriptionRequest{
		Audio:    strings.NewReader("RIFF...."),
		Filename: "call.wav",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if resp.Text != "hello world" {
		t.Errorf("text = %q", resp.Text)
	}

	s := counterStatus(t, cnt.URL, "/whisper/status")
	if s["used_requests"] != 1 || s["locked_requests"] != 0 {
		t.Errorf("whisper slot not settled: %+v", s)
	}
}
