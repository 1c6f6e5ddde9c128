package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCoordinator(srvURL string) *Coordinator {
	c := NewCoordinator(NewClient(srvURL, "worker-1", 5*time.Second))
	c.buffer = 5 * time.Millisecond
	return c
}

// statusServer answers every status endpoint with a zero reset so
// coordinator sleeps stay short in tests.
func statusServer(t *testing.T, statusCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusCalls.Add(1)
		json.NewEncoder(w).Encode(Status{ResetTimeSeconds: 0})
	}))
}

func TestRunSucceedsFirstTry(t *testing.T) {
	var statusCalls atomic.Int32
	srv := statusServer(t, &statusCalls)
	defer srv.Close()

	calls := 0
	err := newTestCoordinator(srv.URL).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times", calls)
	}
	if statusCalls.Load() != 0 {
		t.Error("status must not be queried on success")
	}
}

func TestRunRetriesQuotaDenial(t *testing.T) {
	var statusCalls atomic.Int32
	srv := statusServer(t, &statusCalls)
	defer srv.Close()

	calls := 0
	err := newTestCoordinator(srv.URL).Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &DeniedError{Scope: ScopeCompletion, Kind: KindTokenLimit}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
	// The wait is re-queried before each retry.
	if statusCalls.Load() != 2 {
		t.Errorf("status queried %d times, want 2", statusCalls.Load())
	}
}

func TestRunPropagatesOtherErrors(t *testing.T) {
	var statusCalls atomic.Int32
	srv := statusServer(t, &statusCalls)
	defer srv.Close()

	boom := errors.New("provider exploded")
	calls := 0
	err := newTestCoordinator(srv.URL).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-quota errors must not be retried, got %d calls", calls)
	}
}

func TestRunDoesNotRetryValidationDenials(t *testing.T) {
	var statusCalls atomic.Int32
	srv := statusServer(t, &statusCalls)
	defer srv.Close()

	calls := 0
	err := newTestCoordinator(srv.URL).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return &DeniedError{Scope: ScopeCompletion, Kind: KindValidation}
	})
	if err == nil {
		t.Fatal("expected the denial to propagate")
	}
	if calls != 1 {
		t.Errorf("validation denials must not be retried, got %d calls", calls)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	var statusCalls atomic.Int32
	srv := statusServer(t, &statusCalls)
	defer srv.Close()

	calls := 0
	err := newTestCoordinator(srv.URL).Run(context.Background(), func(ctx context.Context) error {
		calls++
		return &DeniedError{Scope: ScopeCompletion, Kind: KindTokenLimit}
	})
	denied, ok := AsDenied(err)
	if !ok {
		t.Fatalf("expected the last denial back, got %v", err)
	}
	if denied.Kind != KindTokenLimit {
		t.Errorf("kind = %q", denied.Kind)
	}
	if calls != defaultMaxAttempts {
		t.Errorf("fn called %d times, want %d", calls, defaultMaxAttempts)
	}
}

func TestRunAbortsSleepOnCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{ResetTimeSeconds: 30})
	}))
	defer srv.Close()

	c := NewCoordinator(NewClient(srv.URL, "worker-1", 5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(ctx context.Context) error {
			return &DeniedError{Scope: ScopeCompletion, Kind: KindRateLimit}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abort the coordinator sleep")
	}
}

func TestRunStatusScopeSelection(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(Status{ResetTimeSeconds: 0})
	}))
	defer srv.Close()

	c := newTestCoordinator(srv.URL)
	attempt := 0
	_ = c.Run(context.Background(), func(ctx context.Context) error {
		attempt++
		if attempt == 1 {
			return &DeniedError{Scope: ScopeEmbedding, Kind: KindTokenLimit}
		}
		return nil
	})
	if len(paths) != 1 || paths[0] != "/embedding/status" {
		t.Errorf("expected one /embedding/status query, got %v", paths)
	}
}
