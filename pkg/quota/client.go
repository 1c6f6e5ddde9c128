package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client talks to the counter service on behalf of one worker process.
// It performs no retries of its own: transport failures surface to the
// caller, and quota denials come back as *DeniedError for the
// coordinator to handle. Safe for concurrent use; the underlying
// http.Client pools connections.
type Client struct {
	baseURL    string
	appID      string
	httpClient *http.Client
}

// Status is the decoded /status (or /embedding/status) payload.
type Status struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// TranscriptionStatus is the decoded /whisper/status payload.
type TranscriptionStatus struct {
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

type lockPayload struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count"`
}

type reportPayload struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	RateRequestID    string `json:"rate_request_id,omitempty"`
}

type releasePayload struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

type lockReply struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id"`
	RateRequestID     string `json:"rate_request_id"`
	Reason            string `json:"reason"`
	SecondsUntilReset int    `json:"seconds_until_reset"`
	Error             string `json:"error"`
}

func NewClient(baseURL, appID string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appID:      appID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lock reserves tokenCount completion tokens plus one request slot. The
// returned handle is the compound token:rate id and must be passed back
// to Report or Release unchanged.
func (c *Client) Lock(ctx context.Context, tokenCount int) (string, error) {
	return c.lock(ctx, "/lock", ScopeCompletion, tokenCount)
}

// LockEmbedding reserves tokenCount embedding tokens plus one request
// slot.
func (c *Client) LockEmbedding(ctx context.Context, tokenCount int) (string, error) {
	return c.lock(ctx, "/embedding/lock", ScopeEmbedding, tokenCount)
}

// LockTranscription reserves one transcription request slot.
func (c *Client) LockTranscription(ctx context.Context) (string, error) {
	return c.lock(ctx, "/whisper/lock", ScopeTranscription, 0)
}

func (c *Client) lock(ctx context.Context, path string, scope Scope, tokenCount int) (string, error) {
	var body any
	if scope == ScopeTranscription {
		body = map[string]string{"app_id": c.appID}
	} else {
		body = lockPayload{AppID: c.appID, TokenCount: tokenCount}
	}

	var reply lockReply
	if err := c.post(ctx, path, body, &reply); err != nil {
		return "", err
	}
	if !reply.Allowed {
		return "", &DeniedError{
			Scope:             scope,
			Kind:              denialKind(reply),
			Message:           reply.Error,
			SecondsUntilReset: reply.SecondsUntilReset,
		}
	}
	return reply.RequestID, nil
}

// Report settles a completion reservation with actual usage. Stale
// handles are success on the server side, so this is idempotent from
// the caller's perspective.
func (c *Client) Report(ctx context.Context, handle string, promptTokens, completionTokens int) error {
	tokenHalf, rateHalf := splitHandle(handle)
	payload := reportPayload{
		AppID:            c.appID,
		RequestID:        tokenHalf,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		RateRequestID:    rateHalf,
	}
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/report", payload, &reply)
}

// ReportEmbedding settles an embedding reservation. Embeddings have no
// output dimension, so only the prompt side is reported.
func (c *Client) ReportEmbedding(ctx context.Context, handle string, promptTokens int) error {
	tokenHalf, rateHalf := splitHandle(handle)
	payload := reportPayload{
		AppID:         c.appID,
		RequestID:     tokenHalf,
		PromptTokens:  promptTokens,
		RateRequestID: rateHalf,
	}
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/embedding/report", payload, &reply)
}

// ReportTranscription settles a transcription slot.
func (c *Client) ReportTranscription(ctx context.Context, handle string) error {
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/whisper/report", map[string]string{"app_id": c.appID, "request_id": handle}, &reply)
}

// Release drops a completion reservation.
func (c *Client) Release(ctx context.Context, handle string) error {
	tokenHalf, rateHalf := splitHandle(handle)
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/release", releasePayload{
		AppID:         c.appID,
		RequestID:     tokenHalf,
		RateRequestID: rateHalf,
	}, &reply)
}

// ReleaseEmbedding drops an embedding reservation.
func (c *Client) ReleaseEmbedding(ctx context.Context, handle string) error {
	tokenHalf, rateHalf := splitHandle(handle)
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/embedding/release", releasePayload{
		AppID:         c.appID,
		RequestID:     tokenHalf,
		RateRequestID: rateHalf,
	}, &reply)
}

// ReleaseTranscription drops a transcription slot.
func (c *Client) ReleaseTranscription(ctx context.Context, handle string) error {
	var reply struct {
		Success bool `json:"success"`
	}
	return c.post(ctx, "/whisper/release", map[string]string{"app_id": c.appID, "request_id": handle}, &reply)
}

// Status fetches the completion group snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.get(ctx, "/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StatusEmbedding fetches the embedding group snapshot.
func (c *Client) StatusEmbedding(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.get(ctx, "/embedding/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// StatusTranscription fetches the whisper group snapshot.
func (c *Client) StatusTranscription(ctx context.Context) (*TranscriptionStatus, error) {
	var s TranscriptionStatus
	if err := c.get(ctx, "/whisper/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// secondsUntilReset is the coordinator's view: one call per scope.
func (c *Client) secondsUntilReset(ctx context.Context, scope Scope) (int, error) {
	switch scope {
	case ScopeEmbedding:
		s, err := c.StatusEmbedding(ctx)
		if err != nil {
			return 0, err
		}
		return s.ResetTimeSeconds, nil
	case ScopeTranscription:
		s, err := c.StatusTranscription(ctx)
		if err != nil {
			return 0, err
		}
		return s.ResetTimeSeconds, nil
	default:
		s, err := c.Status(ctx)
		if err != nil {
			return 0, err
		}
		return s.ResetTimeSeconds, nil
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("counter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("counter returned status %d: %s", resp.StatusCode, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode counter response: %w", err)
	}
	return nil
}

func denialKind(reply lockReply) Kind {
	switch Kind(reply.Reason) {
	case KindTokenLimit, KindRateLimit, KindValidation:
		return Kind(reply.Reason)
	default:
		// Old servers only send the message text.
		if strings.Contains(strings.ToLower(reply.Error), "rate limit") {
			return KindRateLimit
		}
		return KindTokenLimit
	}
}

// splitHandle separates a compound "token:rate" handle. Either half may
// be absent; the compound form itself is what the caller stores.
func splitHandle(handle string) (tokenHalf, rateHalf string) {
	before, after, found := strings.Cut(handle, ":")
	if !found {
		return handle, ""
	}
	return before, after
}
