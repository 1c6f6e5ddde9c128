package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-quota/internal/provider"
	"github.com/vnmchuo/llm-quota/internal/tokencount"
	"github.com/vnmchuo/llm-quota/internal/usagelog"
	"github.com/vnmchuo/llm-quota/pkg/quota"
)

const apiVersion = "2024-06-01"

// Service is an Azure OpenAI-style client with the reservation protocol
// woven around every call: estimate, lock, invoke, then report actual
// usage or release on failure. A lock denial comes back as a
// *quota.DeniedError for the backoff coordinator; everything else is an
// ordinary error.
type Service struct {
	endpoint                string
	apiKey                  string
	chatDeployment          string
	embeddingDeployment     string
	transcriptionDeployment string

	appID      string
	quota      *quota.Client
	estimator  *tokencount.Estimator
	usage      usagelog.Store // optional
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type Options struct {
	Endpoint                string
	APIKey                  string
	ChatDeployment          string
	EmbeddingDeployment     string
	TranscriptionDeployment string
	Timeout                 time.Duration
	AppID                   string
	Quota                   *quota.Client
	Estimator               *tokencount.Estimator
	// Usage, when set, records reserved versus reported tokens for
	// every settled call.
	Usage usagelog.Store
}

func New(opts Options) *Service {
	settings := gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Service{
		endpoint:                opts.Endpoint,
		apiKey:                  opts.APIKey,
		chatDeployment:          opts.ChatDeployment,
		embeddingDeployment:     opts.EmbeddingDeployment,
		transcriptionDeployment: opts.TranscriptionDeployment,
		appID:                   opts.AppID,
		quota:                   opts.Quota,
		estimator:               opts.Estimator,
		usage:                   opts.Usage,
		httpClient:              &http.Client{Timeout: opts.Timeout},
		breaker:                 gobreaker.NewCircuitBreaker(settings),
	}
}

type chatPayload struct {
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type chatReply struct {
	Model   string `json:"model"`
	Choices []struct {
		Message provider.Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs one chat completion under a completion reservation.
func (s *Service) Complete(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = m.Content
	}
	estimated := s.estimator.EstimateChat(s.chatDeployment, contents, req.MaxTokens)

	handle, err := s.quota.Lock(ctx, estimated)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatPayload{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeCompletion)
		return nil, err
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		s.endpoint, s.chatDeployment, apiVersion)

	var reply chatReply
	if err := s.invokeJSON(ctx, url, body, &reply); err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeCompletion)
		return nil, err
	}
	if len(reply.Choices) == 0 {
		s.releaseQuietly(ctx, handle, quota.ScopeCompletion)
		return nil, fmt.Errorf("openai returned no choices")
	}

	if err := s.quota.Report(ctx, handle, reply.Usage.PromptTokens, reply.Usage.CompletionTokens); err != nil {
		// The reservation is reclaimed at roll-over either way.
		log.Printf("openai: failed to report usage for %s: %v", handle, err)
	}
	s.recordUsage(ctx, &usagelog.Entry{
		AppID:            s.appID,
		Scope:            string(quota.ScopeCompletion),
		RequestID:        handle,
		Model:            reply.Model,
		ReservedTokens:   estimated,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
	})

	return &provider.ChatResponse{
		Content:          reply.Choices[0].Message.Content,
		Model:            reply.Model,
		PromptTokens:     reply.Usage.PromptTokens,
		CompletionTokens: reply.Usage.CompletionTokens,
		ReservedTokens:   estimated,
	}, nil
}

type embeddingPayload struct {
	Input []string `json:"input"`
}

type embeddingReply struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed runs one embedding call under an embedding reservation.
func (s *Service) Embed(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	estimated := s.estimator.EstimateEmbedding(s.embeddingDeployment, req.Inputs)

	handle, err := s.quota.LockEmbedding(ctx, estimated)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(embeddingPayload{Input: req.Inputs})
	if err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeEmbedding)
		return nil, err
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		s.endpoint, s.embeddingDeployment, apiVersion)

	var reply embeddingReply
	if err := s.invokeJSON(ctx, url, body, &reply); err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeEmbedding)
		return nil, err
	}

	if err := s.quota.ReportEmbedding(ctx, handle, reply.Usage.PromptTokens); err != nil {
		log.Printf("openai: failed to report embedding usage for %s: %v", handle, err)
	}
	s.recordUsage(ctx, &usagelog.Entry{
		AppID:          s.appID,
		Scope:          string(quota.ScopeEmbedding),
		RequestID:      handle,
		Model:          reply.Model,
		ReservedTokens: estimated,
		PromptTokens:   reply.Usage.PromptTokens,
	})

	vectors := make([][]float64, len(reply.Data))
	for i, d := range reply.Data {
		vectors[i] = d.Embedding
	}
	return &provider.EmbeddingResponse{
		Vectors:        vectors,
		Model:          reply.Model,
		PromptTokens:   reply.Usage.PromptTokens,
		ReservedTokens: estimated,
	}, nil
}

type transcriptionReply struct {
	Text string `json:"text"`
}

// Transcribe runs one audio transcription under a requests-only
// reservation: each file is one slot, no token dimension.
func (s *Service) Transcribe(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	handle, err := s.quota.LockTranscription(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", req.Filename)
	if err == nil {
		_, err = io.Copy(part, req.Audio)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeTranscription)
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/audio/transcriptions?api-version=%s",
		s.endpoint, s.transcriptionDeployment, apiVersion)

	raw, err := s.invoke(ctx, url, buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeTranscription)
		return nil, err
	}

	var reply transcriptionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		s.releaseQuietly(ctx, handle, quota.ScopeTranscription)
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}

	if err := s.quota.ReportTranscription(ctx, handle); err != nil {
		log.Printf("openai: failed to report transcription for %s: %v", handle, err)
	}

	return &provider.TranscriptionResponse{Text: reply.Text}, nil
}

func (s *Service) invokeJSON(ctx context.Context, url string, body []byte, out any) error {
	raw, err := s.invoke(ctx, url, body, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode openai response: %w", err)
	}
	return nil
}

// invoke performs the HTTP call behind the circuit breaker, retrying
// network failures and 5xx with exponential backoff. 4xx responses are
// permanent: retrying a rejected payload cannot help.
func (s *Service) invoke(ctx context.Context, url string, body []byte, contentType string) ([]byte, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, func() ([]byte, error) {
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			httpReq.Header.Set("Content-Type", contentType)
			httpReq.Header.Set("api-key", s.apiKey)

			resp, err := s.httpClient.Do(httpReq)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				return nil, fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(raw))
			}
			if resp.StatusCode != http.StatusOK {
				return nil, backoff.Permanent(fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, string(raw)))
			}
			return raw, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// recordUsage writes the reserved-versus-reported entry when a usage
// store is configured. Failures are logged; the call itself succeeded.
func (s *Service) recordUsage(ctx context.Context, e *usagelog.Entry) {
	if s.usage == nil {
		return
	}
	if err := s.usage.Record(ctx, e); err != nil {
		log.Printf("openai: failed to record usage for %s: %v", e.RequestID, err)
	}
}

// releaseQuietly returns a failed call's reservation. A failed release
// only extends the hold until the next window roll, so it is logged,
// not propagated.
func (s *Service) releaseQuietly(ctx context.Context, handle string, scope quota.Scope) {
	var err error
	switch scope {
	case quota.ScopeEmbedding:
		err = s.quota.ReleaseEmbedding(ctx, handle)
	case quota.ScopeTranscription:
		err = s.quota.ReleaseTranscription(ctx, handle)
	default:
		err = s.quota.Release(ctx, handle)
	}
	if err != nil {
		log.Printf("openai: failed to release reservation %s: %v", handle, err)
	}
}
