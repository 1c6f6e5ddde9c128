package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vnmchuo/llm-quota/internal/provider"
	"github.com/vnmchuo/llm-quota/internal/queue"
)

// Sink is where finished results go, usually the broker's Send on the
// out stream.
type Sink interface {
	Send(ctx context.Context, stream string, body []byte) error
}

// ReasonerJob is one call transcript to analyze.
type ReasonerJob struct {
	ID       string `json:"id"`
	TaskID   string `json:"taskId"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

// ReasonerResult is the analysis sent downstream. Embedding carries the
// transcript vector for the search indexer.
type ReasonerResult struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Summary   string    `json:"summary"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	Embedding []float64 `json:"embedding,omitempty"`
}

const messageSuccess = "SUCCESS"

const reasonerSystemPrompt = `You are a call analysis assistant. Given a customer call transcript, reply with a JSON object containing "summary" (two sentences at most) and "reason" (the caller's primary reason for contact, a short phrase). Reply with the JSON object only.`

// Reasoner analyzes call transcripts: one completion for the summary
// and reason, one embedding of the transcript for search indexing.
type Reasoner struct {
	chat      provider.ChatClient
	embedding provider.EmbeddingClient
	sink      Sink
	outStream string
	maxTokens int
}

func NewReasoner(chat provider.ChatClient, embedding provider.EmbeddingClient, sink Sink, outStream string) *Reasoner {
	return &Reasoner{
		chat:      chat,
		embedding: embedding,
		sink:      sink,
		outStream: outStream,
		maxTokens: 500,
	}
}

// Process handles one queued transcript. Any error, validation
// included, propagates without emitting output: the worker abandons the
// message and repeated failures route it to the dead-letter stream.
func (r *Reasoner) Process(ctx context.Context, msg queue.Message) error {
	var job ReasonerJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("malformed job %s: %w", msg.ID, err)
	}
	if job.Text == "" {
		return fmt.Errorf("job %s has no transcript text", msg.ID)
	}

	resp, err := r.chat.Complete(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: reasonerSystemPrompt},
			{Role: "user", Content: job.Text},
		},
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("analysis of %s failed: %w", job.ID, err)
	}

	result := ReasonerResult{
		ID:      job.ID,
		TaskID:  job.TaskID,
		Message: messageSuccess,
	}
	var analysis struct {
		Summary string `json:"summary"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &analysis); err != nil {
		// The model ignored the format; keep the raw text as a summary.
		result.Summary = resp.Content
	} else {
		result.Summary = analysis.Summary
		result.Reason = analysis.Reason
	}

	emb, err := r.embedding.Embed(ctx, &provider.EmbeddingRequest{Inputs: []string{job.Text}})
	if err != nil {
		return fmt.Errorf("embedding of %s failed: %w", job.ID, err)
	}
	if len(emb.Vectors) > 0 {
		result.Embedding = emb.Vectors[0]
	}

	return r.send(ctx, result)
}

func (r *Reasoner) send(ctx context.Context, result ReasonerResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.sink.Send(ctx, r.outStream, body)
}
