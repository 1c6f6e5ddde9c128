package provider

import (
	"context"
	"io"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatRequest is a completion call. MaxTokens caps the reply and feeds
// the cost estimate; zero means the service's default allowance.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type ChatResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// ReservedTokens is what the estimate locked before the call, kept
	// so callers can record estimate drift.
	ReservedTokens int
}

type EmbeddingRequest struct {
	Inputs []string
}

type EmbeddingResponse struct {
	Vectors        [][]float64
	Model          string
	PromptTokens   int
	ReservedTokens int
}

// TranscriptionRequest carries the audio body; the provider streams it
// out as a multipart upload.
type TranscriptionRequest struct {
	Audio    io.Reader
	Filename string
}

type TranscriptionResponse struct {
	Text string
}

// ChatClient, EmbeddingClient and TranscriptionClient are what the
// worker pipelines program against; the openai package implements all
// three with the reservation protocol woven around every call.
type ChatClient interface {
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

type EmbeddingClient interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

type TranscriptionClient interface {
	Transcribe(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
}
