package usagelog

import (
	"context"
	"time"
)

// Entry is one settled provider call: what was reserved up front and
// what the provider said was actually used. Overconsumed is
// max(0, used - reserved) and is the signal that estimates run short.
type Entry struct {
	ID               string
	AppID            string
	Scope            string // completion, embedding, transcription
	RequestID        string
	Model            string
	ReservedTokens   int
	PromptTokens     int
	CompletionTokens int
	Overconsumed     int
	CreatedAt        time.Time
}

type Store interface {
	Record(ctx context.Context, e *Entry) error
	ByApp(ctx context.Context, appID string, from, to time.Time) ([]*Entry, error)
	TotalOverconsumed(ctx context.Context, from, to time.Time) (int64, error)
}
