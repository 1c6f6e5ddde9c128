package tokencount

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// Overheads applied on top of raw content tokens: role and framing
	// per message, plus priming for the reply.
	perMessageOverhead = 4
	perRequestOverhead = 3

	// Assumed completion length when the caller sets no max_tokens.
	defaultCompletionAllowance = 1000
)

// Estimator counts tokens with the model's BPE encoding, caching one
// encoding per model. When an encoding cannot be loaded (unknown model,
// no vocabulary available offline) it falls back to the ~4 chars per
// token approximation; reservations are estimates either way and the
// report step carries the authoritative numbers.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	missing   map[string]bool
}

func NewEstimator() *Estimator {
	return &Estimator{
		encodings: make(map[string]*tiktoken.Tiktoken),
		missing:   make(map[string]bool),
	}
}

// Count returns the token count of text under the model's encoding.
func (e *Estimator) Count(model, text string) int {
	enc := e.encodingFor(model)
	if enc == nil {
		return approximate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateChat estimates the total charge of a chat call: prompt tokens
// for every message plus the completion allowance.
func (e *Estimator) EstimateChat(model string, contents []string, maxTokens int) int {
	total := perRequestOverhead
	for _, c := range contents {
		total += e.Count(model, c) + perMessageOverhead
	}
	if maxTokens <= 0 {
		maxTokens = defaultCompletionAllowance
	}
	return total + maxTokens
}

// EstimateEmbedding estimates an embedding call, which has no output
// dimension.
func (e *Estimator) EstimateEmbedding(model string, inputs []string) int {
	total := 0
	for _, in := range inputs {
		total += e.Count(model, in)
	}
	return total
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	if e.missing[model] {
		return nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		log.Printf("tokencount: no encoding for model %s, using approximation: %v", model, err)
		e.missing[model] = true
		return nil
	}
	e.encodings[model] = enc
	return enc
}

// approximate is the chars/4 heuristic used when no encoding is
// available.
func approximate(text string) int {
	return len(text) / 4
}
