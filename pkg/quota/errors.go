package quota

import (
	"errors"
	"fmt"
)

// Scope identifies which counter group denied a reservation, so the
// coordinator knows which status endpoint to consult.
type Scope string

const (
	ScopeCompletion    Scope = "completion"
	ScopeEmbedding     Scope = "embedding"
	ScopeTranscription Scope = "transcription"
)

// Kind mirrors the counter's denial classification.
type Kind string

const (
	KindTokenLimit Kind = "token_limit"
	KindRateLimit  Kind = "rate_limit"
	KindValidation Kind = "validation"
)

// DeniedError is a quota denial carried as a value through the call
// chain. The counter answered; it said no. Transport and decode
// failures are ordinary errors, never a DeniedError.
type DeniedError struct {
	Scope             Scope
	Kind              Kind
	Message           string
	SecondsUntilReset int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota denied (%s/%s): %s", e.Scope, e.Kind, e.Message)
}

// AsDenied unwraps err into a DeniedError if one is anywhere in the
// chain.
func AsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

// Retryable reports whether the denial is worth waiting out. Validation
// denials never clear on their own.
func (e *DeniedError) Retryable() bool {
	return e.Kind == KindTokenLimit || e.Kind == KindRateLimit
}
