package counter

// Wire types for the counter HTTP surface. Quota denials are 2xx
// responses with allowed=false; the error field carries the
// human-readable message and reason carries the machine-readable kind.

type lockRequest struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count"`
}

type lockResponse struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id,omitempty"`
	RateRequestID     string `json:"rate_request_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	SecondsUntilReset int    `json:"seconds_until_reset,omitempty"`
	Error             string `json:"error,omitempty"`
}

type reportRequest struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	RateRequestID    string `json:"rate_request_id,omitempty"`
}

type releaseRequest struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type statusResponse struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// Whisper group: requests only, no token dimension.

type whisperLockRequest struct {
	AppID string `json:"app_id"`
}

type whisperSettleRequest struct {
	AppID     string `json:"app_id"`
	RequestID string `json:"request_id"`
}

type whisperStatusResponse struct {
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}
