package counter

import (
	"encoding/json"
	"log"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-quota/internal/budget"
)

// Handler exposes the budgets over HTTP. The completion and embedding
// groups each arbitrate a token/request pair; the whisper group is a
// single requests-only budget.
type Handler struct {
	completion *budget.Pair
	embedding  *budget.Pair
	whisper    *budget.Budget
	tracer     trace.Tracer
}

func NewHandler(completion, embedding *budget.Pair, whisper *budget.Budget, tracer trace.Tracer) *Handler {
	return &Handler{
		completion: completion,
		embedding:  embedding,
		whisper:    whisper,
		tracer:     tracer,
	}
}

// HandleLock arbitrates a completion reservation: one request slot plus
// token_count tokens, all-or-nothing.
func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	h.handlePairLock(w, r, h.completion, "counter.lock")
}

func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	h.handlePairReport(w, r, h.completion, true)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	h.handlePairRelease(w, r, h.completion)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pairStatusResponse(h.completion.Status()))
}

// Embedding group. Identical to the completion group except report
// carries no completion dimension.
func (h *Handler) HandleEmbeddingLock(w http.ResponseWriter, r *http.Request) {
	h.handlePairLock(w, r, h.embedding, "counter.embedding.lock")
}

func (h *Handler) HandleEmbeddingReport(w http.ResponseWriter, r *http.Request) {
	h.handlePairReport(w, r, h.embedding, false)
}

func (h *Handler) HandleEmbeddingRelease(w http.ResponseWriter, r *http.Request) {
	h.handlePairRelease(w, r, h.embedding)
}

func (h *Handler) HandleEmbeddingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pairStatusResponse(h.embedding.Status()))
}

func (h *Handler) handlePairLock(w http.ResponseWriter, r *http.Request, pair *budget.Pair, spanName string) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	_, span := h.tracer.Start(r.Context(), spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("app_id", req.AppID),
		attribute.Int("token_count", req.TokenCount),
	)

	res := pair.Lock(req.AppID, req.TokenCount)
	if !res.Allowed {
		span.SetAttributes(attribute.String("deny_reason", string(res.Reason)))
		log.Printf("LOCK DENIED: app=%s tokens=%d reason=%s", req.AppID, req.TokenCount, res.Reason)
		writeJSON(w, http.StatusOK, lockResponse{
			Allowed:           false,
			Reason:            string(res.Reason),
			SecondsUntilReset: res.SecondsUntilReset,
			Error:             denialText(res),
		})
		return
	}

	_, rateHandle := budget.SplitHandle(res.Handle)
	log.Printf("LOCK APPROVED: app=%s tokens=%d id=%s", req.AppID, req.TokenCount, res.Handle)
	writeJSON(w, http.StatusOK, lockResponse{
		Allowed:           true,
		RequestID:         res.Handle,
		RateRequestID:     rateHandle,
		SecondsUntilReset: res.SecondsUntilReset,
	})
}

// handlePairReport settles a reservation. Handles that the window roll
// has already reclaimed are reported as success: the client cannot
// observe window boundaries, so a lost handle is benign.
func (h *Handler) handlePairReport(w http.ResponseWriter, r *http.Request, pair *budget.Pair, withCompletion bool) {
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	used := req.PromptTokens
	if withCompletion {
		used += req.CompletionTokens
	}

	handle := compoundHandle(req.RequestID, req.RateRequestID)
	if _, rate := budget.SplitHandle(handle); rate == "" {
		log.Printf("REPORT without rate half: app=%s id=%s (request slot settles at roll-over)", req.AppID, req.RequestID)
	}
	pair.Report(handle, used)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handlePairRelease(w http.ResponseWriter, r *http.Request, pair *budget.Pair) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	handle := compoundHandle(req.RequestID, req.RateRequestID)
	if _, rate := budget.SplitHandle(handle); rate == "" {
		log.Printf("RELEASE without rate half: app=%s id=%s (request slot settles at roll-over)", req.AppID, req.RequestID)
	}
	pair.Release(handle)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// Whisper group: one slot per lock, no token amounts anywhere.

func (h *Handler) HandleWhisperLock(w http.ResponseWriter, r *http.Request) {
	var req whisperLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	_, span := h.tracer.Start(r.Context(), "counter.whisper.lock")
	defer span.End()
	span.SetAttributes(attribute.String("app_id", req.AppID))

	res := h.whisper.Lock(req.AppID, 1)
	if !res.Allowed {
		log.Printf("WHISPER LOCK DENIED: app=%s reason=%s", req.AppID, res.Reason)
		writeJSON(w, http.StatusOK, lockResponse{
			Allowed:           false,
			Reason:            string(res.Reason),
			SecondsUntilReset: res.SecondsUntilReset,
			Error:             denialText(res),
		})
		return
	}

	writeJSON(w, http.StatusOK, lockResponse{
		Allowed:           true,
		RequestID:         res.Handle,
		SecondsUntilReset: res.SecondsUntilReset,
	})
}

func (h *Handler) HandleWhisperReport(w http.ResponseWriter, r *http.Request) {
	var req whisperSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	h.whisper.Report(req.RequestID, 1)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) HandleWhisperRelease(w http.ResponseWriter, r *http.Request) {
	var req whisperSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	h.whisper.Release(req.RequestID)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) HandleWhisperStatus(w http.ResponseWriter, r *http.Request) {
	s := h.whisper.Status()
	writeJSON(w, http.StatusOK, whisperStatusResponse{
		AvailableRequests: s.Available,
		UsedRequests:      s.Committed,
		LockedRequests:    s.Held,
		ResetTimeSeconds:  s.SecondsUntilReset,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// compoundHandle rebuilds the full handle from a payload. Clients either
// send the compound id untouched or the token half plus an explicit
// rate_request_id; both forms resolve to the same reservation.
func compoundHandle(requestID, rateRequestID string) string {
	if rateRequestID == "" {
		return requestID
	}
	tokenHalf, _ := budget.SplitHandle(requestID)
	return budget.JoinHandle(tokenHalf, rateRequestID)
}

func pairStatusResponse(s budget.PairSnapshot) statusResponse {
	return statusResponse{
		AvailableTokens:   s.Tokens.Available,
		UsedTokens:        s.Tokens.Committed,
		LockedTokens:      s.Tokens.Held,
		AvailableRequests: s.Requests.Available,
		UsedRequests:      s.Requests.Committed,
		LockedRequests:    s.Requests.Held,
		ResetTimeSeconds:  s.SecondsUntilReset,
	}
}

func denialText(res budget.LockResult) string {
	switch res.Reason {
	case budget.ReasonRateLimit:
		return "API rate limit would be exceeded: " + res.Message
	case budget.ReasonTokenLimit:
		return "Token limit would be exceeded: " + res.Message
	default:
		return res.Message
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
