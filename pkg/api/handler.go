package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for usage inspection, generation and status refresh
type Handler struct {
	config         Config
	refreshLimiter *RateLimiter
}

// statusError pairs an error with the HTTP status it maps to
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

// StatusCode returns the HTTP status the default error handler would use for err
func StatusCode(err error) int {
	var se *statusError
	var qe *genquota.QuotaExceededError
	switch {
	case errors.As(err, &se):
		return se.code
	case errors.As(err, &qe):
		return http.StatusTooManyRequests
	case errors.Is(err, genquota.ErrInvalidUserID):
		return http.StatusUnauthorized
	case errors.Is(err, genquota.ErrInvalidGenerationType),
		errors.Is(err, genquota.ErrContentMissing):
		return http.StatusBadRequest
	case errors.Is(err, genquota.ErrInvokeFailed),
		errors.Is(err, genquota.ErrEmptyResult),
		errors.Is(err, genquota.ErrEntitlementFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, genquota.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, genquota.ErrDeckNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// userID extracts and validates the caller's user ID
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, &statusError{http.StatusUnauthorized, fmt.Errorf("user ID not found")})
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, &statusError{http.StatusBadRequest, fmt.Errorf("invalid user ID format")})
		return "", false
	}
	return userID, true
}

// GetUsage returns the user's tier, ad flag and remaining sessions for each generation type
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	report, err := h.config.Gate.Usage(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, newUsageResponse(userID, report.Entitlement, report.Limits))
}

// Generate runs one generation session for the POSTed content.
// The type may be given in the body or as the "type" query parameter.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, &statusError{http.StatusMethodNotAllowed, fmt.Errorf("method not allowed")})
		return
	}

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req GenerateRequest
	body := http.MaxBytesReader(w, r.Body, h.config.MaxContentBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		h.handleError(w, r, &statusError{code, fmt.Errorf("invalid request body: %w", err)})
		return
	}

	if req.Type == "" {
		req.Type = r.URL.Query().Get("type")
	}
	t, err := genquota.ParseGenerationType(req.Type)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.config.Gate.RequestGeneration(r.Context(), userID, t, req.Content)
	if err != nil {
		var qe *genquota.QuotaExceededError
		if errors.As(err, &qe) && qe.Snapshot != nil && h.config.OnError == nil {
			h.writeQuotaExceeded(w, qe)
			return
		}
		h.config.Logger.Warn("generation request failed",
			genquota.Field{Key: "userId", Value: userID},
			genquota.Field{Key: "type", Value: string(t)},
			genquota.Field{Key: "error", Value: err},
		)
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Type:      string(t),
		Items:     result.Items,
		DeckID:    result.DeckID,
		Remaining: int(result.Remaining),
		Tier:      string(result.Entitlement.TierName()),

		StatusDegraded: result.Entitlement.Degraded,
	})
}

// Refresh drops the cached entitlement and fetches a fresh one, e.g. after checkout.
// It is rate limited per user.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, &statusError{http.StatusMethodNotAllowed, fmt.Errorf("method not allowed")})
		return
	}

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if h.refreshLimiter != nil {
		if allowed, wait := h.refreshLimiter.Allow(userID); !allowed {
			w.Header().Set("Retry-After", retryAfter(wait))
			h.handleError(w, r, &statusError{http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded")})
			return
		}
	}

	ctx := r.Context()
	if _, err := h.config.Gate.Status().Refresh(ctx, userID); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to refresh status: %w", err))
		return
	}

	report, err := h.config.Gate.Usage(ctx, userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(userID, report.Entitlement, report.Limits))
}

// ListDecks returns the user's saved decks, newest first
func (h *Handler) ListDecks(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Decks == nil {
		h.handleError(w, r, &statusError{http.StatusNotFound, fmt.Errorf("decks are not enabled")})
		return
	}

	decks, err := h.config.Decks.ListDecks(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list decks: %w", err))
		return
	}

	out := make([]DeckResponse, 0, len(decks))
	for _, d := range decks {
		out = append(out, newDeckResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDeck returns one deck, addressed by the "id" query parameter
func (h *Handler) GetDeck(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if h.config.Decks == nil {
		h.handleError(w, r, &statusError{http.StatusNotFound, fmt.Errorf("decks are not enabled")})
		return
	}

	deckID := r.URL.Query().Get("id")
	if deckID == "" {
		h.handleError(w, r, &statusError{http.StatusBadRequest, fmt.Errorf("deck id is required")})
		return
	}

	deck, err := h.config.Decks.GetDeck(r.Context(), userID, deckID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeckResponse(deck))
}

func (h *Handler) writeQuotaExceeded(w http.ResponseWriter, qe *genquota.QuotaExceededError) {
	if wait := qe.Snapshot.ResetsAt.Sub(h.config.Clock()); wait > 0 {
		w.Header().Set("Retry-After", retryAfter(wait))
	}
	writeJSON(w, http.StatusTooManyRequests, QuotaExceededResponse{
		Error:  genquota.ErrQuotaExceeded.Error(),
		Limits: newTypeLimits(qe.Snapshot),
	})
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, StatusCode(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Response already started; an encoding error cannot be reported
	_ = json.NewEncoder(w).Encode(v)
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
