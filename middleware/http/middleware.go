// Package http provides HTTP middleware that rejects generation requests once
// the user's daily session cap is reached. It only checks admission; the
// session is charged by the gate after the generator succeeds.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// TypeExtractor extracts the generation type ("flashcards" or "quiz") from an HTTP request
type TypeExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate is the generation gate instance (required)
	Gate *genquota.Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetType extracts the generation type from request (required)
	GetType TypeExtractor

	// OnQuotaExceeded is called when the daily cap is reached
	// If nil, returns 429 Too Many Requests with the limits as JSON
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, snap *genquota.LimitsSnapshot)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for an unknown type and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Clock is used for Retry-After (default: time.Now)
	Clock func() time.Time
}

type contextKey string

const snapshotKey contextKey = "genquota:snapshot"

// SnapshotFromContext returns the limits snapshot the middleware admitted the request with
func SnapshotFromContext(ctx context.Context) (*genquota.LimitsSnapshot, bool) {
	snap, ok := ctx.Value(snapshotKey).(*genquota.LimitsSnapshot)
	return snap, ok
}

// Middleware creates an HTTP middleware that enforces the daily session cap
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("genquota/http: Config.Gate is required")
	}
	if config.GetUserID == nil {
		panic("genquota/http: Config.GetUserID is required")
	}
	if config.GetType == nil {
		panic("genquota/http: Config.GetType is required")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			t, err := genquota.ParseGenerationType(config.GetType(r))
			if err != nil {
				handleError(config, w, r, err)
				return
			}

			snap, err := config.Gate.CheckAdmission(r.Context(), userID, t)
			if err != nil {
				var qe *genquota.QuotaExceededError
				if errors.As(err, &qe) && snap != nil {
					setQuotaHeaders(w.Header(), snap)
					if config.OnQuotaExceeded != nil {
						config.OnQuotaExceeded(w, r, snap)
					} else {
						if wait := snap.ResetsAt.Sub(config.Clock()); wait > 0 {
							w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
						}
						writeJSON(w, http.StatusTooManyRequests, QuotaExceededBody(snap))
					}
					return
				}
				handleError(config, w, r, err)
				return
			}

			setQuotaHeaders(w.Header(), snap)
			ctx := context.WithValue(r.Context(), snapshotKey, snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the daily session cap (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// QuotaExceededBody is the default 429 payload
func QuotaExceededBody(snap *genquota.LimitsSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"error":             "Daily generation limit reached",
		"type":              string(snap.Type),
		"used":              snap.Used,
		"limit":             snap.MaxSessions,
		"items_per_session": snap.ItemsPerSession,
		"resets_at":         snap.ResetsAt,
	}
}

func setQuotaHeaders(h http.Header, snap *genquota.LimitsSnapshot) {
	h.Set("X-Quota-Remaining", strconv.Itoa(int(snap.Remaining)))
	if !snap.Unlimited {
		h.Set("X-Quota-Limit", strconv.Itoa(snap.MaxSessions))
		h.Set("X-Quota-Reset", strconv.FormatInt(snap.ResetsAt.Unix(), 10))
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	if errors.Is(err, genquota.ErrInvalidGenerationType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Common extractors for convenience

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "quota:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedType returns a TypeExtractor that always returns t
func FixedType(t genquota.GenerationType) TypeExtractor {
	return func(*http.Request) string {
		return string(t)
	}
}

// TypeFromQuery returns a TypeExtractor that reads a query parameter
func TypeFromQuery(name string) TypeExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// TypeFromHeader returns a TypeExtractor that reads a header
func TypeFromHeader(name string) TypeExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
