package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Config holds configuration for the generation API handler
type Config struct {
	// Gate is the generation gate instance (required)
	Gate *genquota.Gate

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// Decks serves the deck endpoints. If nil, they respond 404.
	Decks genquota.DeckStore

	// MaxContentBytes caps the generate request body (default: 1 MiB)
	MaxContentBytes int64

	// RefreshLimit is how many status refreshes a user may request per
	// RefreshWindow (default: 5 per minute). Negative disables the limit.
	RefreshLimit  int
	RefreshWindow time.Duration

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Clock is used for Retry-After computation (default: time.Now)
	Clock func() time.Time

	// Logger is used for request-level logging (default: NoopLogger)
	Logger genquota.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxContentBytes <= 0 {
		config.MaxContentBytes = 1 << 20
	}
	if config.RefreshLimit == 0 {
		config.RefreshLimit = 5
	}
	if config.RefreshWindow <= 0 {
		config.RefreshWindow = time.Minute
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = &genquota.NoopLogger{}
	}

	h := &Handler{config: config}
	if config.RefreshLimit > 0 {
		h.refreshLimiter = NewRateLimiter(config.RefreshLimit, config.RefreshWindow)
		h.refreshLimiter.now = config.Clock
	}
	return h, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
