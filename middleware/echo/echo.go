// Package echo provides Echo middleware that rejects generation requests once
// the user's daily session cap is reached
package echo

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// SnapshotKey is the Echo context key holding the admitted *genquota.LimitsSnapshot
const SnapshotKey = "genquota.snapshot"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// TypeExtractor extracts the generation type from an Echo context
type TypeExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate is the generation gate instance
	Gate *genquota.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetType extracts the generation type from context (required)
	GetType TypeExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when the cap is reached
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the cap is reached
	// If nil, uses default response: QuotaExceededStatusCode JSON with the limits
	OnQuotaExceeded func(c echo.Context, snap *genquota.LimitsSnapshot) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for an unknown type and 500 otherwise
	OnError func(c echo.Context, err error) error

	// Clock is used for Retry-After (default: time.Now)
	Clock func() time.Time
}

// Middleware creates an Echo middleware that enforces the daily session cap.
// Admitted requests carry the snapshot under SnapshotKey.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("genquota/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("genquota/echo: Config.GetUserID is required")
	}
	if cfg.GetType == nil {
		panic("genquota/echo: Config.GetType is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			t, err := genquota.ParseGenerationType(cfg.GetType(c))
			if err != nil {
				return handleError(c, cfg, err)
			}

			snap, err := cfg.Gate.CheckAdmission(c.Request().Context(), userID, t)
			if err != nil {
				var qe *genquota.QuotaExceededError
				if errors.As(err, &qe) && snap != nil {
					setQuotaHeaders(c, snap)
					if wait := snap.ResetsAt.Sub(cfg.Clock()); wait > 0 {
						c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
					}
					if cfg.OnQuotaExceeded != nil {
						return cfg.OnQuotaExceeded(c, snap)
					}
					return defaultQuotaExceeded(c, snap, cfg.QuotaExceededStatusCode)
				}
				return handleError(c, cfg, err)
			}

			setQuotaHeaders(c, snap)
			c.Set(SnapshotKey, snap)
			return next(c)
		}
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c echo.Context) (*genquota.LimitsSnapshot, bool) {
	snap, ok := c.Get(SnapshotKey).(*genquota.LimitsSnapshot)
	return snap, ok
}

func setQuotaHeaders(c echo.Context, snap *genquota.LimitsSnapshot) {
	h := c.Response().Header()
	h.Set("X-Quota-Remaining", fmt.Sprintf("%d", snap.Remaining))
	if !snap.Unlimited {
		h.Set("X-Quota-Limit", fmt.Sprintf("%d", snap.MaxSessions))
		h.Set("X-Quota-Reset", fmt.Sprintf("%d", snap.ResetsAt.Unix()))
	}
}

func handleError(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	if errors.Is(err, genquota.ErrInvalidGenerationType) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Bad Request"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c echo.Context, snap *genquota.LimitsSnapshot, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":             "Daily generation limit reached",
		"type":              string(snap.Type),
		"used":              snap.Used,
		"limit":             snap.MaxSessions,
		"items_per_session": snap.ItemsPerSession,
		"resets_at":         snap.ResetsAt,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for the generation type

// FixedType returns a TypeExtractor that always returns t
func FixedType(t genquota.GenerationType) TypeExtractor {
	return func(echo.Context) string {
		return string(t)
	}
}

// TypeFromParam returns a TypeExtractor that reads a route parameter, e.g. /generate/:type
func TypeFromParam(paramName string) TypeExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// TypeFromQuery returns a TypeExtractor that reads a query parameter
func TypeFromQuery(queryName string) TypeExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
