// Package gin provides Gin middleware that rejects generation requests once
// the user's daily session cap is reached
package gin

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// SnapshotKey is the Gin context key holding the admitted *genquota.LimitsSnapshot
const SnapshotKey = "genquota.snapshot"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// TypeExtractor extracts the generation type from a Gin context
type TypeExtractor func(c *gongin.Context) string

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
	OnQuotaExceeded func(c *gongin.Context, snap *genquota.LimitsSnapshot)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 400 for an unknown type and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// Clock is used for Retry-After (default: time.Now)
	Clock func() time.Time
}

// Middleware creates a Gin middleware that enforces the daily session cap.
// Admitted requests carry the snapshot under SnapshotKey.
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Gate == nil {
		panic("genquota/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("genquota/gin: Config.GetUserID is required")
	}
	if cfg.GetType == nil {
		panic("genquota/gin: Config.GetType is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		t, err := genquota.ParseGenerationType(cfg.GetType(c))
		if err != nil {
			handleError(c, cfg, err)
			c.Abort()
			return
		}

		snap, err := cfg.Gate.CheckAdmission(c.Request.Context(), userID, t)
		if err != nil {
			var qe *genquota.QuotaExceededError
			if errors.As(err, &qe) && snap != nil {
				setQuotaHeaders(c, snap)
				if wait := snap.ResetsAt.Sub(cfg.Clock()); wait > 0 {
					c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
				}
				if cfg.OnQuotaExceeded != nil {
					cfg.OnQuotaExceeded(c, snap)
				} else {
					defaultQuotaExceeded(c, snap, cfg.QuotaExceededStatusCode)
				}
				c.Abort()
				return
			}
			handleError(c, cfg, err)
			c.Abort()
			return
		}

		setQuotaHeaders(c, snap)
		c.Set(SnapshotKey, snap)
		c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c *gongin.Context) (*genquota.LimitsSnapshot, bool) {
	val, exists := c.Get(SnapshotKey)
	if !exists {
		return nil, false
	}
	snap, ok := val.(*genquota.LimitsSnapshot)
	return snap, ok
}

func setQuotaHeaders(c *gongin.Context, snap *genquota.LimitsSnapshot) {
	c.Header("X-Quota-Remaining", fmt.Sprintf("%d", snap.Remaining))
	if !snap.Unlimited {
		c.Header("X-Quota-Limit", fmt.Sprintf("%d", snap.MaxSessions))
		c.Header("X-Quota-Reset", fmt.Sprintf("%d", snap.ResetsAt.Unix()))
	}
}

func handleError(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	if errors.Is(err, genquota.ErrInvalidGenerationType) {
		c.JSON(http.StatusBadRequest, gongin.H{"error": "Bad Request"})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c *gongin.Context, snap *genquota.LimitsSnapshot, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":             "Daily generation limit reached",
		"type":              string(snap.Type),
		"used":              snap.Used,
		"limit":             snap.MaxSessions,
		"items_per_session": snap.ItemsPerSession,
		"resets_at":         snap.ResetsAt,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for the generation type

// FixedType returns a TypeExtractor that always returns t
func FixedType(t genquota.GenerationType) TypeExtractor {
	return func(*gongin.Context) string {
		return string(t)
	}
}

// TypeFromParam returns a TypeExtractor that reads a route parameter, e.g. /generate/:type
func TypeFromParam(paramName string) TypeExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// TypeFromQuery returns a TypeExtractor that reads a query parameter
func TypeFromQuery(queryName string) TypeExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
