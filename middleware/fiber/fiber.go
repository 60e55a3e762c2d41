// Package fiber provides Fiber middleware that rejects generation requests once
// the user's daily session cap is reached
package fiber

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// SnapshotKey is the Fiber Locals key holding the admitted *genquota.LimitsSnapshot
const SnapshotKey = "genquota.snapshot"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// TypeExtractor extracts the generation type from a Fiber context
type TypeExtractor func(c *fiber.Ctx) string

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
	OnQuotaExceeded func(c *fiber.Ctx, snap *genquota.LimitsSnapshot) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 400 for an unknown type and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error

	// Clock is used for Retry-After (default: time.Now)
	Clock func() time.Time
}

// Middleware creates a Fiber middleware that enforces the daily session cap.
// Admitted requests carry the snapshot in Locals under SnapshotKey.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("genquota/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("genquota/fiber: Config.GetUserID is required")
	}
	if cfg.GetType == nil {
		panic("genquota/fiber: Config.GetType is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return func(c *fiber.Ctx) error {
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

		snap, err := cfg.Gate.CheckAdmission(c.UserContext(), userID, t)
		if err != nil {
			var qe *genquota.QuotaExceededError
			if errors.As(err, &qe) && snap != nil {
				setQuotaHeaders(c, snap)
				if wait := snap.ResetsAt.Sub(cfg.Clock()); wait > 0 {
					c.Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
				}
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, snap)
				}
				return defaultQuotaExceeded(c, snap, cfg.QuotaExceededStatusCode)
			}
			return handleError(c, cfg, err)
		}

		setQuotaHeaders(c, snap)
		c.Locals(SnapshotKey, snap)
		return c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c *fiber.Ctx) (*genquota.LimitsSnapshot, bool) {
	snap, ok := c.Locals(SnapshotKey).(*genquota.LimitsSnapshot)
	return snap, ok
}

func setQuotaHeaders(c *fiber.Ctx, snap *genquota.LimitsSnapshot) {
	c.Set("X-Quota-Remaining", fmt.Sprintf("%d", snap.Remaining))
	if !snap.Unlimited {
		c.Set("X-Quota-Limit", fmt.Sprintf("%d", snap.MaxSessions))
		c.Set("X-Quota-Reset", fmt.Sprintf("%d", snap.ResetsAt.Unix()))
	}
}

func handleError(c *fiber.Ctx, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	if errors.Is(err, genquota.ErrInvalidGenerationType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Bad Request"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultQuotaExceeded(c *fiber.Ctx, snap *genquota.LimitsSnapshot, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":             "Daily generation limit reached",
		"type":              string(snap.Type),
		"used":              snap.Used,
		"limit":             snap.MaxSessions,
		"items_per_session": snap.ItemsPerSession,
		"resets_at":         snap.ResetsAt,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Locals("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// Convenience extractors for the generation type

// FixedType returns a TypeExtractor that always returns t
func FixedType(t genquota.GenerationType) TypeExtractor {
	return func(*fiber.Ctx) string {
		return string(t)
	}
}

// TypeFromParam returns a TypeExtractor that reads a route parameter, e.g. /generate/:type
func TypeFromParam(paramName string) TypeExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// TypeFromQuery returns a TypeExtractor that reads a query parameter
func TypeFromQuery(queryName string) TypeExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
