package api

import (
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// UsageResponse is the user's entitlement and today's standing per generation type
type UsageResponse struct {
	UserID          string                `json:"user_id"`
	Tier            string                `json:"tier"`
	Plan            string                `json:"plan,omitempty"`
	Unlimited       bool                  `json:"unlimited"`
	ShowAds         bool                  `json:"show_ads"`
	SubscriptionEnd *time.Time            `json:"subscription_end,omitempty"`
	TrialEnd        *time.Time            `json:"trial_end,omitempty"`
	StatusDegraded  bool                  `json:"status_degraded"` // subscription could not be verified
	Limits          map[string]TypeLimits `json:"limits"`
}

// TypeLimits is the daily position for one generation type
type TypeLimits struct {
	Used            int       `json:"used"`
	Remaining       int       `json:"remaining"` // -1 for unlimited
	MaxSessions     int       `json:"max_sessions"`
	ItemsPerSession int       `json:"items_per_session"`
	PeriodKey       string    `json:"period_key"`
	ResetsAt        time.Time `json:"resets_at"`
}

// GenerateRequest is the body of a generation request
type GenerateRequest struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
}

// GenerateResponse is returned after a charged (or unlimited) generation
type GenerateResponse struct {
	Type      string                   `json:"type"`
	Items     *genquota.GeneratedItems `json:"items"`
	DeckID    string                   `json:"deck_id,omitempty"`
	Remaining int                      `json:"remaining"` // -1 for unlimited
	Tier      string                   `json:"tier"`

	StatusDegraded bool `json:"status_degraded"`
}

// QuotaExceededResponse is the 429 body
type QuotaExceededResponse struct {
	Error  string     `json:"error"`
	Limits TypeLimits `json:"limits"`
}

// DeckResponse is a saved deck
type DeckResponse struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Items     *genquota.GeneratedItems `json:"items"`
	CreatedAt time.Time                `json:"created_at"`
}

func newTypeLimits(snap *genquota.LimitsSnapshot) TypeLimits {
	return TypeLimits{
		Used:            snap.Used,
		Remaining:       int(snap.Remaining),
		MaxSessions:     snap.MaxSessions,
		ItemsPerSession: snap.ItemsPerSession,
		PeriodKey:       snap.PeriodKey.String(),
		ResetsAt:        snap.ResetsAt,
	}
}

func newUsageResponse(userID string, ent *genquota.Entitlement, limits map[genquota.GenerationType]*genquota.LimitsSnapshot) UsageResponse {
	resp := UsageResponse{
		UserID:    userID,
		Tier:      string(ent.TierName()),
		Unlimited: ent.Unlimited(),
		ShowAds:   ent.ShowAds(),
		Limits:    make(map[string]TypeLimits, len(limits)),
	}
	if ent != nil {
		resp.Plan = ent.Plan
		resp.SubscriptionEnd = ent.SubscriptionEnd
		resp.TrialEnd = ent.TrialEnd
		resp.StatusDegraded = ent.Degraded
	}
	for t, snap := range limits {
		resp.Limits[string(t)] = newTypeLimits(snap)
	}
	return resp
}

func newDeckResponse(d *genquota.Deck) DeckResponse {
	return DeckResponse{
		ID:        d.ID,
		Type:      string(d.Type),
		Items:     d.Items,
		CreatedAt: d.CreatedAt,
	}
}
