package billing

import "strings"

// Tier is the feature-access level derived from the purchased price.
type Tier string

const (
	// TierNone means the user has no subscription record at all.
	TierNone Tier = "none"
	TierFree Tier = "free"
	// Paid mentorship tiers, lowest to highest.
	TierStarter Tier = "starter"
	TierPro     Tier = "pro"
	TierElite   Tier = "elite"
	// TierUnknown is stored when the provider reports a price we have no
	// mapping for. Deliberately not an error so a new price rolled out in the
	// dashboard before a deploy does not break webhook processing.
	TierUnknown Tier = "unknown"
)

// PriceToTier is the static mapping from provider price IDs to tiers.
var PriceToTier = map[string]Tier{
	"price_starter_monthly": TierStarter,
	"price_starter_yearly":  TierStarter,
	"price_pro_monthly":     TierPro,
	"price_pro_yearly":      TierPro,
	"price_elite_monthly":   TierElite,
	"price_elite_yearly":    TierElite,
}

// TierFromPrice resolves a provider price ID to a tier. Unrecognized prices
// resolve to TierUnknown, never an error.
func TierFromPrice(priceID string) Tier {
	if t, ok := PriceToTier[strings.TrimSpace(priceID)]; ok {
		return t
	}
	return TierUnknown
}

func normalizeTier(tier string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(tier))) {
	case TierStarter:
		return TierStarter
	case TierPro:
		return TierPro
	case TierElite:
		return TierElite
	case TierUnknown:
		return TierUnknown
	default:
		return TierFree
	}
}

// TierRank orders tiers for gate comparisons; higher means more access.
// Free, none and unknown all rank lowest, so an unmapped price never
// unlocks paid features.
func TierRank(t Tier) int {
	switch t {
	case TierElite:
		return 3
	case TierPro:
		return 2
	case TierStarter:
		return 1
	default:
		return 0
	}
}
