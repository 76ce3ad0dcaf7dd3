package entitlements

import "github.com/fairwaymentors/clubhouse/internal/pkg/billing"

// SwingReviewsPerMonth returns how many mentor swing reviews a tier includes
// per month. -1 means unlimited.
func SwingReviewsPerMonth(tier billing.Tier) int {
	switch tier {
	case billing.TierElite:
		return -1
	case billing.TierPro:
		return 4
	case billing.TierStarter:
		return 1
	default:
		return 0
	}
}

// CanBookOneOnOne reports whether a tier may book 1:1 mentor sessions.
func CanBookOneOnOne(tier billing.Tier) bool {
	return billing.TierRank(tier) >= billing.TierRank(billing.TierPro)
}

// CanJoinClinics reports whether a tier may join group clinics.
func CanJoinClinics(tier billing.Tier) bool {
	return billing.TierRank(tier) >= billing.TierRank(billing.TierStarter)
}

// MaxSwingVideoBytes returns the upload cap for swing videos per tier.
func MaxSwingVideoBytes(tier billing.Tier) int64 {
	switch tier {
	case billing.TierElite:
		return 2 * 1024 * 1024 * 1024
	case billing.TierPro:
		return 512 * 1024 * 1024
	case billing.TierStarter:
		return 256 * 1024 * 1024
	default:
		return 64 * 1024 * 1024
	}
}
