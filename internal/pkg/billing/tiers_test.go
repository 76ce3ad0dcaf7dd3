package billing

import "testing"

func TestTierFromPrice(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{in: "price_starter_monthly", want: TierStarter},
		{in: "price_pro_monthly", want: TierPro},
		{in: "price_pro_yearly", want: TierPro},
		{in: "price_elite_yearly", want: TierElite},
		{in: "  price_pro_monthly  ", want: TierPro},
		{in: "price_legacy_gold", want: TierUnknown},
		{in: "", want: TierUnknown},
	}

	for _, tt := range tests {
		if got := TierFromPrice(tt.in); got != tt.want {
			t.Fatalf("TierFromPrice(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{in: "starter", want: TierStarter},
		{in: "PRO", want: TierPro},
		{in: "elite", want: TierElite},
		{in: "unknown", want: TierUnknown},
		{in: "free", want: TierFree},
		{in: "", want: TierFree},
		{in: "gibberish", want: TierFree},
	}

	for _, tt := range tests {
		if got := normalizeTier(tt.in); got != tt.want {
			t.Fatalf("normalizeTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierRankOrdering(t *testing.T) {
	if !(TierRank(TierElite) > TierRank(TierPro) && TierRank(TierPro) > TierRank(TierStarter) && TierRank(TierStarter) > TierRank(TierFree)) {
		t.Fatalf("tier ranks are not strictly ordered")
	}
	if TierRank(TierUnknown) != 0 {
		t.Fatalf("unknown tier must rank with free, got %d", TierRank(TierUnknown))
	}
}
