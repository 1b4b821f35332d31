package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"Plumbing":      "plumbing",
		"HVAC Repair":   "hvac_repair",
		"  Electrical ": "electrical",
		"hvac_repair":   "hvac_repair",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeKey(in), "input %q", in)
	}
}

func TestSkillKeyPrefersCategory(t *testing.T) {
	s := Skill{Code: "drain_cleaning", Category: "Plumbing"}
	require.Equal(t, "plumbing", s.Key())
}

func TestSkillKeyFallsBackToCodePrefix(t *testing.T) {
	s := Skill{Code: "hvac_repair"}
	require.Equal(t, "hvac", s.Key())
}

func TestSkillKeyWholeCodeWithoutUnderscore(t *testing.T) {
	s := Skill{Code: "landscaping"}
	require.Equal(t, "landscaping", s.Key())
}

func TestHasWildcardSkills(t *testing.T) {
	require.True(t, (&Agent{}).HasWildcardSkills())
	require.False(t, (&Agent{Skills: []Skill{{Code: "hvac_repair"}}}).HasWildcardSkills())
}

func TestTierRankOrdering(t *testing.T) {
	require.Greater(t, TierPlatinum.Rank(), TierGold.Rank())
	require.Greater(t, TierGold.Rank(), TierSilver.Rank())
	require.Greater(t, TierSilver.Rank(), TierBronze.Rank())
	require.Equal(t, TierBronze.Rank(), Tier("unknown").Rank())
}
