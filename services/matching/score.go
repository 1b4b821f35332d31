package matching

import (
	"sort"

	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/request"
)

const (
	referrerBonus      = 100.0
	explicitSkillBonus = 25.0
	distancePenaltyMax = 25.0
)

func tierMultiplier(t agent.Tier) float64 {
	switch t {
	case agent.TierPlatinum:
		return 1.4
	case agent.TierGold:
		return 1.25
	case agent.TierSilver:
		return 1.1
	default:
		return 1.0
	}
}

// Score ranks a candidate for a request. Rating and tier dominate; the
// referring agent jumps the queue; a declared matching skill beats a
// wildcard; distance erodes the score proportionally to how much of the
// service radius it consumes.
func Score(req *request.ServiceRequest, c *Candidate, defaultRadiusMiles float64) float64 {
	score := c.Agent.Rating * 10 * tierMultiplier(c.Agent.Tier)

	if req.ReferredByAgentID != nil && *req.ReferredByAgentID == c.Agent.ID {
		score += referrerBonus
	}
	if c.ExplicitSkill {
		score += explicitSkillBonus
	}

	if c.DistanceMiles != nil {
		radius := c.Agent.ServiceRadiusMiles
		if radius <= 0 {
			radius = defaultRadiusMiles
		}
		if radius > 0 {
			score -= (*c.DistanceMiles / radius) * distancePenaltyMax
		}
	}

	return score
}

// Rank scores and orders candidates best-first. The sort is stable so equal
// scores keep the pool's original order.
func Rank(req *request.ServiceRequest, candidates []*Candidate, defaultRadiusMiles float64) {
	for _, c := range candidates {
		c.Score = Score(req, c, defaultRadiusMiles)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}
