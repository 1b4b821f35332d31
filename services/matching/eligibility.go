package matching

import (
	"fieldops-dispatch/pkg/geo"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/request"
)

// Candidate is an agent that passed the eligibility filter, annotated with
// the facts scoring needs.
type Candidate struct {
	Agent         *agent.Agent
	DistanceMiles *float64
	ExplicitSkill bool
	Score         float64
}

// RuleMatcher is the extra operator-defined predicate layer. A nil matcher
// admits everyone.
type RuleMatcher func(candidate map[string]any) bool

// EligibleCandidates filters the pool down to agents who can serve the
// request. An agent qualifies when approved, skill-matched (an empty skill
// set is a wildcard) and, when both sides have coordinates, inside their
// service radius of the job site. defaultRadiusMiles backfills agents with
// no radius configured.
func EligibleCandidates(req *request.ServiceRequest, pool []*agent.Agent, defaultRadiusMiles float64, matches RuleMatcher) []*Candidate {
	wantKey := request.SkillKey(req)
	wantType := agent.NormalizeKey(req.ServiceType)

	var out []*Candidate
	for _, a := range pool {
		if a.ApprovalStatus != agent.ApprovalApproved {
			continue
		}

		explicit, ok := skillMatch(a, wantType, wantKey)
		if !ok {
			continue
		}

		distance, inRange := withinRadius(req, a, defaultRadiusMiles)
		if !inRange {
			continue
		}

		if matches != nil && !matches(ruleContext(req, a, distance)) {
			continue
		}

		out = append(out, &Candidate{
			Agent:         a,
			DistanceMiles: distance,
			ExplicitSkill: explicit,
		})
	}
	return out
}

// skillMatch reports (explicit, eligible). A wildcard agent is eligible but
// not explicit, so it never earns the skill bonus.
func skillMatch(a *agent.Agent, wantType, wantKey string) (bool, bool) {
	if a.HasWildcardSkills() {
		return false, true
	}
	for _, s := range a.Skills {
		if agent.NormalizeKey(s.Code) == wantType {
			return true, true
		}
		if s.Key() == wantKey {
			return true, true
		}
	}
	return false, false
}

// withinRadius returns the distance (nil when either side lacks coordinates)
// and whether the agent is in range. Unknown locations never exclude.
func withinRadius(req *request.ServiceRequest, a *agent.Agent, defaultRadiusMiles float64) (*float64, bool) {
	if req.Lat == nil || req.Lon == nil || a.HomeLat == nil || a.HomeLon == nil {
		return nil, true
	}

	d := geo.Haversine(*a.HomeLat, *a.HomeLon, *req.Lat, *req.Lon)

	radius := a.ServiceRadiusMiles
	if radius <= 0 {
		radius = defaultRadiusMiles
	}
	if radius > 0 && d > radius {
		return &d, false
	}
	return &d, true
}

// ruleContext is the variable set dispatch rules evaluate against.
func ruleContext(req *request.ServiceRequest, a *agent.Agent, distance *float64) map[string]any {
	d := 0.0
	if distance != nil {
		d = *distance
	}
	return map[string]any{
		"agent_id":       a.ID,
		"tier":           string(a.Tier),
		"rating":         a.Rating,
		"service_type":   req.ServiceType,
		"category":       req.Category,
		"distance_miles": d,
		"auto_booking":   a.AutoBookingEnabled,
	}
}
