package payout

import (
	"math"

	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/services/agent"
)

type Mode string

const (
	// ModeTiered splits labor by tier share, passes materials through and
	// halves the surcharge.
	ModeTiered Mode = "tiered"
	// ModeFlat is the legacy 70% split kept for grandfathered accounts.
	ModeFlat Mode = "flat"
)

// Policy is the single configurable payout rule. The historical call sites
// disagreed on the formula; they are all expressible as parameters here.
type Policy struct {
	LaborShares    map[agent.Tier]float64
	SurchargeShare float64
	MaterialsShare float64
	FlatShare      float64
}

// DefaultPolicy mirrors the production tier table.
func DefaultPolicy() Policy {
	return Policy{
		LaborShares: map[agent.Tier]float64{
			agent.TierBronze:   0.50,
			agent.TierSilver:   0.55,
			agent.TierGold:     0.60,
			agent.TierPlatinum: 0.70,
		},
		SurchargeShare: 0.5,
		MaterialsShare: 1.0,
		FlatShare:      0.7,
	}
}

type Split struct {
	PayoutCents int64 `json:"payout_cents"`
	FeeCents    int64 `json:"fee_cents"`
}

// LaborShare returns the tier's labor share, defaulting to bronze for an
// unknown tier.
func (p Policy) LaborShare(tier agent.Tier) float64 {
	if share, ok := p.LaborShares[tier]; ok {
		return share
	}
	return p.LaborShares[agent.TierBronze]
}

// Compute splits the total between agent payout and platform fee.
// fee = total - payout always holds; payout is at least 1 cent whenever the
// total is positive.
func (p Policy) Compute(totalCents, laborCents, materialsCents int64, tier agent.Tier, mode Mode) (Split, error) {
	if totalCents <= 0 {
		return Split{}, errutil.UnprocessableEntity("total must be positive", nil)
	}

	var payout int64
	switch mode {
	case ModeFlat:
		payout = roundHalfUp(float64(totalCents) * p.FlatShare)
		if payout < 1 {
			payout = 1
		}
	default:
		surcharge := totalCents - laborCents - materialsCents
		if surcharge < 0 {
			surcharge = 0
		}

		payout = roundHalfUp(float64(laborCents)*p.LaborShare(tier)) +
			roundHalfUp(float64(materialsCents)*p.MaterialsShare) +
			roundHalfUp(float64(surcharge)*p.SurchargeShare)

		if payout < 1 {
			payout = 1
		}
		if payout > totalCents {
			payout = totalCents
		}
	}

	return Split{
		PayoutCents: payout,
		FeeCents:    totalCents - payout,
	}, nil
}

// roundHalfUp is applied exactly once per multiplication so repeated splits
// of the same amounts never drift.
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
