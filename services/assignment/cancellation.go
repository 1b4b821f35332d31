package assignment

import (
	"math"
	"time"
)

// FeeBand charges FeeCents when the cancellation lands within Within of the
// scheduled start. AgentShare is the fraction of the fee credited to the
// agent. A zero Within marks the open-ended tail band.
type FeeBand struct {
	Within     time.Duration
	FeeCents   int64
	AgentShare float64
}

// CancellationPolicy is the ordered fee schedule. Bands are evaluated
// first-match; the tail band catches everything else.
type CancellationPolicy struct {
	Bands []FeeBand
}

// DefaultCancellationPolicy mirrors the production schedule: $40 inside two
// hours, $20 inside eight, $10 inside a day, free beyond that. The late
// bands split 50/50; the day-out band favors the agent at 70%.
func DefaultCancellationPolicy() CancellationPolicy {
	return CancellationPolicy{
		Bands: []FeeBand{
			{Within: 2 * time.Hour, FeeCents: 4000, AgentShare: 0.5},
			{Within: 8 * time.Hour, FeeCents: 2000, AgentShare: 0.5},
			{Within: 24 * time.Hour, FeeCents: 1000, AgentShare: 0.7},
			{Within: 0, FeeCents: 0, AgentShare: 0},
		},
	}
}

type Cancellation struct {
	FeeCents        int64 `json:"fee_cents"`
	AgentShareCents int64 `json:"agent_share_cents"`
}

// Assess computes the fee for a cancellation happening untilScheduled before
// the scheduled start. A start already in the past counts as zero notice.
func (p CancellationPolicy) Assess(untilScheduled time.Duration) Cancellation {
	if untilScheduled < 0 {
		untilScheduled = 0
	}

	for _, band := range p.Bands {
		if band.Within == 0 {
			return Cancellation{FeeCents: band.FeeCents, AgentShareCents: shareOf(band.FeeCents, band.AgentShare)}
		}
		if untilScheduled <= band.Within {
			return Cancellation{FeeCents: band.FeeCents, AgentShareCents: shareOf(band.FeeCents, band.AgentShare)}
		}
	}
	return Cancellation{}
}

func shareOf(feeCents int64, share float64) int64 {
	return int64(math.Floor(float64(feeCents)*share + 0.5))
}
