package payout

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"fieldops-dispatch/pkg/featureflags"
	"fieldops-dispatch/services/agent"
)

// flagFlatLegacyPayout switches a client identity onto the legacy flat 70%
// split. Flag lookup failures fall back to tiered.
const flagFlatLegacyPayout = "flat_legacy_payout"

type Service struct {
	policy Policy
	flags  featureflags.FeatureFlag
}

type ServiceParams struct {
	fx.In
	Flags featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		policy: DefaultPolicy(),
		flags:  p.Flags,
	}
}

var Module = fx.Module("payout.service",
	fx.Provide(NewService),
)

func (s *Service) Policy() Policy {
	return s.policy
}

// ModeFor resolves the payout mode for a client identity via the feature
// flag, defaulting to tiered.
func (s *Service) ModeFor(ctx context.Context, clientID string) Mode {
	if s.flags == nil || clientID == "" {
		return ModeTiered
	}

	flags, err := s.flags.Flags(ctx, clientID)
	if err != nil {
		zap.L().Warn("feature flag lookup failed, using tiered payout", zap.String("client_id", clientID), zap.Error(err))
		return ModeTiered
	}

	enabled, err := flags.IsFeatureEnabled(flagFlatLegacyPayout)
	if err != nil || !enabled {
		return ModeTiered
	}
	return ModeFlat
}

// Compute applies the configured policy.
func (s *Service) Compute(ctx context.Context, totalCents, laborCents, materialsCents int64, tier agent.Tier, mode Mode) (Split, error) {
	return s.policy.Compute(totalCents, laborCents, materialsCents, tier, mode)
}
