package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/featureflags"
)

func TestModeForWithoutFlagsIsTiered(t *testing.T) {
	svc := NewService(ServiceParams{})

	require.Equal(t, ModeTiered, svc.ModeFor(context.Background(), "client-1"))
	require.Equal(t, ModeTiered, svc.ModeFor(context.Background(), ""))
}

func TestModeForUnconfiguredClientIsTiered(t *testing.T) {
	// empty API key: the provider returns a degraded client, lookups fail,
	// the mode falls back to tiered
	flags := featureflags.ProvideFeatureFlag(featureflags.FeatureParams{Config: &config.Config{}})
	svc := NewService(ServiceParams{Flags: flags})

	require.Equal(t, ModeTiered, svc.ModeFor(context.Background(), "client-1"))
}

func TestModeForFlagSelectsFlat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"flags": []map[string]any{
				{
					"feature":             map[string]any{"id": 1, "name": "flat_legacy_payout"},
					"enabled":             true,
					"feature_state_value": nil,
				},
			},
			"traits": []any{},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Flagsmith.Addr = srv.URL + "/api/v1/"
	cfg.Flagsmith.ApiKey = "test-key"

	flags := featureflags.ProvideFeatureFlag(featureflags.FeatureParams{Config: cfg})
	svc := NewService(ServiceParams{Flags: flags})

	require.Equal(t, ModeFlat, svc.ModeFor(context.Background(), "client-1"))
}

func TestModeForFlagDisabledIsTiered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"flags": []map[string]any{
				{
					"feature":             map[string]any{"id": 1, "name": "flat_legacy_payout"},
					"enabled":             false,
					"feature_state_value": nil,
				},
			},
			"traits": []any{},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Flagsmith.Addr = srv.URL + "/api/v1/"
	cfg.Flagsmith.ApiKey = "test-key"

	flags := featureflags.ProvideFeatureFlag(featureflags.FeatureParams{Config: cfg})
	svc := NewService(ServiceParams{Flags: flags})

	require.Equal(t, ModeTiered, svc.ModeFor(context.Background(), "client-1"))
}
