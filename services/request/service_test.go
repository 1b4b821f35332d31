package request

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newRequestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &ServiceRequest{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node})
}

func TestCreateNormalizesServiceType(t *testing.T) {
	svc := newRequestService(t)

	req, err := svc.Create(context.Background(), CreateParams{
		ClientID:    "client-1",
		ServiceType: " HVAC_Repair ",
		TotalCents:  10000,
	})
	require.NoError(t, err)
	require.Equal(t, "hvac_repair", req.ServiceType)
	require.Equal(t, StatusPending, req.Status)
	require.NotEmpty(t, req.Code)
}

func TestCreateRequiresIdentity(t *testing.T) {
	svc := newRequestService(t)

	_, err := svc.Create(context.Background(), CreateParams{ServiceType: "hvac_repair", TotalCents: 100})
	require.Error(t, err)

	_, err = svc.Create(context.Background(), CreateParams{ClientID: "client-1", TotalCents: 100})
	require.Error(t, err)
}

func TestCreateRejectsNonPositiveTotal(t *testing.T) {
	svc := newRequestService(t)

	_, err := svc.Create(context.Background(), CreateParams{
		ClientID:    "client-1",
		ServiceType: "hvac_repair",
		TotalCents:  0,
	})
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Status())
}

func TestGetNotFound(t *testing.T) {
	svc := newRequestService(t)

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusNotFound, be.Status())
}

func TestSkillKey(t *testing.T) {
	require.Equal(t, "plumbing", SkillKey(&ServiceRequest{ServiceType: "emergency_visit", Category: "Plumbing"}))
	require.Equal(t, "hvac", SkillKey(&ServiceRequest{ServiceType: "hvac_repair"}))
	require.Equal(t, "landscaping", SkillKey(&ServiceRequest{ServiceType: "landscaping"}))
}

func TestAlreadyOffered(t *testing.T) {
	req := &ServiceRequest{OfferedAgentIDs: []string{"a-1", "a-2"}}
	require.True(t, req.AlreadyOffered("a-1"))
	require.False(t, req.AlreadyOffered("a-3"))
}
