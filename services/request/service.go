package request

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/pkg/errutil"
	"fieldops-dispatch/pkg/repository"
	"fieldops-dispatch/pkg/sequence"
	"fieldops-dispatch/services/agent"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	repo repository.Repository[ServiceRequest]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Seq,
		repo: repository.ProvideStore[ServiceRequest](p.DB),
	}
}

type CreateParams struct {
	ClientID          string
	ServiceType       string
	Category          string
	ScheduledAt       *time.Time
	Lat, Lon          *float64
	LaborCents        int64
	MaterialsCents    int64
	TotalCents        int64
	ReferredByAgentID *string
	CustomerRef       string
	PaymentMethodRef  string
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*ServiceRequest, error) {
	if p.ClientID == "" || p.ServiceType == "" {
		return nil, errutil.ValidationFailed("client_id and service_type are required", nil)
	}
	if p.TotalCents <= 0 {
		return nil, errutil.UnprocessableEntity("total must be positive", nil)
	}

	code := ""
	if s.seq != nil {
		generated, err := s.seq.NextRequestCode(ctx)
		if err != nil {
			zap.L().Warn("failed to generate request code, falling back to id", zap.Error(err))
		} else {
			code = generated
		}
	}

	req := &ServiceRequest{
		ID:                s.node.Generate().String(),
		Code:              code,
		ClientID:          p.ClientID,
		ServiceType:       strings.ToLower(strings.TrimSpace(p.ServiceType)),
		Category:          p.Category,
		ScheduledAt:       p.ScheduledAt,
		Lat:               p.Lat,
		Lon:               p.Lon,
		LaborCents:        p.LaborCents,
		MaterialsCents:    p.MaterialsCents,
		TotalCents:        p.TotalCents,
		Status:            StatusPending,
		ReferredByAgentID: p.ReferredByAgentID,
		CustomerRef:       p.CustomerRef,
		PaymentMethodRef:  p.PaymentMethodRef,
	}
	if req.Code == "" {
		req.Code = "REQ-" + req.ID
	}

	if err := s.repo.Create(ctx, req); err != nil {
		zap.L().Error("failed to create service request", zap.Error(err))
		return nil, errutil.Internal("failed to create service request", err)
	}

	return req, nil
}

func (s *Service) Get(ctx context.Context, requestID string) (*ServiceRequest, error) {
	found, err := s.repo.FindOne(ctx, &ServiceRequest{ID: requestID})
	if err != nil {
		zap.L().Error("failed to query service request", zap.String("request_id", requestID), zap.Error(err))
		return nil, errutil.Internal("failed to get service request", err)
	}
	if found == nil {
		return nil, errutil.NotFound("service request not found", nil)
	}
	return found, nil
}

// SkillKey returns the normalized service family for eligibility matching:
// explicit category first, else the text before the first underscore of the
// service type, else the whole identifier.
func SkillKey(r *ServiceRequest) string {
	if r.Category != "" {
		return agent.NormalizeKey(r.Category)
	}
	if idx := strings.Index(r.ServiceType, "_"); idx > 0 {
		return agent.NormalizeKey(r.ServiceType[:idx])
	}
	return agent.NormalizeKey(r.ServiceType)
}
