package authz

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Actor roles known to the lifecycle state machine.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Lifecycle actions subject to role gating.
const (
	ActionAccept   = "accept"
	ActionCheckIn  = "check_in"
	ActionCheckOut = "check_out"
	ActionVerify   = "verify"
	ActionReject   = "reject"
	ActionCancel   = "cancel"
)

var Module = fx.Module("authz", fx.Provide(NewEnforcer))

const modelText = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.act == p.act
`

var policies = [][]string{
	{RoleAgent, ActionAccept},
	{RoleAgent, ActionCheckIn},
	{RoleAgent, ActionCheckOut},
	{RoleAgent, ActionCancel},
	{RoleClient, ActionCancel},
	{RoleAdmin, ActionVerify},
	{RoleAdmin, ActionReject},
}

// Enforcer answers whether a role may perform a lifecycle action.
type Enforcer interface {
	Can(role, action string) bool
}

type enforcer struct {
	casbin *casbin.Enforcer
}

func NewEnforcer() (Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1]); err != nil {
			return nil, err
		}
	}

	return &enforcer{casbin: e}, nil
}

func (e *enforcer) Can(role, action string) bool {
	ok, err := e.casbin.Enforce(role, action)
	if err != nil {
		zap.L().Error("authz enforce failed", zap.String("role", role), zap.String("action", action), zap.Error(err))
		return false
	}
	return ok
}
