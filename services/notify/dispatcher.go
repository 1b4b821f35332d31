package notify

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"fieldops-dispatch/pkg/task"
)

// Template names the matching and lifecycle services dispatch.
const (
	TemplateJobOffered     = "job_offered"
	TemplateJobAssigned    = "job_assigned"
	TemplateJobVerified    = "job_verified"
	TemplateJobRejected    = "job_rejected"
	TemplateJobCancelled   = "job_cancelled"
	TemplateManualDispatch = "manual_dispatch_needed"
)

// Dispatcher is fire-and-forget: enqueue failures are logged and never
// propagate into the caller's transition.
type Dispatcher interface {
	Notify(ctx context.Context, userID, template string, payload map[string]any)
}

var Module = fx.Module("notify.dispatcher",
	fx.Provide(NewDispatcher),
)

type Payload struct {
	UserID   string         `json:"user_id"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

type dispatcher struct {
	enqueuer task.Enqueuer
}

type DispatcherParams struct {
	fx.In
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewDispatcher(p DispatcherParams) Dispatcher {
	return &dispatcher{enqueuer: p.Enqueuer}
}

func (d *dispatcher) Notify(ctx context.Context, userID, template string, payload map[string]any) {
	if d.enqueuer == nil {
		zap.L().Debug("no enqueuer configured, dropping notification", zap.String("template", template))
		return
	}

	body, err := json.Marshal(Payload{UserID: userID, Template: template, Data: payload})
	if err != nil {
		zap.L().Error("failed to marshal notification payload", zap.String("template", template), zap.Error(err))
		return
	}

	if _, err := d.enqueuer.Enqueue(asynq.NewTask(task.TypeNotifyUser, body, asynq.Queue("low"))); err != nil {
		zap.L().Error("failed to enqueue notification",
			zap.String("user_id", userID),
			zap.String("template", template),
			zap.Error(err),
		)
	}
}

// HandleNotifyTask is the worker-side consumer. Delivery channels live
// outside the core; this handler only fans the payload out to them.
func HandleNotifyTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid notification payload", zap.Error(err))
		return err
	}

	zap.L().Info("delivering notification",
		zap.String("user_id", payload.UserID),
		zap.String("template", payload.Template),
	)
	return nil
}
