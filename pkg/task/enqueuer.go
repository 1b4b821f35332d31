package task

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Task type names consumed by the worker binary.
const (
	TypeNotifyUser     = "dispatch:notify"
	TypeReofferRequest = "dispatch:reoffer"
)

var Module = fx.Module("task.enqueuer",
	fx.Provide(NewEnqueuer),
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(context.Background(), task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}
