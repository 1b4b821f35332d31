package main

import (
	"context"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	asynqmod "fieldops-dispatch/pkg/asynq"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/db"
	"fieldops-dispatch/pkg/featureflags"
	"fieldops-dispatch/pkg/logger"
	"fieldops-dispatch/pkg/redis"
	"fieldops-dispatch/pkg/sequence"
	"fieldops-dispatch/pkg/task"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/earning"
	"fieldops-dispatch/services/matching"
	"fieldops-dispatch/services/notify"
	"fieldops-dispatch/services/payment"
	"fieldops-dispatch/services/payout"
	"fieldops-dispatch/services/request"
	"fieldops-dispatch/services/rule"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		asynqmod.Client,
		asynqmod.Server,
		task.Module,
		sequence.Module,
		featureflags.Module,
		fx.Provide(provideSnowflakeNode),
		agent.Module,
		request.Module,
		rule.Module,
		payout.Module,
		payment.Module,
		notify.Module,
		earning.Module,
		matching.Module,
		fx.Invoke(registerHandlers),
		fx.Invoke(runMaturitySweep),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}

func registerHandlers(mux *asynq.ServeMux, matcher *matching.Service) {
	mux.HandleFunc(task.TypeNotifyUser, notify.HandleNotifyTask)
	mux.HandleFunc(task.TypeReofferRequest, matcher.HandleReofferTask)
}

// runMaturitySweep periodically releases pending earnings whose hold has
// elapsed.
func runMaturitySweep(lc fx.Lifecycle, earnings *earning.Service) {
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case now := <-ticker.C:
						matured, err := earnings.MatureEarnings(context.Background(), now)
						if err != nil {
							zap.L().Error("earning maturity sweep failed", zap.Error(err))
							continue
						}
						if matured > 0 {
							zap.L().Info("earnings matured", zap.Int("count", matured))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
}
