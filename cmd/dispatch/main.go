package main

import (
	"context"
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fieldops-dispatch/internal/httpapi"
	asynqmod "fieldops-dispatch/pkg/asynq"
	"fieldops-dispatch/pkg/authz"
	"fieldops-dispatch/pkg/config"
	"fieldops-dispatch/pkg/db"
	"fieldops-dispatch/pkg/featureflags"
	"fieldops-dispatch/pkg/health"
	"fieldops-dispatch/pkg/logger"
	miniomod "fieldops-dispatch/pkg/minio"
	"fieldops-dispatch/pkg/otelcol"
	"fieldops-dispatch/pkg/profiling"
	"fieldops-dispatch/pkg/redis"
	"fieldops-dispatch/pkg/sequence"
	"fieldops-dispatch/pkg/server"
	"fieldops-dispatch/pkg/task"
	"fieldops-dispatch/services/agent"
	"fieldops-dispatch/services/assignment"
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
		task.Module,
		sequence.Module,
		miniomod.Client,
		featureflags.Module,
		authz.Module,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		fx.Invoke(migrate),
		profiling.Module,
		agent.Module,
		request.Module,
		rule.Module,
		payout.Module,
		payment.Module,
		notify.Module,
		earning.Module,
		matching.Module,
		assignment.ArtifactModule,
		assignment.Module,
		health.Module,
		httpapi.Module,
		server.Module,
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

func provideTracerProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider(), nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.Otel.Addr),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := otelcol.ProvideTrace(exporter)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&agent.Agent{},
		&request.ServiceRequest{},
		&rule.DispatchRule{},
		&assignment.JobAssignment{},
		&assignment.CheckInRecord{},
		&assignment.CheckOutRecord{},
		&assignment.ProofArtifact{},
		&earning.Earning{},
		&earning.AgentBalance{},
	)
}
