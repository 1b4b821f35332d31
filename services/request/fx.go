package request

import (
	"go.uber.org/fx"
)

var Module = fx.Module("request.service",
	fx.Provide(NewService),
)
