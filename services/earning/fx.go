package earning

import (
	"go.uber.org/fx"
)

var Module = fx.Module("earning.service",
	fx.Provide(NewService),
)
