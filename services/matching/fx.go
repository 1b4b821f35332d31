package matching

import (
	"go.uber.org/fx"
)

var Module = fx.Module("matching.service",
	fx.Provide(NewService),
)
