package rule

import (
	"go.uber.org/fx"
)

var Module = fx.Module("rule.service",
	fx.Provide(NewService),
)
