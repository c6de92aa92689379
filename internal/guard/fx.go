package guard

import (
	"github.com/smallbiznis/ledgerguard/internal/guard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.guard",
	fx.Provide(service.NewService),
)
