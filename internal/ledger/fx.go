package ledger

import (
	"github.com/smallbiznis/ledgerguard/internal/ledger/repository"
	"github.com/smallbiznis/ledgerguard/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
