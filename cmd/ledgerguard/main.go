package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	"github.com/smallbiznis/ledgerguard/internal/config"
	"github.com/smallbiznis/ledgerguard/internal/guard"
	"github.com/smallbiznis/ledgerguard/internal/ledger"
	"github.com/smallbiznis/ledgerguard/internal/migration"
	"github.com/smallbiznis/ledgerguard/internal/observability"
	"github.com/smallbiznis/ledgerguard/internal/ratelimit"
	"github.com/smallbiznis/ledgerguard/internal/retry"
	"github.com/smallbiznis/ledgerguard/internal/scheduler"
	"github.com/smallbiznis/ledgerguard/internal/server"
	"github.com/smallbiznis/ledgerguard/internal/subscription"
	"github.com/smallbiznis/ledgerguard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(retry.DefaultPolicy),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		ledger.Module,
		ratelimit.Module,
		subscription.Module,
		guard.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
