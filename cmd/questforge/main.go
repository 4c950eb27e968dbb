package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/questforge/internal/clock"
	"github.com/smallbiznis/questforge/internal/config"
	"github.com/smallbiznis/questforge/internal/migration"
	"github.com/smallbiznis/questforge/internal/observability"
	"github.com/smallbiznis/questforge/internal/reconciler"
	"github.com/smallbiznis/questforge/internal/server"
	"github.com/smallbiznis/questforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		reconciler.Module,
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
