package xp

import (
	"github.com/smallbiznis/questforge/internal/xp/repository"
	"github.com/smallbiznis/questforge/internal/xp/service"
	"go.uber.org/fx"
)

var Module = fx.Module("xp.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
