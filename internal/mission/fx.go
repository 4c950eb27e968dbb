package mission

import (
	"github.com/smallbiznis/questforge/internal/mission/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("mission.catalog",
	fx.Provide(repository.Provide),
)
