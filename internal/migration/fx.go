package migration

import (
	"github.com/smallbiznis/questforge/internal/config"
	missiondomain "github.com/smallbiznis/questforge/internal/mission/domain"
	"github.com/smallbiznis/questforge/internal/seed"
	userdomain "github.com/smallbiznis/questforge/internal/user/domain"
	xpdomain "github.com/smallbiznis/questforge/internal/xp/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// The versioned SQL targets postgres; lighter dialects used
			// for local development take the schema from the models.
			if err := conn.AutoMigrate(
				&userdomain.User{},
				&missiondomain.Mission{},
				&xpdomain.Transaction{},
				&xpdomain.LevelAggregate{},
			); err != nil {
				return err
			}
		}

		if cfg.SeedDemoData {
			return seed.EnsureDemoData(conn)
		}
		return nil
	}),
)
