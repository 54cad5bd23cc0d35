// Package app wires a workspace together for the CLI and the server: it
// resolves the config file, opens and migrates the database and builds the
// engine on top.
package app

import (
	"fmt"
	"os"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
)

type App struct {
	Workspace string
	Config    *config.Config
	Engine    *engine.Engine
}

// Open resolves the workspace, seeding a default escrowline.yml when none
// exists, and returns a ready engine. Close releases the database.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if err := SeedConfig(workspace, "escrowline"); err != nil {
			return nil, err
		}
		cfg, err = config.Load(workspace)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.Engine == nil || a.Engine.DB == nil {
		return nil
	}
	return a.Engine.DB.Close()
}

// SeedConfig writes the default config file. It refuses to overwrite an
// existing one.
func SeedConfig(workspace, name string) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644)
}
