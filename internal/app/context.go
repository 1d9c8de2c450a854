// Package app wires the workspace together: database, migrations and config.
// The CLI, the HTTP server and the tests all bootstrap through here so they
// agree on what a workspace looks like.
package app

import (
	"fmt"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/engine"
	"dispatchline/internal/migrate"
)

// OpenEngine opens (creating if needed) the workspace database, applies
// pending migrations, loads the workspace config and returns a ready engine.
// The caller owns the connection and must close Engine.DB.
func OpenEngine(workspace string) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("config: %w", err)
	}
	return engine.New(conn, cfg), nil
}
