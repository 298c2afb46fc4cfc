// Package app wires the workspace database, the active pipeline and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/logging"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// DefaultPipelineID names the pipeline seeded into an empty workspace.
const DefaultPipelineID = "default"

// ResolveConfig returns the pipeline stored in the database. An empty database
// is seeded from stageline.yml in the workspace, or from the sample pipeline
// when no file exists; seeded reports whether the caller must import it.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (cfg *config.Config, seeded bool, err error) {
	cfg, err = r.GetPipelineConfig(ctx)
	if err == nil {
		return cfg, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}
	path := config.Path(workspace)
	if _, statErr := os.Stat(path); statErr == nil {
		cfg, err = config.FromFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("load %s: %w", path, err)
		}
		return cfg, true, nil
	} else if !os.IsNotExist(statErr) {
		return nil, false, statErr
	}
	return config.Default(DefaultPipelineID), true, nil
}

// Open prepares the workspace, applies migrations and returns an engine bound
// to the active pipeline. The caller closes the returned database.
func Open(ctx context.Context, workspace, actorID string) (engine.Engine, *sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	e, err := bootstrap(ctx, conn, workspace, actorID)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return e, conn, nil
}

func bootstrap(ctx context.Context, conn *sql.DB, workspace, actorID string) (engine.Engine, error) {
	if err := migrate.Migrate(ctx, conn); err != nil {
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, seeded, err := ResolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return engine.Engine{}, err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return engine.Engine{}, err
	}
	if seeded {
		if err := e.ImportPipeline(ctx, cfg, actorID); err != nil {
			return engine.Engine{}, fmt.Errorf("seed pipeline: %w", err)
		}
		logging.Info().Add(logging.Component("app"), logging.Str("pipeline", cfg.Pipeline.ID)).Msg("seeded empty workspace")
	}
	return e, nil
}
