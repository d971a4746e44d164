package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/intake"
	"crewline/internal/logging"
	"crewline/internal/metrics"
	"crewline/internal/migrate"
	"crewline/internal/provider"
	"crewline/internal/repo"
	"crewline/internal/tools"
)

// ResolveConfig picks the active config. The workspace file wins and is
// snapshotted into the database; without a file the stored snapshot is used;
// with neither, defaults are seeded.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		if err := r.UpsertConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("snapshot config: %w", err)
		}
		return cfg, nil
	}
	cfg, err = r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(projectName(workspace))
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

func projectName(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "crewline"
	}
	name := filepath.Base(abs)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "crewline"
	}
	return name
}

// resolvePath anchors relative config paths at the workspace.
func resolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// Env is an opened workspace with every collaborator wired.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

func (e *Env) Close() error {
	_ = e.Logger.Sync()
	return e.DB.Close()
}

// Open migrates the workspace database, resolves config and builds the
// engine with its reasoning backend and tool registry.
func Open(ctx context.Context, workspace string) (*Env, error) {
	if workspace == "" {
		workspace = "."
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := ResolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng, err := BuildEngine(conn, workspace, cfg, logger, metrics.New())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Env{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    eng,
		Logger:    logger,
		Metrics:   eng.Deps.Metrics,
	}, nil
}

// BuildEngine wires the provider and workspace tools for cfg.
func BuildEngine(conn *sql.DB, workspace string, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (engine.Engine, error) {
	p, err := provider.New(cfg.Provider)
	if err != nil {
		return engine.Engine{}, err
	}
	var pushToken string
	if env := strings.TrimSpace(cfg.Tools.PushTokenEnv); env != "" {
		pushToken = os.Getenv(env)
	}
	registry := tools.NewWorkspace(tools.Options{
		Root:          resolvePath(workspace, cfg.Project.Root),
		Remote:        cfg.Project.Remote,
		DefaultBranch: cfg.Project.DefaultBranch,
		RepoSlug:      cfg.Project.Repo,
		PushToken:     pushToken,
		TestCommand:   cfg.Tools.TestCommand,
		TestTimeout:   time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
	})
	eng := engine.New(conn, cfg, engine.Deps{
		Provider: p,
		Tools:    registry,
		Tasks:    intake.File{Path: resolvePath(workspace, cfg.Project.TaskSource)},
		Logger:   logger,
		Metrics:  m,
	})
	return eng, nil
}
