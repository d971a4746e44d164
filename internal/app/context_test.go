package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

func openRepo(t *testing.T, dir string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigSeedsDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bakery")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r := openRepo(t, dir)

	cfg, err := ResolveConfig(context.Background(), dir, r)
	require.NoError(t, err)
	assert.Equal(t, "bakery", cfg.Project.Name)

	stored, err := r.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Project.Name, stored.Project.Name)
}

func TestResolveConfigPrefersWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	r := openRepo(t, dir)
	require.NoError(t, r.UpsertConfig(context.Background(), config.Default("stale")))
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("fresh")), 0o644))

	cfg, err := ResolveConfig(context.Background(), dir, r)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cfg.Project.Name)

	// the file is snapshotted so later runs without it see the same config
	require.NoError(t, os.Remove(config.Path(dir)))
	cfg, err = ResolveConfig(context.Background(), dir, r)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cfg.Project.Name)
}

func TestResolveConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	r := openRepo(t, dir)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("quota:\n  max_requests_per_day: -1\n"), 0o644))
	_, err := ResolveConfig(context.Background(), dir, r)
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("ws", "tasks.md"), resolvePath("ws", "tasks.md"))
	assert.Equal(t, "/abs/tasks.md", resolvePath("ws", "/abs/tasks.md"))
	assert.Equal(t, "", resolvePath("ws", ""))
}

func TestOpenWiresEngine(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default("website")
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("website")), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, cfg.Project.TaskSource), []byte("## High Priority\n- Ship it\n"), 0o644))

	env, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, "website", env.Config.Project.Name)
	assert.NotNil(t, env.Engine.Deps.Provider)
	assert.NotNil(t, env.Metrics)

	tasks, err := env.Engine.Deps.Tasks.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Ship it", tasks[0].Description)

	report, err := env.Engine.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Agents, len(env.Config.Agents))
}
