package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/schedule"
	"crewline/internal/webhook"
)

const sampleTasks = `# Tasks

## High Priority
- Describe the first thing the crew should build

## Normal Priority

## Low Priority
<!-- add more tasks above -->
`

func initCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create crewline.yml, a task file and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if name == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				name = filepath.Base(abs)
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			taskPath := cfg.Project.TaskSource
			if !filepath.IsAbs(taskPath) {
				taskPath = filepath.Join(workspace, taskPath)
			}
			if _, err := os.Stat(taskPath); os.IsNotExist(err) {
				if err := os.WriteFile(taskPath, []byte(sampleTasks), 0o644); err != nil {
					return err
				}
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if err := (repo.Repo{DB: conn}).UpsertConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "tasks": taskPath, "database": db.Path(workspace)})
			}
			fmt.Printf("Initialized %s\n  config:   %s\n  tasks:    %s\n  database: %s\n", name, path, taskPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (defaults to the workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing crewline.yml")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one working day now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				hooks := webhook.New(env.Engine.Repo, env.Config, env.Logger)
				if hooks.Enabled() {
					if err := hooks.Prime(ctx); err != nil {
						return err
					}
				}
				progress, runErr := env.Engine.RunDay(ctx)
				if hooks.Enabled() {
					hooks.DispatchAll(context.WithoutCancel(ctx))
				}
				if progress.SessionID != "" {
					if err := printProgress(progress); err != nil {
						return err
					}
				}
				return runErr
			})
		},
	}
	return cmd
}

func startCmd() *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the working day on the configured schedule",
		Long:  "Fires one working day at schedule.daily (five-field cron, schedule.timezone). Ctrl-C stops the timer and waits for an in-flight day to finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				log := env.Logger.Named("start")
				s, err := schedule.New(env.Config.Schedule.Daily, env.Config.Location(), func(ctx context.Context) error {
					progress, err := env.Engine.RunDay(ctx)
					if err != nil {
						return err
					}
					log.Info(ctx, "day finished",
						zap.String("session_id", progress.SessionID),
						zap.Int("tasks_completed", progress.TasksCompleted),
						zap.Int("total_requests", progress.TotalRequests))
					return nil
				}, env.Logger)
				if err != nil {
					return err
				}
				hooks := webhook.New(env.Engine.Repo, env.Config, env.Logger)
				if hooks.Enabled() {
					if err := hooks.Prime(ctx); err != nil {
						return err
					}
					go hooks.Run(ctx, webhook.DefaultInterval)
				}
				if err := s.Start(ctx); err != nil {
					return err
				}
				fmt.Printf("Scheduler running (%s, next run %s). Press Ctrl-C to stop.\n",
					env.Config.Schedule.Daily, s.Next().Format(time.RFC1123))
				if runNow {
					go func() {
						err := s.RunNow(context.WithoutCancel(ctx))
						if err != nil && !errors.Is(err, schedule.ErrRunInFlight) && !errors.Is(err, schedule.ErrSchedulerStopped) {
							log.Error(ctx, "immediate run failed", zap.Error(err))
						}
					}()
				}
				<-ctx.Done()
				s.Stop()
				if s.InFlight() {
					fmt.Println("Waiting for the current day to finish...")
				}
				s.Wait()
				if hooks.Enabled() {
					hooks.DispatchAll(context.Background())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&runNow, "now", false, "also run a day immediately")
	return cmd
}

func printProgress(p engine.Progress) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Day %s  session %s  %s\n", p.Date, p.SessionID, p.Status)
	tw := newTable()
	tw.AppendHeader(table.Row{"Phase", "Duration", "Tasks added", "Stories added", "Worked on"})
	for _, ph := range p.Phases {
		tw.AppendRow(table.Row{ph.Name, (time.Duration(ph.DurationMs) * time.Millisecond).String(), ph.TasksAdded, ph.StoriesAdded, ph.TasksWorkedOn})
	}
	tw.Render()
	fmt.Printf("Tasks completed: %d  Requests: %d  Quota used: %d\n", p.TasksCompleted, p.TotalRequests, p.QuotaUsed)
	fmt.Printf("Board: backlog %d, in progress %d, in review %d, done %d, stories %d\n",
		p.TaskBoard.Backlog, p.TaskBoard.InProgress, p.TaskBoard.InReview, p.TaskBoard.Done, p.TaskBoard.Stories)
	return nil
}
