package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/domain"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent quota usage and the board summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				report, err := env.Engine.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				limit := env.Config.Quota.MaxRequestsPerDay
				fmt.Printf("Project %s, %s\n", env.Config.Project.Name, report.Date)
				tw := newTable()
				tw.AppendHeader(table.Row{"Agent", "Role", "Usage", "Used", "Left", "Available"})
				for _, a := range report.Agents {
					role := string(a.CurrentRole)
					if a.CurrentRole != a.PrimaryRole {
						role = fmt.Sprintf("%s (as %s)", a.PrimaryRole, a.CurrentRole)
					}
					available := "yes"
					if !a.CanWork {
						available = "no"
					}
					tw.AppendRow(table.Row{a.Name, role, usageBar(a.RequestsUsed, limit, 20), a.RequestsUsed, a.RequestsRemaining, available})
				}
				tw.AppendFooter(table.Row{"Total", "", usageBar(report.Totals.Used, report.Totals.Capacity, 20), report.Totals.Used, report.Totals.Remaining, report.Totals.Capacity})
				tw.Render()
				b := report.Board
				fmt.Printf("Board: backlog %d, in progress %d, in review %d, done %d, stories %d\n",
					b.Backlog, b.InProgress, b.InReview, b.Done, b.Stories)
				return nil
			})
		},
	}
	return cmd
}

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show the task board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				b, err := env.Engine.Board(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Column", "ID", "Priority", "Task", "Assignee"})
				columns := []struct {
					name  string
					tasks []domain.Task
				}{
					{"backlog", b.Backlog},
					{"in progress", b.InProgress},
					{"in review", b.InReview},
					{"done", b.Done},
				}
				for _, col := range columns {
					for _, t := range col.tasks {
						tw.AppendRow(table.Row{col.name, t.ID, t.Priority, truncate(t.Description, 60), t.AssignedTo})
					}
				}
				tw.Render()
				if len(b.Stories) > 0 {
					st := newTable()
					st.AppendHeader(table.Row{"Story", "Priority", "Title", "Criteria"})
					for _, s := range b.Stories {
						st.AppendRow(table.Row{s.ID, s.Priority, truncate(s.Title, 50), len(s.Criteria)})
					}
					st.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	var sessionID string
	var violations bool
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
		Long:  "Without flags prints aggregate stats and recent sessions. --session shows one session's requests, tool calls and violations; --violations lists recent policy violations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				switch {
				case sessionID != "":
					detail, err := env.Engine.Audit.SessionDetail(ctx, sessionID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(detail)
					}
					s := detail.Session
					fmt.Printf("Session %s  %s  started %s  ended %s\n", s.ID, s.Status, s.StartedAt, s.EndedAt)
					fmt.Printf("Agents: %s  Tasks completed: %d  Requests: %d\n", s.AgentsUsed, s.TasksCompleted, s.TotalRequests)
					tw := newTable()
					tw.AppendHeader(table.Row{"Time", "Agent", "Tool", "Args", "Result"})
					for _, r := range detail.Requests {
						tw.AppendRow(table.Row{r.Timestamp, r.AgentID, "(request)", fmt.Sprintf("%dms", r.DurationMs), outcome(r.Success, r.Error)})
						for _, tc := range r.ToolCalls {
							tw.AppendRow(table.Row{tc.Timestamp, tc.AgentID, tc.ToolName, truncate(fmt.Sprint(tc.Arguments), 40), outcome(tc.Success, tc.Error)})
						}
					}
					tw.Render()
					return renderViolations(detail.Violations)
				case violations:
					vs, err := env.Engine.Audit.RecentViolations(ctx, limit)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(vs)
					}
					return renderViolations(vs)
				default:
					stats, err := env.Engine.Audit.Stats(ctx)
					if err != nil {
						return err
					}
					sessions, err := env.Engine.Audit.RecentSessions(ctx, limit)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"stats": stats, "sessions": sessions})
					}
					fmt.Printf("Sessions: %d  Requests: %d (%d failed)  Tool calls: %d  Violations: %d (%d blocked)\n",
						stats.TotalSessions, stats.TotalRequests, stats.FailedRequests, stats.TotalToolCalls, stats.TotalViolations, stats.BlockedViolations)
					tw := newTable()
					tw.AppendHeader(table.Row{"Session", "Started", "Status", "Tasks", "Requests"})
					for _, s := range sessions {
						tw.AppendRow(table.Row{s.ID, s.StartedAt, s.Status, s.TasksCompleted, s.TotalRequests})
					}
					tw.Render()
					return nil
				}
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "show one session in detail")
	cmd.Flags().BoolVar(&violations, "violations", false, "list recent policy violations")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of sessions or violations")
	return cmd
}

func outcome(success *bool, errMsg string) string {
	switch {
	case success == nil:
		return "pending"
	case *success:
		return "ok"
	default:
		return "failed: " + truncate(errMsg, 40)
	}
}

func renderViolations(vs []domain.Violation) error {
	if len(vs) == 0 {
		fmt.Println("No violations.")
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Time", "Agent", "Invariant", "Operation", "Target", "Reason"})
	for _, v := range vs {
		tw.AppendRow(table.Row{v.Timestamp, v.AgentID, v.InvariantType, v.Operation, truncate(v.Target, 30), truncate(v.Reason, 50)})
	}
	tw.Render()
	return nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Run milestones: sessions, phases, task assignments and completions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				evts, err := env.Engine.Repo.LatestEvents(ctx, n, sessionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for i := len(evts) - 1; i >= 0; i-- {
					e := evts[i]
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect crewline.yml",
		Long:  "crewline.yml holds the roster, quota, schedule, provider and policy rules. The last loaded file is snapshotted in the database.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return printJSONOrTable(env.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate crewline.yml without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			_, err := config.FromFile(path)
			if errors.Is(err, os.ErrNotExist) {
				err = fmt.Errorf("%s not found; create one with crew init", path)
			}
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "path": path, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent daily progress reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				reports, err := env.Engine.History(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				if len(reports) == 0 {
					fmt.Println("No runs recorded yet.")
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Date", "Session", "Status", "Completed", "Requests", "Quota used", "Backlog"})
				for _, p := range reports {
					tw.AppendRow(table.Row{p.Date, p.SessionID, p.Status, p.TasksCompleted, p.TotalRequests, p.QuotaUsed, p.TaskBoard.Backlog})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 14, "number of reports")
	return cmd
}
