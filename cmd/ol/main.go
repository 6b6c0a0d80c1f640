package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/executor"
	"opsline/internal/listener"
	"opsline/internal/metrics"
	"opsline/internal/migrate"
	"opsline/internal/oplog"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
	"opsline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsline CLI",
	Long: `Opsline orchestrates operational responses to civic-service events.
Events (a cancelled slot, a freed housing unit, a readiness change) flow
through a rule-first decision pipeline that produces recommendations; a
human approves or rejects each one before the executor carries out the
plan, rolling back on failure. The operational log ('ol log tail') records
every step.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(recommendationCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Initialized workspace with %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "opsline", "project id")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load demo caseload data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SeedDemo(ctx, time.Now()); err != nil {
					return err
				}
				fmt.Println("Seeded demo subjects and slots")
				return nil
			})
		},
	}
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{Use: "event", Short: "Inject events"}
	evt.AddCommand(eventInjectCmd())
	return evt
}

func eventInjectCmd() *cobra.Command {
	var id, evtType, source, payloadJSON string
	var subjects []string
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a canonical event into the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline) error {
				var payload map[string]any
				if payloadJSON != "" {
					if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
						return fmt.Errorf("invalid --payload: %w", err)
					}
				}
				evt := domain.Event{
					ID:         id,
					Type:       domain.EventType(evtType),
					Source:     source,
					SubjectIDs: subjects,
					Payload:    payload,
				}
				ingested, err := p.Listener.Ingest(ctx, evt)
				if errors.Is(err, domain.ErrDuplicateEvent) {
					fmt.Printf("Duplicate event %s ignored\n", ingested.ID)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("Ingested event %s\n", ingested.ID)
				recs, err := p.Engine.ListRecommendations(ctx, domain.StatusPendingApproval)
				if err != nil {
					return err
				}
				return printJSONOrTable(recs)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "external event id (for dedup)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&source, "source", "cli", "event source")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "payload JSON")
	cmd.Flags().StringSliceVar(&subjects, "subject", nil, "subject id (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func recommendationCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recommendation", Short: "Manage recommendations", Aliases: []string{"rec"}}
	rec.AddCommand(recommendationListCmd())
	rec.AddCommand(recommendationShowCmd())
	rec.AddCommand(recommendationResolveCmd("approve", "Approve a pending recommendation"))
	rec.AddCommand(recommendationResolveCmd("reject", "Reject a pending recommendation"))
	rec.AddCommand(recommendationExecuteCmd())
	return rec
}

func recommendationListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListRecommendations(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Summary", "Status", "Confidence", "Created"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.ID, r.Summary, r.Status, fmt.Sprintf("%.2f", r.Confidence), r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func recommendationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetRecommendation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func recommendationResolveCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var rec domain.Recommendation
				var err error
				if verb == "approve" {
					rec, err = e.Approve(ctx, args[0], actor)
				} else {
					rec, err = e.Reject(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				fmt.Printf("Recommendation %s is now %s\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
}

func recommendationExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute an approved recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Execute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Pipeline statistics from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				statuses, err := r.CountRecommendationStatuses(ctx)
				if err != nil {
					return err
				}
				opTypes, err := r.CountOplogTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"recommendations": statuses, "oplog": opTypes})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Key", "Count"})
				for _, k := range sortedKeys(statuses) {
					tw.AppendRow(table.Row{"recommendation", k, statuses[k]})
				}
				for _, k := range sortedKeys(opTypes) {
					tw.AppendRow(table.Row{"oplog", k, opTypes[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Operational log",
		Long:  "The diary of the pipeline: ingested events, decisions, approvals, executions and rollbacks.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail operational log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w := oplog.Writer{DB: r.DB}
				entries, err := w.Tail(ctx, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), func(ctx context.Context, p pipeline) error {
				handler, err := server.New(server.Config{
					Engine:      p.Engine,
					Listener:    p.Listener,
					Metrics:     p.Metrics,
					BasePath:    basePath,
					SweepExpiry: true,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// pipeline bundles the fully wired components for commands that run the
// whole flow in-process.
type pipeline struct {
	Engine   engine.Engine
	Listener *listener.Listener
	Metrics  *metrics.Pipeline
}

func withPipeline(ctx context.Context, fn func(context.Context, pipeline) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	m, err := metrics.NewPipeline()
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	ol := oplog.Writer{DB: conn}
	exec := executor.New(executor.DefaultAdapters(r, ol), ol, m)
	exec.MaxAttempts = cfg.Executor.MaxAttempts
	exec.BackoffBase = cfg.Executor.BackoffBase.Std()
	exec.BackoffMax = cfg.Executor.BackoffMax.Std()
	exec.ActionTimeout = cfg.Executor.ActionTimeout.Std()
	e := engine.New(conn, cfg, m, exec)

	var reasoner orchestrator.Reasoner
	if cfg.Reasoner.URL != "" {
		reasoner = orchestrator.HTTPReasoner{URL: cfg.Reasoner.URL}
	}
	orch := orchestrator.New(cfg, orchestrator.RepoProvider{Repo: r}, reasoner, e, ol, m)

	l := listener.New(r, ol, m, orch)
	l.DedupRetention = cfg.Listener.DedupRetention.Std()
	l.NoisySourceThreshold = cfg.Listener.NoisySourceThreshold
	l.RegisterDefaults(cfg.Listener.Sources)

	return fn(ctx, pipeline{Engine: e, Listener: l, Metrics: m})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withPipeline(ctx, func(ctx context.Context, p pipeline) error {
		return fn(ctx, p.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
