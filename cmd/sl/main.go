package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/logging"
	"stageline/internal/notify"
	"stageline/internal/repo"
	"stageline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline moves client projects through configurable stage pipelines.
- Pipeline: project types, their ordered stages, the reasons for entering each stage and the fields each reason collects.
- Approval gates: stages may demand a sign-off whose fields must match expected values before the move commits.
- Roles: elevated roles may move anywhere; ordinary roles follow the allow-list of their project type.
- Timers: time in a stage counts business hours only, from the pipeline calendar.
- Workspace: .stageline holds the database; stageline.yml seeds the pipeline of an empty workspace.
- Event log: every commit lands in the outbox, view it with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		logging.Init(logging.Config{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
			Output: os.Stderr,
		})
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "admin", "role the actor acts in")
	flags.String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func currentActor() auth.Actor {
	return auth.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("role")}
}

// --- pipeline ---

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage the pipeline configuration",
	}
	cmd.AddCommand(pipelineInitCmd())
	cmd.AddCommand(pipelineImportCmd())
	cmd.AddCommand(pipelineShowCmd())
	return cmd
}

func pipelineInitCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample stageline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", app.DefaultPipelineID, "pipeline id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func pipelineImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a pipeline YAML file into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportPipeline(ctx, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Imported pipeline %s (%d project types)\n", cfg.Pipeline.ID, len(cfg.ProjectTypes))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default: workspace stageline.yml)")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the pipeline stored in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

// --- catalog ---

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Browse stages, reasons and fields",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stages <project-type>",
		Short: "List the stages of a project type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx, args[0])
				if err != nil {
					return err
				}
				return printStages(stages)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reasons <stage-id>",
		Short: "List the reasons for entering a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reasons, err := e.ListReasons(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reasons)
				}
				tw := newTable(table.Row{"ID", "Reason"})
				for _, r := range reasons {
					tw.AppendRow(table.Row{r.ID, r.Reason})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fields <reason-id>",
		Short: "List the custom fields of a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.ListCustomFields(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Required", "Options"})
				for _, f := range fields {
					tw.AppendRow(table.Row{f.ID, f.FieldName, f.FieldType, f.IsRequired, strings.Join(f.Options, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "approval <approval-id>",
		Short: "List the fields of an approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.ListApprovalFields(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(fields)
			})
		},
	})
	return cmd
}

// --- projects ---

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(projectCreateCmd())
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectTimerCmd())
	cmd.AddCommand(projectOverdueCmd())
	cmd.AddCommand(projectHistoryCmd())
	cmd.AddCommand(projectCompleteCmd())
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var opts engine.CreateProjectOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project in the first stage of its type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ProjectTypeID == "" {
				return fmt.Errorf("--type required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.ProjectTypeID, "type", "", "project type id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.CurrentAssigneeID, "assignee", "", "current assignee")
	cmd.Flags().StringVar(&opts.ClientManagerID, "client-manager", "", "client manager")
	cmd.Flags().StringVar(&opts.BookkeeperID, "bookkeeper", "", "bookkeeper")
	return cmd
}

func projectListCmd() *cobra.Command {
	var f repo.ProjectFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Stage", "Assignee", "Version", "Closed"})
				for _, p := range items {
					closed := ""
					if p.Closed() {
						closed = *p.CompletionStatus
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.ProjectTypeID, p.CurrentStatus, deref(p.CurrentAssigneeID), p.Version, closed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectTypeID, "type", "", "project type filter")
	cmd.Flags().StringVar(&f.Status, "stage", "", "current stage filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only projects not yet completed")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its stage timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				timer, err := e.Timer(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(server.ProjectResponse{Project: p, Timer: timer})
			})
		},
	}
}

func projectTimerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timer <project-id>",
		Short: "Business hours spent in the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				timer, err := e.Timer(ctx, args[0])
				if err != nil {
					return err
				}
				return printTimers([]engine.StageTimer{timer})
			})
		},
	}
}

func projectOverdueCmd() *cobra.Command {
	var projectType string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "Open projects past their stage limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				timers, err := e.Overdue(ctx, projectType)
				if err != nil {
					return err
				}
				return printTimers(timers)
			})
		},
	}
	cmd.Flags().StringVar(&projectType, "type", "", "project type filter")
	return cmd
}

func projectHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "Transition audit trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable(table.Row{"When", "From", "To", "Reason", "Actor", "Notes"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.OccurredAt.Format(time.RFC3339), rec.FromStage, rec.ToStage, rec.Reason, rec.ActorID, rec.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "most recent records only")
	return cmd
}

func projectCompleteCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "complete <project-id>",
		Short: "Close a project sitting in a final stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CompleteProject(ctx, args[0], currentActor(), status)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "completion status (default completed)")
	return cmd
}

// --- transitions ---

type transitionFlags struct {
	target          string
	reason          string
	fields          []string
	approvals       []string
	notes           string
	attachments     []string
	expectedVersion int64
}

func (f *transitionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "to", "", "target stage name")
	cmd.Flags().StringVar(&f.reason, "reason", "", "change reason id")
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "reason field response id=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.approvals, "approval", nil, "approval field response id=value (repeatable)")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-text notes")
	cmd.Flags().StringArrayVar(&f.attachments, "attach", nil, "attachment object path, optionally name=path (repeatable)")
	cmd.Flags().Int64Var(&f.expectedVersion, "expected-version", 0, "fail unless the project is at this version")
	_ = cmd.MarkFlagRequired("to")
}

// request builds the engine request. Multi-select values are split on commas
// once the reason's field types are known.
func (f *transitionFlags) request(ctx context.Context, e engine.Engine, projectID string) (engine.TransitionRequest, error) {
	req := engine.TransitionRequest{
		ProjectID:   projectID,
		Actor:       currentActor(),
		TargetStage: f.target,
		ReasonID:    f.reason,
		Notes:       f.notes,
	}
	if f.expectedVersion > 0 {
		v := f.expectedVersion
		req.ExpectedVersion = &v
	}
	multi := map[string]bool{}
	if f.reason != "" && len(f.fields) > 0 {
		defs, err := e.ListCustomFields(ctx, f.reason)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return req, err
		}
		for _, d := range defs {
			multi[d.ID] = d.FieldType == domain.FieldMultiSelect
		}
	}
	for _, raw := range f.fields {
		id, value, err := splitPair(raw)
		if err != nil {
			return req, err
		}
		in := engine.ResponseInput{FieldID: id, Value: value}
		if multi[id] {
			in.Value = splitList(value)
		}
		req.FieldResponses = append(req.FieldResponses, in)
	}
	for _, raw := range f.approvals {
		id, value, err := splitPair(raw)
		if err != nil {
			return req, err
		}
		req.ApprovalResponses = append(req.ApprovalResponses, engine.ResponseInput{FieldID: id, Value: value})
	}
	for _, raw := range f.attachments {
		a, err := parseAttachment(raw)
		if err != nil {
			return req, err
		}
		req.Attachments = append(req.Attachments, a)
	}
	return req, nil
}

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Validate and commit stage changes",
	}
	cmd.AddCommand(transitionListCmd())
	cmd.AddCommand(transitionValidateCmd())
	cmd.AddCommand(transitionCommitCmd())
	return cmd
}

func transitionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "Stages the actor may move the project to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListLegalTransitions(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				return printStages(stages)
			})
		},
	}
}

func transitionValidateCmd() *cobra.Command {
	var f transitionFlags
	cmd := &cobra.Command{
		Use:   "validate <project-id>",
		Short: "Check a transition without committing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := f.request(ctx, e, args[0])
				if err != nil {
					return err
				}
				res, err := e.ValidateTransition(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") || !res.Valid {
					return printJSON(res)
				}
				fmt.Printf("%s -> %s is valid\n", res.Transition.FromStage, res.Transition.ToStage.Name)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func transitionCommitCmd() *cobra.Command {
	var f transitionFlags
	cmd := &cobra.Command{
		Use:   "commit <project-id>",
		Short: "Validate and commit a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := f.request(ctx, e, args[0])
				if err != nil {
					return err
				}
				res, err := e.Transition(ctx, req)
				if err != nil {
					var failure *engine.ValidationFailure
					if errors.As(err, &failure) {
						_ = printJSON(failure.Result)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s moved %s -> %s (version %d)\n", res.Project.ID, res.Record.FromStage, res.Record.ToStage, res.Project.Version)
				fmt.Printf("Notify %s: %s\n", strings.Join(res.Notification.RecipientIDs, ", "), res.Notification.Subject)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The outbox of everything that happened: pipeline imports, new projects, committed transitions and completions.",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Project", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeaders, noWebhooks bool
	var maxBody int64
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, conn, err := app.Open(cmd.Context(), workspace, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeaders,
				DevLogin:               devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, MaxBodyBytes: maxBody})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noWebhooks {
				relay := notify.NewRelay(e.Repo, e.Config.Webhooks, notify.DefaultOptions())
				if relay.Enabled() {
					go func() {
						if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							logging.Error().Add(logging.Component("relay"), logging.ErrorField(err)).Msg("webhook relay stopped")
						}
					}()
				}
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logging.Info().Add(logging.Component("server"), logging.Str("addr", addr), logging.Str("base_path", basePath)).Msg("serving")
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-legacy-headers", false, "accept X-Actor-Id / X-Actor-Role without a token")
	cmd.Flags().BoolVar(&noWebhooks, "no-webhooks", false, "do not run the webhook relay")
	cmd.Flags().Int64Var(&maxBody, "max-body-bytes", server.DefaultMaxBodyBytes, "largest accepted request body")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env STAGELINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id acting as --role",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), viper.GetString("role"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printStages(stages []domain.Stage) error {
	if viper.GetBool("json") {
		return printJSON(stages)
	}
	tw := newTable(table.Row{"ID", "Name", "Role", "Limit (h)", "Approval", "Final"})
	for _, s := range stages {
		limit := ""
		if s.MaxInstanceTimeHours != nil {
			limit = strconv.FormatFloat(*s.MaxInstanceTimeHours, 'f', -1, 64)
		}
		tw.AppendRow(table.Row{s.ID, s.Name, deref(s.AssignedRoleID), limit, deref(s.StageApprovalID), s.IsFinal})
	}
	tw.Render()
	return nil
}

func printTimers(timers []engine.StageTimer) error {
	if viper.GetBool("json") {
		return printJSON(timers)
	}
	tw := newTable(table.Row{"Project", "Stage", "Entered", "Elapsed (h)", "Limit (h)", "Overdue"})
	for _, t := range timers {
		limit := ""
		if t.LimitHours != nil {
			limit = strconv.FormatFloat(*t.LimitHours, 'f', -1, 64)
		}
		tw.AppendRow(table.Row{t.ProjectID, t.Stage, t.EnteredAt.Format(time.RFC3339), fmt.Sprintf("%.2f", t.ElapsedHours), limit, t.Overdue})
	}
	tw.Render()
	return nil
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

func splitPair(raw string) (string, string, error) {
	id, value, ok := strings.Cut(raw, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", "", fmt.Errorf("expected id=value, got %q", raw)
	}
	return id, value, nil
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAttachment(raw string) (domain.Attachment, error) {
	name, path, ok := strings.Cut(raw, "=")
	if !ok {
		path = raw
		name = filepath.Base(raw)
	}
	if strings.TrimSpace(path) == "" {
		return domain.Attachment{}, fmt.Errorf("attachment path required")
	}
	a := domain.Attachment{FileName: name, ObjectPath: path}
	if info, err := os.Stat(path); err == nil {
		a.FileSize = info.Size()
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
