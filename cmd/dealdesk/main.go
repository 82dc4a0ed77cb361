package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealdesk/internal/app"
	"dealdesk/internal/automation"
	"dealdesk/internal/bus"
	"dealdesk/internal/changelog"
	"dealdesk/internal/config"
	"dealdesk/internal/db"
	"dealdesk/internal/dispatch"
	"dealdesk/internal/engine"
	"dealdesk/internal/migrate"
	"dealdesk/internal/repo"
	"dealdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dealdesk",
	Short: "Dealdesk CLI",
	Long: `Dealdesk is a pipeline CRM core: kanban cards move through stages,
every tracked change lands in an append-only changelog, and declarative
automations react to stage entries, field changes, elapsed time, new cards,
and completed tasks.`,
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
	viper.SetEnvPrefix("DEALDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("pipeline", "", "pipeline id (overrides the default pipeline)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("pipeline", rootCmd.PersistentFlags().Lookup("pipeline"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(automationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// stack is everything a CLI mutation needs: the engine plus the automation
// runner subscribed to the bus, so rules fire on local changes too.
type stack struct {
	Engine engine.Engine
	Runner *automation.Runner
}

func withStack(ctx context.Context, fn func(context.Context, stack) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	b := bus.New()
	e := engine.New(conn, cfg, b)
	runner := automation.NewRunner(e.Repo, buildRegistry(e, cfg), cfg, nil)
	b.SubscribeAll(runner.HandleEvent)
	return fn(ctx, stack{Engine: e, Runner: runner})
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

func buildRegistry(e engine.Engine, cfg *config.Config) *dispatch.Registry {
	reg := dispatch.NewRegistry()
	reg.Register(&dispatch.EmailDispatcher{Host: cfg.Email.Host, Port: cfg.Email.Port, From: cfg.Email.From})
	reg.Register(&dispatch.WhatsAppDispatcher{APIURL: cfg.WhatsApp.APIURL, Token: cfg.WhatsApp.Token})
	reg.Register(&dispatch.CreateTaskDispatcher{Engine: e})
	reg.Register(&dispatch.ReassignOwnerDispatcher{Engine: e})
	reg.Register(&dispatch.ChangeStageDispatcher{Engine: e})
	reg.Register(&dispatch.AddTagDispatcher{Engine: e})
	return reg
}

func actorID() string {
	return viper.GetString("actor-id")
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default dealdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage pipelines"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPipelines(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show pipeline with stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				override := viper.GetString("pipeline")
				if len(args) > 0 {
					override = args[0]
				}
				pl, err := app.ResolvePipeline(ctx, s.Engine, override, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(pl)
			})
		},
	})
	return p
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Show the kanban board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				pl, err := app.ResolvePipeline(ctx, s.Engine, viper.GetString("pipeline"), actorID())
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Card", "Title", "Priority", "Owner", "Version"})
				for _, stage := range pl.Stages {
					cards, err := s.Engine.Repo.ListCards(ctx, repo.CardFilters{PipelineID: pl.ID, StageSlug: stage.Slug})
					if err != nil {
						return err
					}
					for _, c := range cards {
						owner := ""
						if c.OwnerID != nil {
							owner = *c.OwnerID
						}
						tw.AppendRow(table.Row{stage.Slug, c.ID, c.Title, c.Priority, owner, c.Version})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardMoveCmd())
	card.AddCommand(cardSetCmd())
	card.AddCommand(cardTagCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var title, stage, owner, priority string
	var tags []string
	var value float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create card",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				pl, err := app.ResolvePipeline(ctx, s.Engine, viper.GetString("pipeline"), actorID())
				if err != nil {
					return err
				}
				opts := engine.CardCreateOptions{
					PipelineID: pl.ID,
					StageSlug:  stage,
					Title:      title,
					OwnerID:    owner,
					Priority:   priority,
					Tags:       tags,
					Actor:      actorID(),
					ActorType:  changelog.ActorUser,
				}
				if cmd.Flags().Changed("value") {
					opts.Value = &value
				}
				c, err := s.Engine.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "card title")
	cmd.Flags().StringVar(&stage, "stage", "", "stage slug (default: initial stage)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&priority, "priority", "", "baixa|media|alta|urgente")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().Float64Var(&value, "value", 0, "deal value")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardListCmd() *cobra.Command {
	var stage, owner, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				pl, err := app.ResolvePipeline(ctx, s.Engine, viper.GetString("pipeline"), actorID())
				if err != nil {
					return err
				}
				items, err := s.Engine.Repo.ListCards(ctx, repo.CardFilters{
					PipelineID: pl.ID,
					StageSlug:  stage,
					OwnerID:    owner,
					Priority:   priority,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Title", "Priority", "Owner", "Version"})
				for _, c := range items {
					owner := ""
					if c.OwnerID != nil {
						owner = *c.OwnerID
					}
					tw.AppendRow(table.Row{c.ID, c.StageSlug, c.Title, c.Priority, owner, c.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Show card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cardMoveCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <card-id> <stage>",
		Short: "Move card to a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				c, err := s.Engine.MoveCard(ctx, engine.MoveCardOptions{
					CardID:      args[0],
					TargetStage: args[1],
					TargetIndex: index,
					Actor:       actorID(),
					ActorType:   changelog.ActorUser,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "slot in the destination column (-1 appends)")
	return cmd
}

func cardSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <card-id> <field> <value>",
		Short: "Set a tracked card field",
		Long:  "Fields: title, owner_id, value, priority, tags, fields.<name>.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				c, err := s.Engine.UpdateCardField(ctx, engine.FieldUpdateOptions{
					CardID:    args[0],
					Field:     args[1],
					Value:     args[2],
					Actor:     actorID(),
					ActorType: changelog.ActorUser,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cardTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tag <card-id> <tag>",
		Short: "Add a tag to a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				c, err := s.Engine.AddCardTag(ctx, args[0], args[1], actorID(), changelog.ActorUser, 0, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var title, due, assignee, priority string
	add := &cobra.Command{
		Use:   "add <card-id>",
		Short: "Add task to a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				t, err := s.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					CardID:     args[0],
					Title:      title,
					Priority:   priority,
					DueAt:      due,
					AssigneeID: assignee,
					Actor:      actorID(),
					ActorType:  changelog.ActorUser,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "task title")
	add.Flags().StringVar(&due, "due", "", "due timestamp (RFC3339)")
	add.Flags().StringVar(&assignee, "assignee", "", "assignee id")
	add.Flags().StringVar(&priority, "priority", "", "baixa|media|alta|urgente")
	_ = add.MarkFlagRequired("title")
	task.AddCommand(add)

	var status string
	list := &cobra.Command{
		Use:   "list <card-id>",
		Short: "List card tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, repo.TaskFilters{CardID: args[0], Status: status})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	task.AddCommand(list)

	transition := func(use, short string, fn func(s stack) func(context.Context, string, string, string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
					t, err := fn(s)(ctx, args[0], actorID(), changelog.ActorUser)
					if err != nil {
						return err
					}
					return printJSONOrTable(t)
				})
			},
		}
	}
	task.AddCommand(transition("complete <task-id>", "Complete task", func(s stack) func(context.Context, string, string, string) (any, error) {
		return func(ctx context.Context, id, actor, at string) (any, error) { return s.Engine.CompleteTask(ctx, id, actor, at) }
	}))
	task.AddCommand(transition("reopen <task-id>", "Reopen task (once)", func(s stack) func(context.Context, string, string, string) (any, error) {
		return func(ctx context.Context, id, actor, at string) (any, error) { return s.Engine.ReopenTask(ctx, id, actor, at) }
	}))
	task.AddCommand(transition("cancel <task-id>", "Cancel task", func(s stack) func(context.Context, string, string, string) (any, error) {
		return func(ctx context.Context, id, actor, at string) (any, error) { return s.Engine.CancelTask(ctx, id, actor, at) }
	}))
	return task
}

func automationCmd() *cobra.Command {
	auto := &cobra.Command{Use: "automation", Short: "Manage automations"}

	var name, desc, trigger, triggerConfig, actions string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create automation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				a, err := s.Runner.Create(ctx, automation.CreateOptions{
					Name:          name,
					Description:   desc,
					TriggerType:   trigger,
					TriggerConfig: triggerConfig,
					Actions:       actions,
					Actor:         actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "automation name")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().StringVar(&trigger, "trigger", "", "stage_entered|field_changed|time_elapsed|card_created|task_completed")
	create.Flags().StringVar(&triggerConfig, "trigger-config", "{}", "trigger config JSON")
	create.Flags().StringVar(&actions, "actions", "", `actions JSON, e.g. [{"type":"add_tag","config":{"tag":"hot"}}]`)
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("trigger")
	_ = create.MarkFlagRequired("actions")
	auto.AddCommand(create)

	auto.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List automations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAutomations(ctx, repo.AutomationFilters{})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Active", "Runs"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.TriggerType, a.IsActive, a.ExecutionCount})
				}
				tw.Render()
				return nil
			})
		},
	})

	auto.AddCommand(&cobra.Command{
		Use:   "toggle <automation-id>",
		Short: "Flip an automation's active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				a, err := s.Engine.Repo.GetAutomation(ctx, args[0])
				if err != nil {
					return err
				}
				a, err = s.Runner.SetActive(ctx, a.ID, !a.IsActive)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})

	auto.AddCommand(&cobra.Command{
		Use:   "delete <automation-id>",
		Short: "Delete automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				return s.Runner.Delete(ctx, args[0])
			})
		},
	})

	var limit int
	runs := &cobra.Command{
		Use:   "runs <automation-id>",
		Short: "Recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "max rows")
	auto.AddCommand(runs)

	auto.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one time-elapsed sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s stack) error {
				return automation.NewSweeper(s.Runner).SweepOnce(ctx)
			})
		},
	})
	return auto
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Changelog"}
	var entityType, entityID, field string
	var limit int
	var cursor int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent changelog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListChangelog(ctx, repo.ChangelogFilters{
					EntityType: entityType,
					EntityID:   entityID,
					FieldName:  field,
					Limit:      limit,
					Cursor:     cursor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Field", "Old", "New", "Actor", "At"})
				for _, e := range items {
					oldVal, newVal := "", ""
					if e.OldValue != nil {
						oldVal = *e.OldValue
					}
					if e.NewValue != nil {
						newVal = *e.NewValue
					}
					tw.AppendRow(table.Row{e.ID, e.EntityType + "/" + e.EntityID, e.FieldName, oldVal, newVal, e.Actor, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	tail.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	tail.Flags().StringVar(&field, "field", "", "filter by field name")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "return entries with id below this")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			b := bus.New()
			e := engine.New(conn, cfg, b)
			if _, err := app.ResolvePipeline(cmd.Context(), e, viper.GetString("pipeline"), actorID()); err != nil {
				return err
			}
			runner := automation.NewRunner(e.Repo, buildRegistry(e, cfg), cfg, nil)
			b.SubscribeAll(runner.HandleEvent)
			sweeper := automation.NewSweeper(runner)
			if err := sweeper.Start(cmd.Context()); err != nil {
				return err
			}
			defer sweeper.Stop()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DEALDESK_JWT_SECRET"),
				AllowLegacyActorHeader: viper.GetBool("allow-actor-header"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("DEALDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Runner: runner, BasePath: basePath, Auth: authCfg, Context: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dealdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().Bool("allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	_ = viper.BindPFlag("allow-actor-header", cmd.Flags().Lookup("allow-actor-header"))
	return cmd
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
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
