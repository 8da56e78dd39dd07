package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewline/internal/agent"
	"reviewline/internal/app"
	"reviewline/internal/broker"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/ingest"
	"reviewline/internal/migrate"
	"reviewline/internal/server"
	"reviewline/internal/viz"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reviewline CLI",
	Long: `Reviewline reviews documents with a pipeline of agents connected by durable topics.
- Producer: splits a document into chunks and appends one task per chunk to doc.review.tasks.
- Coordinator: routes every task to the grammar, clarity, tone and structure review topics.
- Specialists: analyze one chunk for their specialty and publish a suggestion.
- Aggregator: wraps every suggestion in a summary envelope on doc.review.summary.
Each role reads through a consumer group, so entries survive restarts until acknowledged.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("broker", "", "broker driver (sqlite or redis), overrides reviewline.yml")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address, overrides reviewline.yml")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text or json)")
	for _, name := range []string{"workspace", "json", "broker", "redis-addr", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(specialistCmd())
	rootCmd.AddCommand(aggregatorCmd())
	rootCmd.AddCommand(startAllCmd())
	rootCmd.AddCommand(produceCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
}

// --- roles ---

func coordinatorCmd() *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Route intake tasks to every specialty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				rt, err := app.Coordinator(b, cfg, consumer, slog.Default())
				if err != nil {
					return err
				}
				return runRoles(ctx, rt)
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", app.ProcessConsumerName("coordinator"), "consumer name within the group (default <role>-<host>-<pid>; set a stable name to replay its pending entries after a restart)")
	return cmd
}

func specialistCmd() *cobra.Command {
	var consumer, specialty string
	cmd := &cobra.Command{
		Use:   "specialist",
		Short: "Review routed tasks for one specialty",
		RunE: func(cmd *cobra.Command, args []string) error {
			sp, ok := domain.ParseSpecialty(specialty)
			if !ok {
				return fmt.Errorf("unknown specialty %q (want grammar, clarity, tone or structure)", specialty)
			}
			if consumer == "" {
				consumer = app.ProcessConsumerName(string(sp))
			}
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				rt, err := app.Specialist(b, cfg, sp, consumer, nil, slog.Default())
				if err != nil {
					return err
				}
				return runRoles(ctx, rt)
			})
		},
	}
	cmd.Flags().StringVar(&specialty, "type", "", "specialty: grammar, clarity, tone or structure")
	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name within the group (default <type>-<host>-<pid>; set a stable name to replay its pending entries after a restart)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func aggregatorCmd() *cobra.Command {
	var consumer string
	cmd := &cobra.Command{
		Use:   "aggregator",
		Short: "Wrap suggestions into summary envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				rt, err := app.Aggregator(b, cfg, consumer, slog.Default())
				if err != nil {
					return err
				}
				return runRoles(ctx, rt)
			})
		},
	}
	cmd.Flags().StringVar(&consumer, "consumer", app.ProcessConsumerName("aggregator"), "consumer name within the group (default <role>-<host>-<pid>; set a stable name to replay its pending entries after a restart)")
	return cmd
}

func startAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start-all",
		Short: "Run every role in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				runtimes, err := app.AllRoles(b, cfg, slog.Default())
				if err != nil {
					return err
				}
				return runRoles(ctx, runtimes...)
			})
		},
	}
	return cmd
}

func runRoles(ctx context.Context, runtimes ...*agent.Runtime) error {
	slog.Info("roles starting", "count", len(runtimes))
	err := app.Run(ctx, runtimes...)
	for _, rt := range runtimes {
		cfg := rt.Config()
		st := rt.Stats()
		slog.Info("role stopped", "group", cfg.Group, "consumer", cfg.Consumer,
			"processed", st.Processed, "failed", st.Failed, "reclaimed", st.Reclaimed, "dead_lettered", st.DeadLettered)
	}
	return err
}

// --- ingestion ---

func produceCmd() *cobra.Command {
	var docID, file, text string
	var paragraphs int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Submit a document for review",
		Long:  "Reads --file or --text and appends one task per non-blank line. Without either, --paragraphs simulated chunks are submitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				text = string(data)
			}
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				p := ingest.New(b)
				p.Interval = interval
				var (
					sub ingest.Submission
					err error
				)
				if text != "" {
					sub, err = p.SubmitText(ctx, docID, text)
				} else {
					sub, err = p.SubmitSimulated(ctx, docID, paragraphs)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sub)
				}
				fmt.Printf("Submitted %s: %d chunk(s)\n", sub.DocID, sub.Chunks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docID, "doc-id", "", "document id (generated when empty)")
	cmd.Flags().StringVar(&file, "file", "", "read the document from a file")
	cmd.Flags().StringVar(&text, "text", "", "document text")
	cmd.Flags().IntVar(&paragraphs, "paragraphs", ingest.DefaultSimulatedChunks, "number of simulated chunks")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between chunks")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				if !cmd.Flags().Changed("addr") {
					addr = cfg.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
					basePath = cfg.Server.BasePath
				}
				secret := cfg.Server.JWTSecret
				if env := os.Getenv("REVIEWLINE_JWT_SECRET"); env != "" {
					secret = env
				}
				handler, err := server.New(server.Config{
					Broker:   b,
					Driver:   cfg.Broker.Driver,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Logger:   slog.Default(),
				})
				if err != nil {
					return err
				}
				if len(cfg.Webhooks) > 0 {
					d := server.NewWebhookDispatcher(b, cfg.Webhooks, slog.Default().With("component", "webhooks"))
					go func() {
						if err := d.Run(ctx); err != nil {
							slog.Error("webhooks stopped", "err", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- inspection ---

func topicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List topics with their length and last entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				infos, err := b.Topics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(infos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Topic", "Kind", "Length", "Last ID"})
				for _, t := range infos {
					tw.AppendRow(table.Row{t.Name, viz.Classify(t.Name), t.Length, t.LastID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show consumer group backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				status, err := app.PipelineStatus(ctx, b)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Topic", "Group", "Length", "Last delivered", "Pending"})
				for _, st := range status {
					last, pending := st.LastDeliveredID, fmt.Sprint(st.Pending)
					if st.Missing {
						last, pending = "(no group)", "-"
					}
					tw.AppendRow(table.Row{st.Topic, st.Group, st.Length, last, pending})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func summaryCmd() *cobra.Command {
	var docID string
	var n int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show aggregated findings, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				items, err := app.Summaries(ctx, b, n, docID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Doc", "Chunk", "Type", "Severity", "Agent", "Explanation"})
				for _, it := range items {
					f := it.Finding
					tw.AppendRow(table.Row{f.DocID, f.ChunkID, f.Type, f.Severity, f.SourceAgent, f.Explanation})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&docID, "doc-id", "", "only this document")
	cmd.Flags().IntVar(&n, "n", 20, "number of findings")
	return cmd
}

func watchCmd() *cobra.Command {
	var topicList []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print pipeline entries as they are appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, cfg *config.Config, b broker.Broker) error {
				t := viz.New(b, topicList, slog.Default())
				asJSON := viper.GetBool("json")
				enc := json.NewEncoder(os.Stdout)
				return t.Run(ctx, func(ev viz.Event) error {
					if asJSON {
						return enc.Encode(ev)
					}
					fmt.Printf("%-18s %-36s %s doc=%s chunk=%s\n", ev.Type, ev.Stream, ev.ID, ev.Content["doc_id"], ev.Content["chunk_id"])
					return nil
				}, nil)
			})
		},
	}
	cmd.Flags().StringSliceVar(&topicList, "topics", nil, "topics to watch (default every pipeline topic)")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the broker event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail broker lifecycle events (sqlite broker only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openSQLiteLog("log tail")
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			items, err := events.Latest(cmd.Context(), conn, n, evtType)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Topic", "Group", "Entry", "Actor"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Topic, e.Group, e.EntryID, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{Use: "migrate", Short: "Manage the sqlite broker schema"}
	m.AddCommand(migrateStatusCmd())
	m.AddCommand(migrateUpCmd())
	return m
}

func openSQLiteLog(what string) (*sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Broker.Driver != config.DriverSQLite {
		return nil, fmt.Errorf("%s requires the sqlite broker, configured driver is %s", what, cfg.Broker.Driver)
	}
	return db.Open(db.Config{Workspace: viper.GetString("workspace"), BusyTimeoutMS: cfg.Broker.SQLite.BusyTimeoutMS})
}

func printSchemaStatus(st migrate.SchemaStatus) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"current": st.Current, "latest": st.Latest, "up_to_date": st.UpToDate()})
	}
	state := "up to date"
	if !st.UpToDate() {
		state = fmt.Sprintf("%d pending", st.Latest-st.Current)
	}
	fmt.Printf("schema version %d of %d (%s)\n", st.Current, st.Latest, state)
	return nil
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openSQLiteLog("migrate status")
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			return printSchemaStatus(st)
		},
	}
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openSQLiteLog("migrate up")
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			st, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			return printSchemaStatus(st)
		},
	}
}

// --- config and auth ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage reviewline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if cfg.Broker.Redis.Password != "" {
				cfg.Broker.Redis.Password = "********"
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate reviewline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("REVIEWLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			token, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if save {
				workspace := viper.GetString("workspace")
				if err := setEnvValue(filepath.Join(workspace, ".env"), "REVIEWLINE_TOKEN", token); err != nil {
					return err
				}
				fmt.Printf("Set REVIEWLINE_TOKEN in %s/.env\n", workspace)
				return nil
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in <workspace>/.env")
	return cmd
}

// --- helpers ---

// loadConfig reads reviewline.yml, then applies REDIS_* env and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyRedisEnv(os.Getenv); err != nil {
		return nil, err
	}
	if d := viper.GetString("broker"); d != "" {
		cfg.Broker.Driver = d
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Broker.Redis.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withBroker(ctx context.Context, fn func(context.Context, *config.Config, broker.Broker) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := app.OpenBroker(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
