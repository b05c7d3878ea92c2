package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentrelay/internal/app"
	"agentrelay/internal/config"
	"agentrelay/internal/logging"
	"agentrelay/internal/mcp"
	"agentrelay/internal/server"
	relaysdk "agentrelay/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Agent handoff relay",
	Long: `relay tracks work handed from one agent to another and governs what agents may do.
- Handoffs move pending -> active -> completed, or to failed from any live state.
- Each repository has an autonomy dial (1-5); actions are classified into tiers T1-T5
  and permitted only when the dial, capped by the environment, reaches the tier.
- 'relay serve' exposes the HTTP API, 'relay mcp' the same engine as MCP tools over stdio.
- The handoff and dial commands talk to a running server (--server).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding relay.yml")
	flags.String("config", "", "config file (overrides workspace lookup)")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "http://127.0.0.1:8787", "relay server URL for remote commands")
	flags.String("actor-id", "", "actor identifier sent as X-Actor-Id")
	flags.String("api-key", "", "API key for remote commands")
	flags.String("token", "", "bearer token for remote commands")
	flags.String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "server", "actor-id", "api-key", "token", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(dialCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads the config file and applies RELAY_* overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("webhook-secret"); v != "" {
		cfg.Webhooks.GitHub.Secret = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				scfg := server.ConfigFromApp(a)
				if basePath != "" {
					scfg.BasePath = basePath
				}
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(scfg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving relay API",
						zap.String("addr", addr),
						zap.String("base_path", scfg.BasePath),
						zap.String("storage", a.Config.Storage.Driver),
						zap.String("dials", a.Config.DialsDriver()),
					)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return a.Sweeper().Run(gctx)
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve handoff tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return mcp.NewServer(a.Engine, a.Context, a.Checker, a.Logger, version).Run(ctx)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default relay.yml into the workspace",
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
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the key_hash for an API key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(server.HashAPIKey(args[0]))
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed bearer token with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Auth.JWTSecret, args[0], perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", []string{config.PermHandoffRead, config.PermHandoffWrite}, "permission to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func client() *relaysdk.Client {
	c := relaysdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	if c.ActorID == "" && c.APIKey == "" && c.BearerToken == "" {
		c.ActorID = "local-user"
	}
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
