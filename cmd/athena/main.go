// Package main provides the CLI entry point for the Athena insight engine.
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
	"gopkg.in/yaml.v3"

	"github.com/normanking/athena/internal/broadcast"
	"github.com/normanking/athena/internal/config"
	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/insights"
	"github.com/normanking/athena/internal/llm"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/m365"
	"github.com/normanking/athena/internal/metrics"
	"github.com/normanking/athena/internal/prompts"
	"github.com/normanking/athena/internal/server"
	"github.com/normanking/athena/internal/state"
)

var (
	// Version information (set at build time)
	version   = "dev"
	buildTime = "unknown"

	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "athena",
		Short: "Athena - insight orchestration and action execution for contact center agents",
		Long: `Athena fans a live customer conversation out to LLM and agent-network
backends, normalizes every widget result and executes Microsoft 365
administration actions on behalf of the agent.

Use 'athena [command] --help' for more information.`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ~/.athena/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd(), executeCmd(), configCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(&logging.Config{
		Level:    level,
		JSON:     cfg.Logging.Format == "json",
		FilePath: cfg.Logging.File,
	})
	logging.SetGlobal(logger)
	return logger
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRING
// ═══════════════════════════════════════════════════════════════════════════════

type app struct {
	cfg       *config.Config
	prompts   *prompts.Store
	direct    llm.Provider
	agent     llm.Provider
	resolver  *m365.Resolver
	store     *state.Store
	snapshots *state.Snapshots[*insights.Snapshot]
}

func newDirect(cfg *config.Config) llm.Provider {
	d := cfg.LLM.Direct
	p := llm.NewDirectProvider(llm.DirectConfig{
		Endpoint:   d.Endpoint,
		Deployment: d.Deployment,
		APIKey:     d.APIKey,
		APIVersion: d.APIVersion,
		Model:      d.Model,
		MaxTokens:  d.MaxTokens,
		Attempts:   d.Retries,
		Timeout:    d.Timeout,
	},
		llm.WithRateLimiter(llm.NewRateLimiter(d.RequestsPerSecond, 8)),
		llm.WithObserver(metrics.ObserveProvider),
	)
	if !p.Available() {
		return nil
	}
	return p
}

func newAgent(cfg *config.Config) llm.Provider {
	a := cfg.LLM.AgentNetwork
	if a.BaseURL == "" {
		return nil
	}
	client := &http.Client{Timeout: a.Timeout}

	var transport llm.Transport
	if a.Transport == "a2a" {
		transport = llm.NewA2ATransport(a.BaseURL, a.Streaming, "", client)
	} else {
		transport = llm.NewHTTPTransport(a.BaseURL, a.Streaming, client)
	}
	return llm.NewAgentNetworkProvider(llm.AgentNetworkConfig{
		Network:  a.Network,
		Networks: a.Networks,
		Timeout:  a.Timeout,
	}, transport, metrics.ObserveProvider)
}

func newResolver(cfg *config.Config, store *prompts.Store, direct llm.Provider) *m365.Resolver {
	if cfg.M365.Token == "" {
		return nil
	}
	tools := m365.NewGraphTools(m365.GraphConfig{
		BaseURL:      cfg.M365.GraphBaseURL,
		Token:        cfg.M365.Token,
		TenantDomain: cfg.M365.TenantDomain,
		Timeout:      cfg.M365.Timeout,
	}, nil)
	return m365.NewResolver(tools, direct, store, m365.Options{
		RequireConfirmation: cfg.M365.RequireConfirmation,
		FuzzyThreshold:      cfg.M365.FuzzyThreshold,
		TenantDomain:        cfg.M365.TenantDomain,
		Observe: func(intent string, st m365.State) {
			metrics.ObserveResolver(intent, string(st))
		},
	})
}

func wire(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, prompts: prompts.Load(cfg.Insights.PromptsDir)}
	a.direct = newDirect(cfg)
	a.agent = newAgent(cfg)
	a.resolver = newResolver(cfg, a.prompts, a.direct)

	store, err := state.NewStore(state.Config{
		HistoryCap:   cfg.State.HistoryCap,
		LedgerCap:    cfg.State.LedgerCap,
		MaxCustomers: cfg.State.MaxCustomers,
	})
	if err != nil {
		return nil, err
	}
	a.store = store

	snaps, err := state.NewSnapshots[*insights.Snapshot](cfg.State.SnapshotCacheSize)
	if err != nil {
		return nil, err
	}
	a.snapshots = snaps
	return a, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger := setupLogging(cfg)
			defer logger.Close()
			log := logger.WithComponent("main")
			log.Info("starting athena %s", version)

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			if a.direct == nil {
				log.Warn("direct model not configured; widgets fall back to synthetic results")
			}
			if a.resolver == nil {
				log.Warn("m365 token not configured; directory actions are disabled")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
			if cfg.Broadcast.RedisAddr != "" {
				relay, err := broadcast.NewRedisRelay(broadcast.RedisConfig{
					Addr:     cfg.Broadcast.RedisAddr,
					Password: cfg.Broadcast.RedisPassword,
					Channel:  cfg.Broadcast.RedisChannel,
				}, hub)
				if err != nil {
					log.Warn("redis relay disabled: %v", err)
				} else {
					defer relay.Close()
					go func() {
						if err := relay.Run(ctx); err != nil {
							log.Error("redis relay stopped: %v", err)
						}
					}()
				}
			}

			coord, err := insights.New(insights.Config{
				DefaultProvider:   cfg.Insights.DefaultProvider,
				SuppressAutoReply: cfg.Insights.SuppressAutoReply,
			}, insights.Deps{
				Direct:    a.direct,
				Agent:     a.agent,
				Prompts:   a.prompts,
				Store:     a.store,
				Snapshots: a.snapshots,
				Resolver:  a.resolver,
				Publisher: hub,
			})
			if err != nil {
				return err
			}

			srv := server.New(cfg, coord, hub, version)
			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server.port")
	return cmd
}

func executeCmd() *cobra.Command {
	var utterance string
	cmd := &cobra.Command{
		Use:   "execute [action-query]",
		Short: "Run one Microsoft 365 action against the configured tenant",
		Long: `Run one action query through the Microsoft 365 resolver and print the
execution result as JSON. The query may carry an M365_ACTION: payload or
plain text that the license heuristics understand, for example:

  athena execute 'How many Microsoft 365 E5 licenses are available?'
  athena execute 'M365_ACTION: {"intent":"list_subscribed_skus"}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg)
			defer logger.Close()

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			if a.resolver == nil {
				return fmt.Errorf("m365.token is not configured")
			}

			var history conversation.History
			if utterance != "" {
				history = conversation.History{{Role: conversation.RoleCustomer, Content: utterance, Timestamp: time.Now()}}
			}
			query, ok := m365.PrepareQuery(strings.Join(args, " "), history)
			if !ok {
				return fmt.Errorf("query has no executable %s payload", m365.Marker)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ex, err := a.resolver.Execute(ctx, query, history)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ex)
		},
	}
	cmd.Flags().StringVarP(&utterance, "utterance", "u", "", "Customer utterance used for confirmation and extraction")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.LLM.Direct.APIKey = redact(cfg.LLM.Direct.APIKey)
			redacted.M365.Token = redact(cfg.M365.Token)
			redacted.Broadcast.RedisPassword = redact(cfg.Broadcast.RedisPassword)
			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(show, initCmd, validate)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "athena %s (built %s)\n", version, buildTime)
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
