package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emberhost/ember/internal/agent"
	"github.com/emberhost/ember/internal/config"
	"github.com/emberhost/ember/internal/gateway"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/logging"
	"github.com/emberhost/ember/internal/store"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session gateway",
	Long: `Start the WebSocket gateway and HTTP API.

Clients connect to /ws with a mandatory X-Device-ID header; the
composite of user and device identity selects the session. Reconnects
pass ?after_seq=N to replay missed events.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(parent context.Context) error {
	logger := logging.Get()

	repo, err := openRepository(cfg.Store)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	agentCfg := agent.Config{
		Model:        cfg.Agent.Model,
		MaxTokens:    cfg.Agent.MaxTokens,
		MaxTurns:     cfg.Agent.MaxTurns,
		TokenBudget:  cfg.Agent.TokenBudget,
		SystemPrompt: cfg.Agent.SystemPrompt,
	}
	client := llm.NewAnthropicClient(cfg.Agent.APIKey, logger)
	manager := agent.NewManager(repo, client, agentCfg, cfg.Workspace, logging.Session())

	var auth gateway.Authenticator
	if len(cfg.Server.AuthTokens) > 0 {
		auth = gateway.NewTokenAuthenticator(cfg.Server.AuthTokens)
	}
	connCfg := gateway.DefaultConnConfig()
	connCfg.AllowedOrigins = cfg.Server.AllowedOrigins

	srv := gateway.New(gateway.Options{
		Addr:          cfg.Server.Addr(),
		Manager:       manager,
		Repo:          repo,
		LLMClient:     client,
		AgentCfg:      agentCfg,
		Auth:          auth,
		ConnCfg:       connCfg,
		Logger:        logging.Gateway(),
		RatePerSecond: cfg.Server.RatePerSecond,
		RateBurst:     cfg.Server.RateBurst,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			// No config directory to watch; run without hot reload.
			<-ctx.Done()
			return nil
		}
		return config.Watch(ctx, path, logger)
	})
	return g.Wait()
}

func openRepository(sc config.StoreConfig) (store.Repository, error) {
	switch sc.Backend {
	case "file":
		return store.NewFileStore(sc.Path)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return store.NewSQLiteStore(sc.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}
