package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kink2001crypto/aether-relay/internal/ai"
	"github.com/kink2001crypto/aether-relay/internal/cache"
	"github.com/kink2001crypto/aether-relay/internal/config"
	"github.com/kink2001crypto/aether-relay/internal/httpapi"
	"github.com/kink2001crypto/aether-relay/internal/logging"
	"github.com/kink2001crypto/aether-relay/internal/polling"
	"github.com/kink2001crypto/aether-relay/internal/relay"
	"github.com/kink2001crypto/aether-relay/internal/server"
	"github.com/kink2001crypto/aether-relay/internal/session"
	"github.com/kink2001crypto/aether-relay/internal/storage"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

var (
	// Global flags
	configPath string
	verbose    bool

	// Serve flags
	addr    string
	dataDir string

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "aether-relay",
	Short: "Relay between the Aether mobile app and editor extensions",
	Long: `aether-relay keeps the projects open in connected editors, relays commands
from the mobile app to the editor (apply code, terminal, git, delete), answers
file queries from its cache and runs assistant chats with project context.

Live clients connect over WebSocket at /ws; clients that cannot hold a
connection poll /api/events. The same cache is exposed as MCP tools.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		logger, err = logging.New(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: WebSocket channel, polling API and MCP endpoint",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the project cache as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write the effective configuration to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the SQLite database (or set AETHER_DATA_DIR)")

	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (or set AETHER_ADDR / PORT)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configInitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openCache opens the store and loads the persisted projects into a cache.
func openCache(ctx context.Context) (*storage.Store, *cache.Cache, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	c := cache.New(store, cache.WithLogger(logger))
	if err := c.Load(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	return store, c, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	buffer := polling.NewBuffer(cfg.Polling.Capacity, cfg.GetPollingTTL())
	bridge := ai.NewBridge(ai.Config{
		DefaultModel: cfg.AI.DefaultModel,
		MaxTokens:    cfg.AI.MaxTokens,
		Keys:         cfg.APIKeys(),
	}, logger,
		ai.NewGeminiProvider(cfg.AI.GeminiBaseURL),
		ai.NewAnthropicProvider(),
	)
	rl := relay.New(relay.NewHub(buffer, logger), c, store, bridge, relay.Options{
		MaxContextFiles: cfg.AI.MaxContextFiles,
		HistoryTurns:    cfg.AI.HistoryTurns,
		ChatTimeout:     cfg.GetAITimeout(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger)

	mcpServer := server.New(server.Deps{Cache: c, History: store, Relay: rl, Version: version})
	api := httpapi.NewServer(httpapi.Deps{
		Cache:    c,
		Relay:    rl,
		Buffer:   buffer,
		Sessions: session.New(),
		MCP: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Version: version,
		Logger:  logger,
	})

	// No WriteTimeout: /ws and the MCP stream are long-lived.
	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Handler(),
		ReadTimeout: cfg.GetReadTimeout(),
		IdleTimeout: cfg.GetIdleTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("data_dir", cfg.Storage.DataDir),
			zap.Int("projects", c.Count()),
			zap.String("version", version),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		rl.Close()
		return err
	})
	return g.Wait()
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, c, err := openCache(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(server.Deps{Cache: c, History: store, Version: version})
	logger.Info("MCP server starting (stdio)", zap.Int("projects", c.Count()))
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
