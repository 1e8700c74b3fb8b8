package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gomodule/redigo/redis"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kalambet/worklog/internal/analysis"
	"github.com/kalambet/worklog/internal/api"
	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/cachedb"
	"github.com/kalambet/worklog/internal/config"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/export"
	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/journal"
	"github.com/kalambet/worklog/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worklog API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running worklog server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worklog server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "worklog.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// openCache returns the Redis cache when an address is configured and the
// disabled cache otherwise. The pool is nil when caching is off.
func openCache(ctx context.Context, cfg config.Config) (cache.Cache, *redis.Pool) {
	ns := cache.NamespaceFor(cfg.Env)
	if cfg.Redis.Addr == "" {
		slog.Info("redis not configured, caching disabled")
		return cache.Disabled{NS: ns}, nil
	}
	pool := cache.NewPool(cache.PoolOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c := cache.NewRedis(pool, ns)
	if err := c.Ping(ctx); err != nil {
		// Reads fall through to the database until redis comes back.
		slog.Warn("redis not reachable", "addr", cfg.Redis.Addr, "error", err)
	}
	return c, pool
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "worklog version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// MCP owns stdout, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + cfg.Addr() + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("worklog is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening %s storage", cfg.Storage.Driver)
	db := dbconn.New(func(context.Context) (*storage.Store, error) {
		return storage.Open(storage.Options{
			Driver:  cfg.Storage.Driver,
			DataDir: cfg.Storage.DataDir,
			DSN:     cfg.Storage.DSN,
		})
	}, dbconn.Options{MaxRetries: cfg.DB.MaxRetries, Logger: logger})
	if _, err := db.Connect(ctx); err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	c, pool := openCache(ctx, cfg)
	if pool != nil {
		defer pool.Close()
	}

	layer := cachedb.New(db, c, logger)
	completer := analysis.NewOpenAI(analysis.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	analyzer := analysis.New(layer, completer, logger)
	queue := jobs.New(analyzer, c, jobs.Config{
		PollInterval:     cfg.Queue.PollInterval,
		ChunkDelay:       cfg.Queue.ChunkDelay,
		DefaultBatchSize: cfg.Queue.BatchSize,
		Logger:           logger,
	})
	svc := journal.New(layer, queue, logger)

	handler := api.NewHandler(api.Deps{
		Journal: svc,
		Export:  export.New(db, logger),
		Queue:   queue,
		DB:      db,
		Token:   cfg.Server.APIToken,
		Logger:  logger,
	})
	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured, routes are open", "env", cfg.Env)
	}

	top := chi.NewRouter()
	top.Handle("/metrics", promhttp.Handler())
	top.Mount("/", handler)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           top,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Journal: svc, Queue: queue}))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worklog listening", "addr", cfg.Addr(), "env", cfg.Env, "driver", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	// In-flight analysis finishes before storage closes.
	return queue.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("worklog is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop worklog (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to worklog (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status     string        `json:"status"`
	Database   dbconn.Health `json:"database"`
	Connection dbconn.Stats  `json:"connection"`
	Queue      jobs.Stats    `json:"queue"`
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		// An unhealthy server still answers with the full report.
		var h healthReport
		err := json.NewDecoder(resp.Body).Decode(&h)
		resp.Body.Close()
		switch {
		case err != nil:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		default:
			printStatus("Server", "running on %s", cfg.Addr())
			if h.Status == "healthy" {
				printStatus("Database", "%s", colorize(colorGreen, h.Status))
			} else {
				printStatus("Database", "%s %s", colorize(colorRed, h.Status), h.Database.Error)
			}
			printStatus("Connection", "connected=%t retries=%d", h.Connection.Connected, h.Connection.RetryCount)
			printStatus("Queue", "%d pending, %d processing", h.Queue.Pending, h.Queue.Processing)
		}
	}

	printStatus("Environment", "%s", cfg.Env)
	printStatus("Storage", "%s", cfg.Storage.Driver)
	if cfg.Redis.Addr != "" {
		printStatus("Redis", "%s", cfg.Redis.Addr)
	} else {
		printStatus("Redis", "disabled")
	}
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
