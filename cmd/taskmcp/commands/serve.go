package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskmcp/taskmcp/internal/archive"
	"github.com/taskmcp/taskmcp/internal/audit"
	"github.com/taskmcp/taskmcp/internal/config"
	"github.com/taskmcp/taskmcp/internal/health"
	"github.com/taskmcp/taskmcp/internal/mcp"
	"github.com/taskmcp/taskmcp/internal/sandbox"
	"github.com/taskmcp/taskmcp/internal/scavenger"
	"github.com/taskmcp/taskmcp/internal/scheduler"
	"github.com/taskmcp/taskmcp/internal/security"
	"github.com/taskmcp/taskmcp/internal/templater"
	"github.com/taskmcp/taskmcp/internal/testrunner"
	"github.com/taskmcp/taskmcp/internal/tools/change"
	"github.com/taskmcp/taskmcp/internal/vcs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server (stdio or HTTP, per config)",
	RunE:  runServe,
}

// owner identifies this process as a lock holder: hostname, pid, and a
// short random suffix so two instances on the same host never collide.
func owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Log)

	sb, err := sandbox.New(cfg.Repository.WorkingDirectory)
	if err != nil {
		return fmt.Errorf("resolving repository: %w", err)
	}

	processOwner := owner()

	taskMcpVersion := os.Getenv("TASK_MCP_VERSION")
	if taskMcpVersion == "" {
		taskMcpVersion = "dev"
	}

	registry := mcp.NewRegistry()
	registry.Register(change.NewOpenTool(sb, templater.DefaultCreator{}, processOwner))
	registry.Register(change.NewArchiveTool(&archive.Engine{
		Sandbox: sb,
		VCS:     vcs.GitProber{},
		TestRunner: testrunner.Runner{
			Command: strings.Fields(cfg.Repository.TestCommand),
		},
		Versions: archive.Versions{TaskMcp: taskMcpVersion, CLI: commit},
		Owner:    processOwner,
	}))
	registry.Register(change.NewListTool(sb))
	registry.RegisterResourceProvider(change.NewResourceProvider(sb))

	server := mcp.NewServer(registry, mcp.ServerInfo{Name: cfg.Server.Name, Version: cfg.Server.Version}, logger).
		WithMaxInFlight(cfg.Server.MaxInFlight)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.NewScheduler(logger)
	if cfg.Scavenger.Enabled {
		sched.AddJob(scavenger.Job{OpenspecRoot: sb.OpenspecRoot(), Logger: logger},
			time.Duration(cfg.Scavenger.IntervalMinutes)*time.Minute)
	}
	sched.Start(ctx)
	defer sched.Stop()

	switch cfg.Transport.Mode {
	case "http":
		return runHTTP(ctx, cfg, server, sb, logger)
	default:
		logger.Info("starting stdio transport")
		return server.Run(ctx)
	}
}

func runHTTP(ctx context.Context, cfg *config.Config, server *mcp.Server, sb *sandbox.Sandbox, logger *slog.Logger) error {
	var auth *security.Authenticator
	var adminAuth *security.Authenticator
	var limiter *security.RateLimiter
	if len(cfg.Security.Tokens) > 0 {
		auth = security.NewAuthenticator(security.StaticTokens(cfg.Security.Tokens))
	}
	if len(cfg.Security.AdminTokens) > 0 {
		adminAuth = security.NewAuthenticator(security.StaticTokens(cfg.Security.AdminTokens))
	}
	if cfg.Security.RateLimitRPS > 0 {
		limiter = security.NewRateLimiter(float64(cfg.Security.RateLimitRPS), cfg.Security.RateLimitMax)
	}
	metrics := security.NewMetrics(prometheus.DefaultRegisterer)

	const registeredToolCount = 3 // change.open, change.archive, change.list
	health := health.New(sb.OpenspecRoot(), func() int { return registeredToolCount })

	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.New(audit.Config{
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		defer auditLogger.Close()
	}

	httpServer := mcp.NewHTTPServer(server, logger, mcp.Options{
		CORSOrigins: strings.Split(cfg.Transport.CORSOrigins, ","),
		Auth:        auth,
		AdminAuth:   adminAuth,
		Limiter:     limiter,
		Metrics:     metrics,
		Health:      health,
		Audit:       auditLogger,
		MaxInFlight: cfg.Server.HTTPMaxInFlight,
	})

	addr := cfg.Transport.Host + ":" + cfg.Transport.Port
	srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting http transport", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.Path != "" {
		out = &lumberjack.Logger{Filename: cfg.Path, MaxSize: 50, MaxBackups: 5, MaxAge: 30, Compress: true}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
