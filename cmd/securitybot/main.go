// Command securitybot runs the conversational security-triage service:
// it polls a task store for new detection alerts, walks each affected user
// through a chat-based confirm/authorize/escalate conversation, and reports
// anything that can't be resolved automatically.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dropbox/securitybot/internal/audit"
	"github.com/dropbox/securitybot/internal/auth"
	"github.com/dropbox/securitybot/internal/chat"
	"github.com/dropbox/securitybot/internal/config"
	"github.com/dropbox/securitybot/internal/coordinator"
	"github.com/dropbox/securitybot/internal/cron"
	"github.com/dropbox/securitybot/internal/store"
	"github.com/dropbox/securitybot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -config <path>       Path to the root YAML configuration (required)
  %s -home <dir>          Data/log directory (default: ./securitybot-home)
  %s -log-level <level>   debug|info|warn|error (default: info)
  %s -version             Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the root configuration file")
	homeDir := flag.String("home", "securitybot-home", "data/log directory")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_MKDIR", err)
	}

	if err := audit.Init(filepath.Join(*homeDir, "logs")); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(*homeDir, *logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}
	messages, err := config.LoadMessages(cfg.MessagesPath)
	if err != nil {
		fatalStartup(logger, "E_MESSAGES_LOAD", err)
	}
	commands, err := config.LoadCommands(cfg.CommandsPath)
	if err != nil {
		fatalStartup(logger, "E_COMMANDS_LOAD", err)
	}
	logger.Info("startup phase", "phase", "config_loaded")

	otelProvider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:     os.Getenv("SECURITYBOT_TELEMETRY") == "1",
		Exporter:    "stdout",
		ServiceName: "securitybot",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	dbPath := cfg.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(*homeDir, dbPath)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	blacklist, err := st.NewBlacklist(ctx)
	if err != nil {
		fatalStartup(logger, "E_BLACKLIST_LOAD", err)
	}

	tg, err := chat.NewTelegram(cfg.Telegram.Token, cfg.Roster(), logger)
	if err != nil {
		fatalStartup(logger, "E_CHAT_INIT", err)
	}
	defer tg.Close()

	authBuilder := auth.NewPushBuilder(auth.PushConfig{
		BaseURL:        cfg.Auth.BaseURL,
		IntegrationKey: cfg.Auth.IntegrationKey,
		SecretKey:      cfg.Auth.SecretKey,
		Timeout:        10 * time.Second,
		Logger:         logger,
	})

	coord := coordinator.New(coordinator.Config{
		Chat:             tg,
		Tasks:            st,
		Suppression:      st,
		Blacklist:        blacklist,
		AuthBuilder:      authBuilder,
		Messages:         messages,
		Commands:         commands,
		IconURL:          cfg.IconURL,
		ReportingChannel: cfg.ReportingChannel,
		Logger:           logger,
		Metrics:          metrics,
	})

	if err := coord.Bootstrap(ctx); err != nil {
		fatalStartup(logger, "E_BOOTSTRAP", err)
	}
	logger.Info("startup phase", "phase", "bootstrap_complete")

	watcher := config.NewWatcher([]string{cfg.MessagesPath, cfg.CommandsPath}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, continuing without hot-reload", "error", err)
	}
	go watchConfigReloads(ctx, watcher, cfg, coord, logger)

	poller := cron.NewPoller(st, coord.AdmitTasks, logger)
	if err := poller.Start(ctx); err != nil {
		fatalStartup(logger, "E_POLLER_START", err)
	}
	defer poller.Stop()

	logger.Info("securitybot started", "version", Version)
	coord.Run(ctx)
	logger.Info("securitybot shutting down")
}

// watchConfigReloads mirrors the teacher's confWatcher goroutine: a
// reloaded file is validated, then swapped directly into the running
// Coordinator rather than requiring a restart. An invalid reload is
// logged and the previous, already-validated version keeps running.
func watchConfigReloads(ctx context.Context, w *config.Watcher, cfg *config.Config, coord *coordinator.Coordinator, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Path {
			case cfg.MessagesPath:
				messages, err := config.LoadMessages(cfg.MessagesPath)
				if err != nil {
					logger.Error("config: reloaded messages file is invalid, keeping previous version", "error", err)
					continue
				}
				coord.SetMessages(messages)
				logger.Info("config: messages reloaded and applied")
			case cfg.CommandsPath:
				commands, err := config.LoadCommands(cfg.CommandsPath)
				if err != nil {
					logger.Error("config: reloaded commands file is invalid, keeping previous version", "error", err)
					continue
				}
				coord.SetCommands(commands)
				logger.Info("config: commands reloaded and applied")
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.KindInvariant, "", fmt.Sprintf("%s: %s", reasonCode, message))

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
