// Hearth is a companion chatbot that talks over Signal.
//
// It receives messages through signal-cli's JSON-RPC mode, answers them
// with a configurable personality backed by an OpenAI-compatible
// endpoint, fires scheduled reminders, and greets idle conversations.
// An optional status API and MQTT publisher expose its state.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve                 Connect to Signal and start answering
//	hearth personalities         List configured personalities
//	hearth version               Print version and build information
//	hearth -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hearth/internal/api"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/companion"
	"github.com/nugget/hearth/internal/config"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/greeting"
	"github.com/nugget/hearth/internal/llm"
	"github.com/nugget/hearth/internal/mqtt"
	"github.com/nugget/hearth/internal/personality"
	"github.com/nugget/hearth/internal/reminder"
	"github.com/nugget/hearth/internal/session"
	sigcli "github.com/nugget/hearth/internal/signal"
	"github.com/nugget/hearth/internal/usage"
)

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the hearth command. Arguments are
// parsed by hand so run can be called concurrently from tests without
// the flag package's globals. Structured logs go to stdout.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unsupported output format %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "personalities":
		return runPersonalities(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Signal companion bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Connect to Signal and start answering")
	fmt.Fprintln(w, "  personalities  List configured personalities")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// personalityInfo is one row of "hearth personalities" output.
type personalityInfo struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Endpoint    string  `json:"endpoint"`
	Default     bool    `json:"default"`
}

// runPersonalities loads the config and lists the personality registry.
func runPersonalities(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	reg := personality.NewRegistry(cfg.Personalities, cfg.DefaultPersonality)

	var rows []personalityInfo
	for _, name := range reg.Names() {
		p := reg.Resolve(name)
		rows = append(rows, personalityInfo{
			Name:        p.Name,
			Model:       p.Model,
			Temperature: p.Temperature,
			Endpoint:    p.Endpoint,
			Default:     name == reg.DefaultName(),
		})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		marker := " "
		if r.Default {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-24s %-32s %.2f\n", marker, r.Name, r.Model, r.Temperature)
	}
	return nil
}

// runServe wires every component and blocks until ctx is canceled, a
// termination signal arrives, or signal-cli exits.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Signal.Configured() && len(cfg.Signal.Args) == 0 {
		return errors.New("signal.account is required to serve")
	}

	// Level and format were validated by loadConfig.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"personalities", len(cfg.Personalities),
		"default_personality", cfg.DefaultPersonality,
		"allowed_senders", len(cfg.AllowedSenders),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := session.NewStore()
	registry := personality.NewRegistry(cfg.Personalities, cfg.DefaultPersonality)
	bus := events.New()

	// --- Generation backend and usage ledger ---
	backend := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.Backend.APIKey,
		SiteURL: cfg.Backend.SiteURL,
		AppName: cfg.Backend.AppName,
		Timeout: cfg.Backend.Timeout(),
	}, logger)

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	ledger, err := usage.NewStore(usagePath)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer ledger.Close()
	logger.Info("usage ledger opened", "path", usagePath)

	gen := usage.NewRecorder(backend, ledger, bus, logger)

	// --- Signal transport ---
	client := sigcli.NewClient(cfg.Signal.Command, cfg.Signal.CommandArgs(), logger)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}
	defer client.Close()

	// Dependency health for /health and the event stream.
	connMgr := connwatch.NewManager(bus, logger)
	connMgr.Watch(ctx, "signal-cli", client.Ping, connwatch.DefaultBackoffConfig())

	bridge := sigcli.NewBridge(sigcli.BridgeConfig{
		Client:         client,
		Bus:            bus,
		Logger:         logger,
		AllowedSenders: cfg.AllowedSenders,
	})

	// --- Schedulers ---
	sched := cfg.Scheduler
	greetings := greeting.New(greeting.Config{
		Store:         store,
		Registry:      registry,
		Generator:     gen,
		Sender:        bridge,
		Bus:           bus,
		Logger:        logger,
		CheckInterval: seconds(sched.GreetingCheckSec),
		IdleThreshold: seconds(sched.GreetingIdleSec),
		CooldownMin:   seconds(sched.GreetingCooldownMinSec),
		CooldownMax:   seconds(sched.GreetingCooldownMaxSec),
		CallTimeout:   cfg.Backend.Timeout(),
	})
	defer greetings.Stop()

	reminders := reminder.New(reminder.Config{
		Store:       store,
		Registry:    registry,
		Generator:   gen,
		Sender:      bridge,
		Bus:         bus,
		Logger:      logger,
		Interval:    seconds(sched.ReminderIntervalSec),
		CallTimeout: cfg.Backend.Timeout(),
	})
	reminders.Start(ctx)
	defer reminders.Stop()

	engine := companion.New(companion.Config{
		Store:       store,
		Registry:    registry,
		Generator:   gen,
		Greeter:     greetings,
		Bus:         bus,
		Logger:      logger,
		CallTimeout: cfg.Backend.Timeout(),
	})
	bridge.SetHandler(engine)

	// --- Status API ---
	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(api.Config{
			Address:   cfg.Listen.Address,
			Port:      cfg.Listen.Port,
			Store:     store,
			Usage:     ledger,
			Bus:       bus,
			Greetings: greetings,
			Health:    connMgr,
			Logger:    logger,
		})
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API server failed", "error", err)
			}
		}()
	} else {
		logger.Info("status API disabled (listen.port is 0)")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		dailyTokens := mqtt.NewDailyTokens(nil)
		go dailyTokens.Watch(ctx, bus)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, dailyTokens, &mqttStatsAdapter{
			store:     store,
			reminders: reminders,
			greetings: greetings,
		}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, "mqtt", func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return mqttPub.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoffConfig())

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// Run blocks until ctx ends or signal-cli goes away.
	bridge.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	} else {
		logger.Warn("signal-cli stopped, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}

	logger.Info("Hearth stopped")
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration file.
// If explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter feeds the MQTT publisher's [mqtt.StatsSource] from
// the session store and the two schedulers.
type mqttStatsAdapter struct {
	store     *session.Store
	reminders *reminder.Scheduler
	greetings *greeting.Manager
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Sessions() int         { return a.store.Stats().Sessions }
func (a *mqttStatsAdapter) PendingReminders() int { return a.reminders.Pending() }
func (a *mqttStatsAdapter) GreetingTasks() int    { return len(a.greetings.Active()) }
