// Valet is a single-user conversational assistant.
//
// It serves a WebSocket session protocol, drives an OpenAI-compatible
// LLM for chat, executes proposed tool calls after explicit user
// confirmation, and delivers durable task reminders over WebSocket,
// email, and MQTT. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	valet serve              Start the WebSocket server
//	valet init [dir]         Initialize a working directory with defaults
//	valet version            Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okeefe/valet-agent/internal/actor"
	"github.com/okeefe/valet-agent/internal/buildinfo"
	"github.com/okeefe/valet-agent/internal/calendar"
	"github.com/okeefe/valet-agent/internal/config"
	"github.com/okeefe/valet-agent/internal/confirm"
	"github.com/okeefe/valet-agent/internal/llm"
	"github.com/okeefe/valet-agent/internal/mailer"
	"github.com/okeefe/valet-agent/internal/notify"
	"github.com/okeefe/valet-agent/internal/pipeline"
	"github.com/okeefe/valet-agent/internal/protocol"
	"github.com/okeefe/valet-agent/internal/store"
	"github.com/okeefe/valet-agent/internal/tools"
	"github.com/okeefe/valet-agent/internal/weather"
	"github.com/okeefe/valet-agent/internal/workflow"
	"github.com/okeefe/valet-agent/internal/ws"
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the valet command. Arguments are
// parsed by hand; the flag package's global state makes run impossible
// to call concurrently from tests, and the surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
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

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		return runInit(stdout, cmdArgs)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q (try: valet -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `valet - single-user conversational assistant

Usage:
  valet serve              Start the WebSocket server
  valet init [dir]         Initialize a working directory with defaults
  valet version            Print version and build information

Flags:
  -config <path>           Explicit config file path
`)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// databases, wires the tool registry and confirmation pipeline into the
// session actor, resumes persisted reminder workflows, and serves
// WebSocket connections until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Valet",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure now that the desired level is known. The initial
	// Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"user", cfg.User.ID,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	// Conversation and task state lives in valet.db; reminder workflow
	// bookkeeping in workflows.db so the two never contend.
	dbPath := filepath.Join(cfg.DataDir, "valet.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	wfPath := filepath.Join(cfg.DataDir, "workflows.db")
	wfStore, err := workflow.OpenStore(wfPath)
	if err != nil {
		return fmt.Errorf("open workflow database %s: %w", wfPath, err)
	}
	defer wfStore.Close()

	loc := cfg.Location()

	// --- Integrations ---
	// Each is optional; the tool registry reports unconfigured ones to
	// the user instead of failing the whole tool batch.
	var weatherClient *weather.Client
	if cfg.Weather.Latitude != 0 || cfg.Weather.Longitude != 0 {
		weatherClient = weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.Latitude, cfg.Weather.Longitude, logger)
		logger.Info("weather integration enabled", "lat", cfg.Weather.Latitude, "lon", cfg.Weather.Longitude)
	}

	var calendarClient *calendar.Client
	if cfg.Calendar.BaseURL != "" {
		calendarClient = calendar.NewClient(cfg.Calendar.BaseURL, cfg.Calendar.Token, logger)
		logger.Info("calendar integration enabled", "url", cfg.Calendar.BaseURL)
	}

	var mail *mailer.Mailer
	if cfg.SMTP.Enabled() {
		mail = mailer.New(cfg.SMTP, logger)
		logger.Info("email integration enabled", "host", cfg.SMTP.Host, "from", cfg.SMTP.From)
	}

	var publisher *notify.Publisher
	if cfg.MQTT.Enabled {
		publisher = notify.New(cfg.MQTT, logger)
		logger.Info("mqtt notifications enabled", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName)
	}

	// --- Chat pipeline ---
	llmClient := llm.NewOpenAIClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second,
		logger,
	)

	registry := tools.NewRegistry(st, cfg.User.ID, cfg.User.Email, loc, weatherClient, calendarClient, mail, logger)
	broker := confirm.NewBroker(logger)
	pipe := pipeline.New(registry, broker, loc, cfg.Confirmation.Timeout(), logger)
	pipe.SetPreExecHook(actor.NewRateLimiter(cfg.RateLimits).Hook())

	// --- Reminder workflow engine ---
	// The notifier fans out across every configured channel; the actor
	// reference is bound after construction because delivery needs the
	// actor and the actor needs the engine as its scheduler.
	notifier := &reminderNotifier{
		mailer:    mail,
		publisher: publisher,
		to:        cfg.User.Email,
		loc:       loc,
		logger:    logger,
	}
	engine := workflow.NewEngine(wfStore, st, notifier, logger)
	registry.SetReminderScheduler(engine)

	act := actor.New(actor.Config{
		UserID:    cfg.User.ID,
		Location:  loc,
		Store:     st,
		LLM:       llmClient,
		Pipeline:  pipe,
		Broker:    broker,
		Scheduler: engine,
		Registry:  registry,
		Logger:    logger,
	})
	notifier.actor = act

	server := ws.NewServer(cfg.Listen.Address, cfg.Listen.Port, act, logger)

	// --- Run ---
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		act.Run(gctx)
		return nil
	})

	if publisher != nil {
		g.Go(func() error {
			return publisher.Start(gctx)
		})
	}

	if err := engine.Start(gctx); err != nil {
		stop()
		g.Wait()
		return err
	}

	g.Go(func() error {
		return server.Start(gctx)
	})

	// Confirmation entries left behind by dead connections are swept
	// periodically so the pending map cannot grow without bound.
	g.Go(func() error {
		interval := time.Duration(cfg.Confirmation.SweepEveryM) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := broker.SweepExpired(2 * cfg.Confirmation.Timeout()); n > 0 {
					logger.Debug("swept stale confirmations", "count", n)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	engine.Wait()
	logger.Info("shutdown complete")
	return err
}

// reminderNotifier fans a reminder out to every configured channel. A
// delivery counts as long as at least one channel accepts it; the
// deterministic delivery id lets the others deduplicate on retry.
type reminderNotifier struct {
	actor     *actor.Actor
	mailer    *mailer.Mailer
	publisher *notify.Publisher
	to        string
	loc       *time.Location
	logger    *slog.Logger
}

func (n *reminderNotifier) Deliver(ctx context.Context, deliveryID string, task *store.Task) error {
	due := time.Now()
	if task.DueDate != nil {
		due = *task.DueDate
	}

	delivered := false

	if n.actor != nil {
		err := n.actor.NotifyReminder(protocol.Reminder{
			DeliveryID: deliveryID,
			TaskID:     task.ID,
			Title:      task.Title,
			DueDate:    due,
		})
		if err != nil {
			n.logger.Debug("websocket reminder not delivered", "delivery_id", deliveryID, "error", err)
		} else {
			delivered = true
		}
	}

	if n.mailer != nil && n.to != "" {
		body := fmt.Sprintf("**%s** is due %s.", task.Title, due.In(n.loc).Format("Monday, Jan 2 at 3:04 PM"))
		if task.Description != "" {
			body += "\n\n" + task.Description
		}
		err := n.mailer.Send(ctx, mailer.ComposeOptions{
			To:        []string{n.to},
			Subject:   "Reminder: " + task.Title,
			Body:      body,
			MessageID: deliveryID + "@valet.local",
		})
		if err != nil {
			n.logger.Warn("email reminder failed", "delivery_id", deliveryID, "error", err)
		} else {
			delivered = true
		}
	}

	if n.publisher != nil {
		err := n.publisher.PublishReminder(ctx, notify.ReminderPayload{
			DeliveryID: deliveryID,
			TaskID:     task.ID,
			Title:      task.Title,
			DueDate:    due,
		})
		if err != nil {
			n.logger.Warn("mqtt reminder failed", "delivery_id", deliveryID, "error", err)
		} else {
			delivered = true
		}
	}

	if !delivered {
		return fmt.Errorf("no channel accepted reminder %s", deliveryID)
	}
	return nil
}

// runInit handles the "valet init" subcommand: writes a starter config
// into dir (default ".") without overwriting an existing one.
func runInit(stdout io.Writer, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", cfgPath)
	}

	if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0644); err != nil {
		return fmt.Errorf("write %s: %w", cfgPath, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", cfgPath)
	fmt.Fprintln(stdout, "Edit user.id and llm.api_key, then run: valet serve")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

const defaultConfigYAML = `# Valet configuration.
# Environment variables are expanded, e.g. api_key: ${OPENAI_API_KEY}

listen:
  address: ""        # all interfaces
  port: 8080

user:
  id: ""             # required
  timezone: "UTC"    # IANA name, e.g. America/New_York
  email: ""          # reminder delivery address

llm:
  base_url: ""       # empty = api.openai.com
  api_key: ${OPENAI_API_KEY}
  model: gpt-4o-mini
  timeout_sec: 60

# Optional integrations. Leave unset to disable.

smtp:
  host: ""
  port: 465
  username: ""
  password: ""
  from: ""
  starttls: false    # true for port 587 style

mqtt:
  enabled: false
  broker: ""         # mqtt://host:1883 or mqtts://host:8883
  username: ""
  password: ""
  device_name: valet

weather:
  latitude: 0
  longitude: 0

calendar:
  base_url: ""
  token: ""

confirmation:
  timeout_sec: 60
  sweep_every_m: 5

rate_limits:
  weather: 10
  email: 10
  calendar: 10

data_dir: data
log_level: info
`
