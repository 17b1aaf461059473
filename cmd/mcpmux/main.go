// ABOUTME: Entry point for the mcpmux tool-server multiplexer
// ABOUTME: Manages connections to MCP servers and dispatches tool calls

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcpmux/internal/config"
	"github.com/2389/mcpmux/internal/manager"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __  _ __ ___  _   ___  __
| '_ ' _ \ / __| '_ \| '_ ' _ \| | | \ \/ /
| | | | | | (__| |_) | | | | | | |_| |>  <
|_| |_| |_|\___| .__/|_| |_| |_|\__,_/_/\_\
               |_|
`

// getConfigPath returns the path to the mcpmux config file.
// Priority: MCPMUX_CONFIG env var > ./mcpmux.yaml > XDG_CONFIG_HOME/mcpmux/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCPMUX_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("mcpmux.yaml"); err == nil {
		return "mcpmux.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mcpmux.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcpmux", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpmux <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Connect to all servers and keep them healthy")
		fmt.Println("  status                     Show each server's connection health")
		fmt.Println("  tools                      List tools across all servers")
		fmt.Println("  call <server> <tool> [json]  Invoke a tool with JSON arguments")
		fmt.Println("  ping <server>              Probe one server's liveness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx)
	case "tools":
		err = runTools(ctx)
	case "call":
		err = runCall(ctx)
	case "ping":
		err = runPing(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Servers: %d\n", len(cfg.Servers))
	fmt.Println()

	logger.Info("starting mcpmux",
		"config", configPath,
		"servers", len(cfg.Servers),
	)

	m := newManager(cfg, logger)
	defer m.Shutdown()

	connectAll(ctx, m, cfg, logger)
	if ctx.Err() != nil {
		return nil
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runStatus(ctx context.Context) error {
	m, cfg, err := startFromConfig(ctx)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	for _, sc := range cfg.Servers {
		health := m.ServerHealth(sc.ID)
		var paint *color.Color
		switch health {
		case manager.HealthHealthy:
			paint = green
		case manager.HealthUnhealthy:
			paint = yellow
		default:
			paint = red
		}

		paint.Printf("  %-14s", health.String())
		fmt.Printf("%s", sc.ID)
		if info, err := m.ServerInfo(sc.ID); err == nil && info.Name != "" {
			fmt.Printf("  (%s %s)", info.Name, info.Version)
		}
		fmt.Println()
	}
	return nil
}

func runTools(ctx context.Context) error {
	m, cfg, err := startFromConfig(ctx)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	for _, sc := range cfg.Servers {
		tools, stale, err := m.ListTools(sc.ID)
		if err != nil {
			continue
		}

		cyan.Printf("%s", sc.ID)
		if stale {
			gray.Print(" (stale)")
		}
		fmt.Println()
		for _, t := range tools {
			fmt.Printf("  %-24s", t.Name)
			gray.Println(t.Description)
		}
	}
	return nil
}

func runCall(ctx context.Context) error {
	args := os.Args[2:]
	if len(args) < 2 {
		return fmt.Errorf("usage: mcpmux call <server> <tool> [json-args]")
	}
	serverID, tool := args[0], args[1]

	rawArgs := json.RawMessage(`{}`)
	if len(args) > 2 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("arguments must be valid JSON")
		}
		rawArgs = json.RawMessage(args[2])
	}

	m, _, err := startFromConfig(ctx, serverID)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	result, err := m.CallTool(ctx, serverID, tool, rawArgs)
	if err != nil {
		if result != nil {
			// Tool-level failure still carries diagnostic content
			for _, c := range result.Content {
				fmt.Fprintln(os.Stderr, c.Text)
			}
		}
		return err
	}

	for _, c := range result.Content {
		fmt.Println(c.Text)
	}
	return nil
}

func runPing(ctx context.Context) error {
	args := os.Args[2:]
	if len(args) < 1 {
		return fmt.Errorf("usage: mcpmux ping <server>")
	}
	serverID := args[0]

	m, _, err := startFromConfig(ctx, serverID)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	start := time.Now()
	if err := m.Ping(ctx, serverID); err != nil {
		return fmt.Errorf("ping %s: %w", serverID, err)
	}
	fmt.Printf("%s: ok (%s)\n", serverID, time.Since(start).Round(time.Millisecond))
	return nil
}

// startFromConfig loads the config, builds a manager, and connects the named
// servers (all of them when none are named). At least one connection must
// succeed.
func startFromConfig(ctx context.Context, only ...string) (*manager.Manager, *config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	if len(only) > 0 {
		var filtered []config.ServerConfig
		for _, sc := range cfg.Servers {
			for _, id := range only {
				if sc.ID == id {
					filtered = append(filtered, sc)
				}
			}
		}
		if len(filtered) == 0 {
			return nil, nil, fmt.Errorf("no configured server matches %s", strings.Join(only, ", "))
		}
		cfg.Servers = filtered
	}

	m := newManager(cfg, logger)
	if connectAll(ctx, m, cfg, logger) == 0 {
		m.Shutdown()
		return nil, nil, fmt.Errorf("no servers reachable")
	}
	return m, cfg, nil
}

// connectAll dials every configured server concurrently and returns how many
// reached Ready. Individual failures are logged, not fatal.
func connectAll(ctx context.Context, m *manager.Manager, cfg *config.Config, logger *slog.Logger) int {
	var wg sync.WaitGroup
	results := make([]bool, len(cfg.Servers))

	for i, sc := range cfg.Servers {
		desc, err := sc.Descriptor()
		if err != nil {
			logger.Error("invalid server entry", "server_id", sc.ID, "error", err)
			continue
		}

		wg.Add(1)
		go func(i int, sc config.ServerConfig) {
			defer wg.Done()
			err := m.Connect(ctx, manager.ServerConfig{
				ID:        sc.ID,
				Name:      sc.Name,
				Transport: desc,
			})
			if err != nil {
				logger.Error("server connect failed", "server_id", sc.ID, "error", err)
				return
			}
			results[i] = true
		}(i, sc)
	}
	wg.Wait()

	connected := 0
	for _, ok := range results {
		if ok {
			connected++
		}
	}
	return connected
}

func newManager(cfg *config.Config, logger *slog.Logger) *manager.Manager {
	opts := manager.Options{
		Logger:           logger,
		CallTimeout:      cfg.Client.CallTimeout,
		ProbeInterval:    cfg.Health.ProbeInterval,
		DegradedInterval: cfg.Health.DegradedInterval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		MissThreshold:    cfg.Health.MissThreshold,
		FailThreshold:    cfg.Health.FailThreshold,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		BaseBackoff:      cfg.Reconnect.BaseBackoff,
		MaxBackoff:       cfg.Reconnect.MaxBackoff,
	}
	if cfg.Client.Name != "" {
		opts.ClientInfo.Name = cfg.Client.Name
		opts.ClientInfo.Version = cfg.Client.Version
	}
	return manager.New(opts)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
