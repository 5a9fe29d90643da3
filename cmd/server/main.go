// relay is the streaming server: it runs agent turns asynchronously
// and delivers their events over resumable SSE connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fathomlabs/relay/internal/agent"
	"github.com/fathomlabs/relay/internal/api"
	"github.com/fathomlabs/relay/internal/config"
	"github.com/fathomlabs/relay/internal/conversation"
	"github.com/fathomlabs/relay/internal/execution"
	"github.com/fathomlabs/relay/internal/logger"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "--version", "-v":
			fmt.Printf("relay %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`Relay %s - Resumable Agent Execution Streaming

Usage: relay [command] [options]

Commands:
  (default)    Start the relay server
  init         Initialize the relay directory structure

Server Options:
  --dir <path>    Relay home directory
  --addr <addr>   Listen address (overrides config)

Config Precedence:
  1. --dir flag
  2. RELAY_HOME env var
  3. ./.relay (if initialized in current directory)
  4. ~/.relay (default)

Examples:
  relay                          Start the server (auto-detect config)
  relay --dir /path/to/relay     Start with a specific home directory
  relay init                     Set up ~/.relay
  relay init --dir .             Set up in the current directory
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Relay home directory (default: ~/.relay)")
	addrFlag := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relay %s\n", Version)
		os.Exit(0)
	}

	relayDir := resolveRelayDir(*dirFlag)
	dataDir := filepath.Join(relayDir, "data")
	configDir := filepath.Join(relayDir, "config")

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	addr := cfg.Server.Address
	if *addrFlag != "" {
		addr = *addrFlag
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("📡 Relay - Resumable Agent Execution Streaming")
	logger.Println("")

	store, err := conversation.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open conversation store: %v", err)
	}
	defer func() { _ = store.Close() }()
	logger.Printf("💾 Conversation database: %s/conversations.db", dataDir)

	janitor, err := conversation.NewJanitor(store, cfg.History.PruneSchedule, cfg.HistoryRetention())
	if err != nil {
		logger.Fatalf("Failed to configure history janitor: %v", err)
	}
	janitor.Start()
	logger.Printf("🧹 History prune schedule: %q (retention %dd)", cfg.History.PruneSchedule, cfg.History.RetentionDays)

	registry := execution.NewRegistry(cfg.Retention())

	runtime := &agent.ScriptedRuntime{Delay: 200 * time.Millisecond}
	logger.Printf("🤖 Producer runtime: %s", runtime.Name())

	manager := execution.NewManager(registry, runtime, store, cfg.Execution.PersistPartialOnCancel)

	server := api.NewServer(manager, store, api.Config{
		TickInterval: cfg.TickInterval(),
		Window:       cfg.Window(),
		RateLimit:    cfg.RateLimit.RequestsPerSecond,
		RateBurst:    cfg.RateLimit.Burst,
	})

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(addr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Println("   Stopping HTTP server...")
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("⚠️  Shutdown error: %v", err)
		}

		logger.Println("   Stopping history janitor...")
		janitor.Stop()

		logger.Println("   Stopping execution registry...")
		registry.Close()

		logger.Println("   Closing conversation database...")
		_ = store.Close()

		logger.Println("✅ Shutdown complete")
	}
}

// resolveRelayDir determines the relay home directory with precedence:
// --dir flag, RELAY_HOME, ./.relay (if initialized), ~/.relay
func resolveRelayDir(dirFlag string) string {
	if dirFlag != "" {
		abs, err := filepath.Abs(dirFlag)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return abs
	}

	if env := os.Getenv("RELAY_HOME"); env != "" {
		return env
	}

	if local, err := filepath.Abs(".relay"); err == nil {
		if _, err := os.Stat(filepath.Join(local, "config", "relay.jsonc")); err == nil {
			return local
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Could not determine home directory: %v", err)
	}
	return filepath.Join(homeDir, ".relay")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.relay)")
	_ = fs.Parse(os.Args[2:])

	var relayDir string
	if *dirFlag != "" {
		abs, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		relayDir = abs
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		relayDir = filepath.Join(homeDir, ".relay")
	}

	configDir := filepath.Join(relayDir, "config")
	dataDir := filepath.Join(relayDir, "data")

	configFile := filepath.Join(configDir, "relay.jsonc")
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("⚠️  %s is already initialized.\n", relayDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("📡 Initializing Relay")
	fmt.Println("")

	dirs := []string{
		configDir,
		filepath.Join(dataDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	defaultConfig := `{
  // Relay Configuration

  "server": {
    "address": ":8080"
  },

  "stream": {
    // Tick interval for stream session polling
    "tick_ms": 100,
    // Window after which a connection is handed off for reconnect
    "window_seconds": 50
  },

  "execution": {
    // How long completed executions stay readable for reconnects
    "retention_minutes": 10,
    // Persist a cancelled turn's partial assistant text
    "persist_partial_on_cancel": false
  },

  "history": {
    // Cron schedule for pruning stale conversations
    "prune_schedule": "0 3 * * *",
    "retention_days": 30
  },

  "ratelimit": {
    "requests_per_second": 10,
    "burst": 20
  }
}
`
	if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)

	fmt.Println("")
	fmt.Println("✅ Relay initialized.")
	fmt.Println("")
	fmt.Printf("Start the server with:\n  relay --dir %s\n", relayDir)
}
