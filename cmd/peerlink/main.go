// Command peerlink discovers nearby Bluetooth peers, pairs with them and
// opens stream connections, driven by one-word commands on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/peerlink/internal/ble"
	"github.com/chaz8081/peerlink/internal/bluez"
	"github.com/chaz8081/peerlink/internal/config"
	"github.com/chaz8081/peerlink/internal/radio"
	"github.com/chaz8081/peerlink/internal/store"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/peerlink/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Wrote default config to %s", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	platform, service, err := openPlatform(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", cfg.Backend, err)
	}
	if c, ok := platform.(io.Closer); ok {
		defer c.Close()
	}

	var history *store.Store
	opts := radio.Options{
		Service:         service,
		FallbackChannel: cfg.Connect.FallbackChannel,
		ConnectTimeout:  cfg.Connect.Timeout,
		ClearOnRescan:   cfg.Discovery.ClearOnRescan,
	}
	if cfg.History.Path != "" {
		history, err = store.Open(cfg.History.Path)
		if err != nil {
			log.Printf("History disabled: %v", err)
		} else {
			defer history.Close()
			opts.History = history
		}
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := radio.New(ctx, platform, opts)
	go func() {
		if err := coord.Run(ctx); err != nil {
			slog.Error("[RADIO] event loop stopped", "error", err)
		}
	}()

	go render(coord.Subscribe())

	if err := coord.Activate(ctx); err != nil {
		if errors.Is(err, radio.ErrAdapterAbsent) {
			log.Println("No Bluetooth adapter found. Peers cannot be discovered.")
		} else {
			log.Printf("ERROR: %v", err)
		}
	}

	log.Println("Ready! Type 'help' for commands. Ctrl+C to quit.")

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			log.Println("Received signal, shutting down...")
			shutdown(coord)
			return
		case line, ok := <-lines:
			if !ok {
				shutdown(coord)
				return
			}
			if quit := dispatch(ctx, coord, history, line); quit {
				shutdown(coord)
				return
			}
		}
	}
}

// openPlatform builds the configured backend and returns the service UUID
// its sessions dial.
func openPlatform(cfg *config.Config) (radio.Platform, uuid.UUID, error) {
	switch cfg.Backend {
	case "le":
		p := ble.NewPlatform(ble.NewTinyGoAdapter(), ble.Options{
			TXChar: cfg.LE.TXChar,
			RXChar: cfg.LE.RXChar,
		})
		return p, uuid.MustParse(cfg.LE.ServiceUUID), nil
	default:
		p, err := bluez.New(cfg.Adapter)
		if err != nil {
			return nil, uuid.Nil, err
		}
		return p, cfg.ServiceUUID(), nil
	}
}

// dispatch runs one command line. It reports whether the user asked to quit.
func dispatch(ctx context.Context, coord *radio.Coordinator, history *store.Store, line string) bool {
	verb, arg := parseCommand(line)
	snap := coord.Snapshot()

	var err error
	switch verb {
	case "":
	case "help", "?":
		printHelp()
	case "quit", "exit":
		return true
	case "enable":
		err = coord.RequestEnable(ctx)
	case "scan":
		err = coord.StartScan(ctx)
	case "stop":
		err = coord.Deactivate(ctx)
	case "peers":
		printPeers(os.Stdout, snap)
	case "pair":
		if arg == "" {
			fmt.Println("usage: pair <n|address>")
			return false
		}
		err = coord.RequestBond(ctx, resolvePeer(arg, snap))
	case "connect":
		if arg == "" {
			fmt.Println("usage: connect <n|address>")
			return false
		}
		_, err = coord.Connect(ctx, resolvePeer(arg, snap))
	case "cancel":
		if arg == "" {
			fmt.Println("usage: cancel <n|address>")
			return false
		}
		err = coord.CancelConnect(resolvePeer(arg, snap))
	case "history":
		printHistory(history)
	default:
		fmt.Printf("Unknown command %q. Type 'help'.\n", verb)
	}

	if err != nil {
		fmt.Println(userMessage(err))
	}
	return false
}

// userMessage maps coordinator errors to the text shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, radio.ErrAdapterAbsent):
		return "No Bluetooth adapter on this machine."
	case errors.Is(err, radio.ErrAdapterDisabled):
		return "Bluetooth is off. Type 'enable' first."
	case errors.Is(err, radio.ErrNotBonded):
		return "Pair with the device first."
	case errors.Is(err, radio.ErrUnknownPeer):
		return "No such peer. Type 'peers' to list them."
	default:
		return fmt.Sprintf("ERROR: %v", err)
	}
}

func render(snapshots <-chan radio.Snapshot) {
	var prev radio.Snapshot
	for snap := range snapshots {
		for _, line := range describe(prev, snap) {
			fmt.Println(line)
		}
		prev = snap
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func shutdown(coord *radio.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.Deactivate(ctx); err != nil {
		slog.Warn("[RADIO] stop discovery on exit", "error", err)
	}
	coord.Close()
	log.Println("Goodbye!")
}

func printHistory(history *store.Store) {
	if history == nil {
		fmt.Println("History is disabled.")
		return
	}
	sessions, err := history.RecentSessions(10)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}
	for _, s := range sessions {
		line := fmt.Sprintf("%s  %s  %s", s.UpdatedAt.Format(time.DateTime), s.PeerID, s.State)
		if s.LastError != "" {
			line += ": " + s.LastError
		}
		fmt.Println(line)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== peerlink ===")
	fmt.Printf("  Backend:  %s\n", cfg.Backend)
	if cfg.Backend == "bluez" {
		fmt.Printf("  Adapter:  %s\n", cfg.Adapter)
		fmt.Printf("  Service:  %s (fallback channel %d)\n", cfg.Connect.ServiceUUID, cfg.Connect.FallbackChannel)
	} else {
		fmt.Printf("  Service:  %s\n", cfg.LE.ServiceUUID)
	}
	fmt.Printf("  Timeout:  %s\n", cfg.Connect.Timeout)
	if cfg.History.Path != "" {
		fmt.Printf("  History:  %s\n", cfg.History.Path)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}

func printHelp() {
	fmt.Println(`Commands:
  enable            turn Bluetooth on
  scan              discover nearby devices
  stop              stop discovery
  peers             list discovered devices
  pair <n|addr>     pair with a device
  connect <n|addr>  open a connection to a paired device
  cancel <n|addr>   abort or close a connection
  history           show recent connection attempts
  quit              exit`)
}
