// Ecowitt-bridge turns the uploads of Ecowitt weather gateways, received
// over MQTT, into Home Assistant MQTT discovery entities.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ecowitt-bridge serve               Run the bridge
//	ecowitt-bridge init [dir]          Write an example config into dir
//	ecowitt-bridge check               Validate configuration and probe the gateway
//	ecowitt-bridge entities [gateway]  List announced entities
//	ecowitt-bridge purge [gateway]     Remove retained discovery for announced entities
//	ecowitt-bridge version             Print version and build information
//	ecowitt-bridge -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/attribution"
	"github.com/nugget/ecowitt-bridge/internal/bridge"
	"github.com/nugget/ecowitt-bridge/internal/buildinfo"
	"github.com/nugget/ecowitt-bridge/internal/config"
	"github.com/nugget/ecowitt-bridge/internal/connwatch"
	"github.com/nugget/ecowitt-bridge/internal/entitystore"
	"github.com/nugget/ecowitt-bridge/internal/flatupload"
	"github.com/nugget/ecowitt-bridge/internal/history"
	"github.com/nugget/ecowitt-bridge/internal/lanmap"
	"github.com/nugget/ecowitt-bridge/internal/mqtt"
)

// ledgerFile is the entity ledger database name inside data_dir.
const ledgerFile = "entities.db"

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's global state gets in the way of calling run from parallel
// tests, and the surface is small.
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
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	gateway := ""
	if len(cmdArgs) > 0 {
		gateway = flatupload.NormalizeIdentity(cmdArgs[0])
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		return runCheck(ctx, stdout, configPath, outputFmt)
	case "entities":
		return runEntities(stdout, configPath, outputFmt, gateway)
	case "purge":
		return runPurge(ctx, stdout, configPath, gateway)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "ecowitt-bridge - Ecowitt gateway uploads to Home Assistant MQTT discovery")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ecowitt-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Run the bridge")
	fmt.Fprintln(w, "  init [dir]         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  check              Validate configuration and probe the gateway LAN API")
	fmt.Fprintln(w, "  entities [gw]      List announced entities")
	fmt.Fprintln(w, "  purge [gw]         Clear retained discovery and state for announced entities")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ecowitt-bridge/config.yaml, /etc/ecowitt-bridge/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the configuration.
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
		return nil, cfgPath, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting ecowitt-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"in_topic", cfg.MQTT.InTopic,
		"units", cfg.Units.System,
		"local_api", cfg.LAN.UseLocalAPI,
	)

	// --- Signal handling ---
	// SIGINT/SIGTERM cancel the same ctx every component runs under.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// Holds the instance ID and the entity ledger.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Sensor registry and units ---
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	unitSettings, err := cfg.UnitSettings()
	if err != nil {
		return err
	}
	logger.Info("sensor registry loaded", "definitions", registry.Len())

	// --- Entity ledger ---
	dbPath := filepath.Join(cfg.DataDir, ledgerFile)
	ledger, err := entitystore.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open entity ledger %s: %w", dbPath, err)
	}
	defer ledger.Close()

	// --- Connection watch ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- LAN sensor map ---
	// Optional. Without it every sensor head resolves to placeholder
	// devices.
	cache := &lanmap.Cache{}
	if cfg.LAN.UseLocalAPI {
		lan := lanmap.NewClient(cfg.LAN.BaseURL, cfg.LAN.Timeout, logger)
		poller := lanmap.NewPoller(lanmap.PollerConfig{
			Source:   lan,
			Cache:    cache,
			Interval: cfg.MapRefresh(),
			Timeout:  cfg.LAN.Timeout,
			Logger:   logger,
		})
		go poller.Start(ctx)
		logger.Info("lan sensor map enabled", "base_url", cfg.LAN.BaseURL, "refresh", cfg.MapRefresh().String())
	} else {
		logger.Info("lan sensor map disabled")
	}

	// --- Reading history ---
	var recorder bridge.Recorder
	if cfg.InfluxDB.Enabled {
		sink, err := history.Open(ctx, cfg.InfluxDB, logger)
		if err != nil {
			logger.Warn("influxdb history disabled", "error", err)
		} else {
			defer sink.Close()
			recorder = sink
		}
	}

	// --- MQTT client and bridge ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load instance id: %w", err)
	}
	clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)

	var b *bridge.Bridge
	client := mqtt.New(cfg.MQTT, clientID, func(ctx context.Context, topic string, payload []byte) {
		if err := b.HandleMessage(ctx, topic, payload); errors.Is(err, bridge.ErrPublish) {
			logger.Warn("upload partially published", "topic", topic, "error", err)
		}
	}, logger)

	b = bridge.New(bridge.Config{
		Root:            flatupload.Root(cfg.MQTT.InTopic),
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		StatePrefix:     cfg.MQTT.StatePrefix,
		RetainState:     cfg.MQTT.RetainState(),
		OfflineAfter:    cfg.OfflineAfter(),
		Registry:        registry,
		Units:           unitSettings,
		Resolver:        attribution.NewResolver(cache),
		Publisher:       client,
		Ledger:          ledger,
		Recorder:        recorder,
		Logger:          logger,
	})

	client.OnConnect(func(ctx context.Context) {
		if err := b.Resync(ctx); err != nil {
			logger.Warn("resync after reconnect failed", "error", err)
		}
	})

	if err := client.Start(ctx); err != nil {
		return err
	}

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return client.AwaitConnection(awaitCtx)
		},
		Logger: logger,
	})

	go b.Supervise(ctx)

	logger.Info("bridge running", "client_id", clientID, "instance_id", instanceID)
	<-ctx.Done()

	// --- Graceful shutdown ---
	logger.Info("shutdown signal received")
	offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offCancel()
	// Skip the per-device offline publish when the broker is known to be
	// down; the bridge will still drop to offline through its will.
	if st := connMgr.Status()["mqtt"]; !st.Ready && !st.LastCheck.IsZero() {
		logger.Warn("mqtt unreachable, skipping device offline publish", "last_error", st.LastError)
	} else if err := b.Shutdown(offCtx); err != nil {
		logger.Warn("device offline publish failed", "error", err)
	}
	if err := client.Stop(offCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	logger.Info("ecowitt-bridge stopped", "uptime", buildinfo.Uptime().String())
	return nil
}

// checkReport is the JSON form of the check command output.
type checkReport struct {
	Config      string            `json:"config"`
	Definitions int               `json:"definitions"`
	Keys        []string          `json:"keys"`
	Units       map[string]string `json:"units"`
	Root        string            `json:"topic_root"`
	LANSensors  []lanmap.Sensor   `json:"lan_sensors,omitempty"`
	LANError    string            `json:"lan_error,omitempty"`
}

func runCheck(ctx context.Context, w io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	us, err := cfg.UnitSettings()
	if err != nil {
		return err
	}

	report := checkReport{
		Config:      cfgPath,
		Definitions: registry.Len(),
		Keys:        registry.Keys(),
		Root:        flatupload.Root(cfg.MQTT.InTopic),
		Units: map[string]string{
			"temperature": us.TemperatureUnit(),
			"wind":        us.WindUnit(),
			"rain":        us.RainUnit(),
			"pressure":    us.PressureUnit(),
		},
	}

	if cfg.LAN.UseLocalAPI {
		lan := lanmap.NewClient(cfg.LAN.BaseURL, cfg.LAN.Timeout, configuredLogger(io.Discard, cfg))
		sensors, err := lan.SensorsInfo(ctx)
		if err != nil {
			report.LANError = err.Error()
		}
		report.LANSensors = sensors
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "config ok: %s\n", report.Config)
	fmt.Fprintf(w, "  topic root:   %s\n", report.Root)
	fmt.Fprintf(w, "  definitions:  %d\n", report.Definitions)
	fmt.Fprintf(w, "  units:        %s, %s, %s, %s\n",
		report.Units["temperature"], report.Units["wind"], report.Units["rain"], report.Units["pressure"])
	if cfg.LAN.UseLocalAPI {
		if report.LANError != "" {
			fmt.Fprintf(w, "  lan api:      unreachable (%s)\n", report.LANError)
		} else {
			fmt.Fprintf(w, "  lan api:      %d sensors\n", len(report.LANSensors))
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, s := range report.LANSensors {
				fmt.Fprintf(tw, "    %s\t%s\toutdoor=%t\n", s.HardwareID, s.Model, s.Outdoor)
			}
			tw.Flush()
		}
	}
	return nil
}

func openLedger(cfg *config.Config) (*entitystore.Store, error) {
	dbPath := filepath.Join(cfg.DataDir, ledgerFile)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no entity ledger at %s (has the bridge run yet?)", dbPath)
	}
	return entitystore.NewStore(dbPath)
}

func runEntities(w io.Writer, configPath, outputFmt, gateway string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entities, err := store.List(gateway)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		if entities == nil {
			entities = []entitystore.Entity{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entities)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIQUE ID\tDEVICE\tLAST VALUE\tLAST SEEN")
	for _, e := range entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.UniqueID, e.DeviceID, e.LastValue, e.LastSeen.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// runPurge clears the retained discovery and state messages of every
// ledgered entity so Home Assistant removes them, then forgets them.
func runPurge(ctx context.Context, w io.Writer, configPath, gateway string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(w, cfg)

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entities, err := store.List(gateway)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Fprintln(w, "nothing to purge")
		return nil
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load instance id: %w", err)
	}
	client := mqtt.NewPublisher(cfg.MQTT, mqtt.ClientID(cfg.MQTT.ClientID, instanceID)+"-purge", logger)

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(context.Background())

	return purgeEntities(ctx, w, client, store, entities)
}

type purgeTarget interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

type purgeLedger interface {
	Delete(uniqueID string) error
}

func purgeEntities(ctx context.Context, w io.Writer, pub purgeTarget, ledger purgeLedger, entities []entitystore.Entity) error {
	var errs []error
	purged := 0
	for _, e := range entities {
		// An empty retained payload deletes the retained message.
		if err := pub.Publish(ctx, e.DiscoveryTopic, nil, true); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := pub.Publish(ctx, e.StateTopic, nil, true); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ledger.Delete(e.UniqueID); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}
	fmt.Fprintf(w, "purged %d of %d entities\n", purged, len(entities))
	return errors.Join(errs...)
}
