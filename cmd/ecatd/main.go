// ecatd supervises an EtherCAT-style fieldbus segment.
//
// It opens the segment on a network interface, drops root privileges, brings
// every device to OPERATIONAL and then runs two loops side by side: the cycle
// synchronizer exchanging process data every period and the supervisor that
// acknowledges errors and recovers lost devices. The process image is exposed
// over a line-oriented inspection protocol and, when enabled, an HTTP API,
// MQTT telemetry, InfluxDB metrics, a SQLite event journal and a Modbus
// register mirror.
//
// Usage:
//
//	ecatd [flags] <ifname>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/ecatd/internal/api"
	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/ecat/sim"
	"github.com/nerrad567/ecatd/internal/infrastructure/config"
	"github.com/nerrad567/ecatd/internal/infrastructure/database"
	"github.com/nerrad567/ecatd/internal/infrastructure/influxdb"
	"github.com/nerrad567/ecatd/internal/infrastructure/logging"
	"github.com/nerrad567/ecatd/internal/infrastructure/mqtt"
	"github.com/nerrad567/ecatd/internal/inspect"
	"github.com/nerrad567/ecatd/internal/journal"
	"github.com/nerrad567/ecatd/internal/mirror"
	"github.com/nerrad567/ecatd/internal/privilege"
	"github.com/nerrad567/ecatd/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/ecatd.yaml"

// errNoInterface is returned when neither the command line nor the
// configuration names a network interface.
var errNoInterface = errors.New("no network interface given")

// options are the command-line settings that override the configuration file.
type options struct {
	configPath string
	iface      string

	user    string
	userSet bool

	allowQuit bool
	imageSize int
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "ecatd [flags] <ifname>",
		Short:         "Fieldbus segment supervisor",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.iface = args[0]
			}
			opts.userSet = cmd.Flags().Changed("user")
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", getConfigPath(), "configuration file (env ECATD_CONFIG)")
	flags.StringVarP(&opts.user, "user", "u", "", `account to run as after the interface is open ("" keeps the current user)`)
	flags.BoolVar(&opts.allowQuit, "allow-quit", false, "let inspection clients stop the daemon with quit")
	flags.IntVar(&opts.imageSize, "image-size", 0, "process image size in bytes (0 uses the configured size)")

	return cmd
}

// run is the daemon body, separated from main for testability.
//
// Components are created in dependency order and closed in reverse through
// deferred calls. Bring-up failures are returned and end the process.
func run(ctx context.Context, opts options) error {
	log := logging.Default()
	log.Info("starting ecatd", "version", version, "commit", commit, "date", date)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"interface", cfg.Bus.Interface,
		"backend", cfg.Bus.Backend,
		"image_size", cfg.Bus.ImageSize,
		"cycle_period", cfg.Bus.CyclePeriod,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	master, err := openMaster(cfg.Bus)
	if err != nil {
		return err
	}

	seg := ecat.NewSegment(cfg.Bus.ImageSize, log.Component("segment"))
	barrier := privilege.NewBarrier()

	driver := ecat.NewDriver(master, seg, driverOptions(cfg, barrier))
	driver.SetLogger(log.Component("ecat"))
	defer func() {
		log.Info("closing segment")
		if closeErr := driver.Close(); closeErr != nil {
			log.Error("error closing segment", "error", closeErr)
		}
	}()

	sinks := ecat.EventSinks{}

	// Journal
	var jrnl *journal.Journal
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening journal database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		jrnl, err = journal.Open(ctx, db, cfg.Bus.Interface, version)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		jrnl.SetLogger(log.Component("journal"))
		defer func() {
			log.Info("closing journal")
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if closeErr := jrnl.Close(closeCtx); closeErr != nil {
				log.Error("error closing journal", "error", closeErr)
			}
		}()
		sinks = append(sinks, jrnl)
		log.Info("journal opened", "path", db.Path(), "run", jrnl.RunID())
	}

	// MQTT
	var mqttClient *mqtt.Client
	var publisher telemetry.Publisher
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			// Telemetry is optional and must not block bring-up.
			log.Warn("MQTT unavailable, telemetry publishing disabled", "error", err)
		} else {
			mqttClient.SetLogger(log.Component("mqtt"))
			publisher = mqttClient
			defer func() {
				log.Info("closing MQTT connection")
				if closeErr := mqttClient.Close(); closeErr != nil {
					log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			log.Info("MQTT connected", "broker", cfg.MQTT.Broker.Host, "port", cfg.MQTT.Broker.Port)
		}
	}

	// InfluxDB
	var points telemetry.PointWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			log.Warn("InfluxDB unavailable, metrics disabled", "error", influxErr)
		} else {
			influxClient.SetOnError(func(writeErr error) {
				log.Error("InfluxDB write error", "error", writeErr)
			})
			points = influxClient
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	// Telemetry
	var tel *telemetry.Service
	var health *telemetry.HealthReporter
	if publisher != nil || points != nil {
		tel, err = telemetry.New(telemetry.Deps{
			Segment:          seg,
			Publisher:        publisher,
			Points:           points,
			Interface:        cfg.Bus.Interface,
			QoS:              byte(cfg.MQTT.QoS),
			Interval:         cfg.MQTT.PublishInterval,
			CycleStats:       driver.CycleStats,
			SupervisionStats: driver.SupervisionStats,
			Logger:           log.Component("telemetry"),
		})
		if err != nil {
			return fmt.Errorf("creating telemetry: %w", err)
		}
		sinks = append(sinks, tel)
	}
	if mqttClient != nil {
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing device state")
			tel.Resync()
		})
		mqttClient.SetOnDisconnect(func(disconnectErr error) {
			log.Warn("MQTT disconnected", "error", disconnectErr)
		})

		health = telemetry.NewHealthReporter(telemetry.HealthReporterConfig{
			Interface: cfg.Bus.Interface,
			Version:   version,
			Publisher: mqttClient,
			Segment:   seg,
		})
		health.SetLogger(log.Component("health"))
		if pubErr := health.PublishStarting(); pubErr != nil {
			log.Warn("publishing starting status failed", "error", pubErr)
		}
	}

	// WebSocket hub, registered as a sink before supervision starts.
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.WebSocket, log.Component("websocket"))
		sinks = append(sinks, hub)
	}

	driver.SetEventSink(sinks)

	quit := func() {}
	if cfg.Inspect.AllowQuit {
		quit = func() {
			log.Info("quit requested by inspection client")
			cancel()
		}
	}
	inspector, err := inspect.New(inspect.Deps{
		Config:  cfg.Inspect,
		Segment: seg,
		Barrier: barrier,
		Logger:  log,
		Quit:    quit,
	})
	if err != nil {
		return fmt.Errorf("creating inspection server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The inspection server listens once privileges are dropped and serves
	// freshness-gated content while bring-up is still running.
	g.Go(func() error { return inspector.Run(gctx) })

	if err := driver.Bringup(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("bring-up: %w", err)
	}

	status := seg.Snapshot()
	log.Info("segment operational", "devices", len(status.Devices), "expected_wkc", status.Expected)

	if jrnl != nil {
		idx := seg.Index()
		layout := &ecat.Layout{Outputs: idx.All(ecat.Outputs), Inputs: idx.All(ecat.Inputs)}
		if recErr := jrnl.RecordLayout(gctx, layout, len(status.Devices), status.Expected); recErr != nil {
			log.Error("recording layout failed", "error", recErr)
		}
		g.Go(func() error { return jrnl.Run(gctx) })
	}

	g.Go(func() error { return driver.Run(gctx) })

	if tel != nil {
		g.Go(func() error { return tel.Run(gctx) })
	}
	if health != nil {
		health.SetDeviceCount(len(status.Devices))
		health.Start(gctx)
		defer health.Stop()
	}

	if cfg.Mirror.Enabled {
		mir, mirErr := mirror.New(mirror.Deps{
			Config:  cfg.Mirror,
			Segment: seg,
			Logger:  log.Component("mirror"),
		})
		if mirErr != nil {
			return fmt.Errorf("creating register mirror: %w", mirErr)
		}
		g.Go(func() error { return mir.Run(gctx) })
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Logger:      log,
			Segment:     seg,
			Stats:       driver,
			Inspect:     inspector,
			DB:          db,
			ExternalHub: hub,
			Interface:   cfg.Bus.Interface,
			Version:     version,
		}
		if jrnl != nil {
			deps.Journal = jrnl
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		if startErr := srv.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("closing API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("ecatd started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("component failed", "error", err)
		return err
	}

	log.Info("shutting down")
	return nil
}

// loadConfig reads the configuration file and applies command-line overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.iface != "" {
		cfg.Bus.Interface = opts.iface
	}
	if cfg.Bus.Interface == "" {
		return nil, errNoInterface
	}
	if opts.userSet {
		cfg.Privilege.User = opts.user
	}
	if opts.allowQuit {
		cfg.Inspect.AllowQuit = true
	}
	if opts.imageSize < 0 {
		return nil, fmt.Errorf("image size must not be negative, got %d", opts.imageSize)
	}
	if opts.imageSize > 0 {
		cfg.Bus.ImageSize = opts.imageSize
	}
	return cfg, nil
}

// openMaster builds the master for the configured backend.
func openMaster(bus config.BusConfig) (ecat.Master, error) {
	switch bus.Backend {
	case "sim":
		desc, err := sim.LoadDescription(bus.Simulation)
		if err != nil {
			return nil, fmt.Errorf("loading simulated segment: %w", err)
		}
		m, err := sim.New(desc)
		if err != nil {
			return nil, fmt.Errorf("creating simulated master: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("bus backend %q is not supported", bus.Backend)
	}
}

func driverOptions(cfg *config.Config, barrier *privilege.Barrier) ecat.DriverOptions {
	writes := make([]ecat.StartupWrite, 0, len(cfg.Bus.StartupWrites))
	for _, w := range cfg.Bus.StartupWrites {
		writes = append(writes, ecat.StartupWrite{Address: w.Address, Value: w.Value})
	}
	return ecat.DriverOptions{
		Interface:      cfg.Bus.Interface,
		User:           cfg.Privilege.User,
		Barrier:        barrier,
		CyclePeriod:    cfg.Bus.CyclePeriod,
		CheckPeriod:    cfg.Bus.CheckPeriod,
		StateTimeout:   cfg.Bus.StateTimeout,
		MonitorTimeout: cfg.Bus.MonitorTimeout,
		ReturnTimeout:  cfg.Bus.ReturnTimeout,
		OPAttempts:     cfg.Bus.OPAttempts,
		OPPollTimeout:  cfg.Bus.OPPollTimeout,
		StartupWrites:  writes,
	}
}

// getConfigPath returns the config file path from the environment or the default.
func getConfigPath() string {
	if path := os.Getenv("ECATD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
