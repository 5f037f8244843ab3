// Gira Bridge - Gira X1 integration service
//
// This is the main entry point for the Gira bridge. The bridge connects
// a Gira X1 home automation server to MQTT, a REST/WebSocket API and
// optional InfluxDB telemetry:
//   - Polls the device and receives push callbacks for datapoint values
//   - Maps Gira functions onto typed entities (lights, covers, sensors)
//   - Persists UI configuration and value history in SQLite
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gira-bridge/migrations"

	"github.com/nerrad567/gira-bridge/internal/api"
	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
	"github.com/nerrad567/gira-bridge/internal/entity"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/database"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds device-side cleanup (callback unregistration,
// token revocation) once the run context is cancelled.
const shutdownTimeout = 10 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gira bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := entity.NewStore(db.DB)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device client. No traffic yet; the coordinator logs in during
	// Initialize below.
	client := gira.NewClient(gira.ClientConfig{
		Host:           cfg.Gira.Host,
		Port:           cfg.Gira.Port,
		Username:       cfg.Gira.Username,
		Password:       cfg.Gira.Password,
		Token:          cfg.Gira.Token,
		RequestTimeout: cfg.GetRequestTimeout(),
		VerifyTLS:      cfg.Gira.VerifyTLS,
	})
	client.SetLogger(log)

	registry := entity.NewRegistry()

	// Warm the registry from the last persisted UI configuration so the
	// API can describe entities before the first device refresh lands.
	if cached, loadErr := store.LoadConfig(ctx); loadErr != nil {
		log.Warn("loading cached UI configuration failed", "error", loadErr)
	} else if cached != nil {
		count := registry.Rebuild(cached)
		log.Info("entity registry preloaded from cache",
			"config_version", cached.UID,
			"entities", count,
		)
	}

	// API server first: the coordinator needs it as callback receiver.
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Tokens:   client,
		History:  store,
		Registry: registry,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	coordinator, err := gira.NewCoordinator(gira.CoordinatorOptions{
		Client:   client,
		Receiver: server,
		Resolver: &gira.CallbackURLResolver{
			Override:      cfg.Callbacks.URLOverride,
			AdvertisedURL: cfg.Callbacks.AdvertisedURL,
			DeviceHost:    cfg.Gira.Host,
			ListenPort:    cfg.API.Port,
		},
		Logger:               log,
		FastPollInterval:     cfg.GetFastPollInterval(),
		FallbackPollInterval: cfg.GetFallbackPollInterval(),
		SettleDelay:          cfg.GetSettleDelay(),
	})
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	server.SetCoordinator(coordinator)

	// Entity publisher: MQTT states and commands, value history, telemetry.
	pubOpts := entity.PublisherOptions{
		Registry:  registry,
		Commander: coordinator,
		Logger:    log,
		MQTT:      mqttClient,
		Store:     store,
		QoS:       byte(cfg.MQTT.QoS),
	}
	if influxClient != nil {
		pubOpts.Influx = influxClient
	}
	publisher, err := entity.NewPublisher(pubOpts)
	if err != nil {
		return fmt.Errorf("creating entity publisher: %w", err)
	}
	server.SetEvents(publisher)
	coordinator.AddListener(publisher.OnSnapshot)
	coordinator.AddAvailabilityListener(publisher.OnAvailability)

	// The listener must be up before callback registration: the device
	// probes the webhook endpoints during the registration test.
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Log in and take the first snapshot.
	if initErr := coordinator.Initialize(ctx); initErr != nil {
		return fmt.Errorf("initialising coordinator: %w", initErr)
	}

	if cfg.Callbacks.Enabled {
		if coordinator.SetupCallbackMode(ctx) {
			log.Info("running in callback mode",
				"fallback_poll", cfg.GetFallbackPollInterval(),
			)
		} else {
			log.Info("running in polling mode",
				"poll_interval", cfg.GetFastPollInterval(),
			)
		}
	} else {
		log.Info("callbacks disabled, running in polling mode",
			"poll_interval", cfg.GetFastPollInterval(),
		)
	}

	coordinator.Start(ctx)
	if startErr := publisher.Start(); startErr != nil {
		coordinator.Stop()
		return fmt.Errorf("starting entity publisher: %w", startErr)
	}

	// Verify all connections are healthy
	if healthErr := healthCheck(ctx, db, mqttClient, influxClient); healthErr != nil {
		coordinator.Stop()
		return fmt.Errorf("health check failed: %w", healthErr)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// The run context is cancelled now, so device-side cleanup gets its
	// own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	coordinator.Stop()
	coordinator.TeardownCallbackMode(shutdownCtx)
	publisher.PublishOffline()
	if logoutErr := client.Logout(shutdownCtx); logoutErr != nil {
		log.Warn("device logout failed", "error", logoutErr)
	}

	// Deferred Close() calls then run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT (if enabled)
	// 4. Database

	log.Info("Gira bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GIRABRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GIRABRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Device health is verified during Initialize - it logs in and takes
	// a full snapshot before the coordinator starts.

	return nil
}
