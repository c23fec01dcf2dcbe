// shadowd keeps a device in sync with its AWS IoT Device Shadow.
//
// It connects to the broker over mutual TLS, opens a shadow session,
// applies desired state through the device agent and reports what was
// applied. A local HTTP API exposes the shadow and the device state to
// on-device tooling.
//
// Configuration is read from SHADOWD_CONFIG (default configs/shadowd.yaml)
// and overridden by SHADOWD_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/gray-logic-shadow/migrations"

	"github.com/nerrad567/gray-logic-shadow/internal/agent"
	"github.com/nerrad567/gray-logic-shadow/internal/api"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/shadowd.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting shadowd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"tls", cfg.MQTT.Broker.TLS.Enabled,
	)

	var store shadow.VersionStore
	if cfg.Shadow.PersistVersions {
		store = shadow.NewSQLiteVersionStore(db.DB)
	}
	var metrics shadow.Observer
	if influxClient != nil {
		metrics = influxdb.NewSessionMetrics(influxClient)
	}

	sess, err := shadow.Open(ctx, sessionOptions(cfg, mqttClient, store, newObserver(log, metrics), log))
	if err != nil {
		return fmt.Errorf("opening shadow session: %w", err)
	}
	defer func() {
		log.Info("closing shadow session")
		if closeErr := sess.Close(); closeErr != nil {
			log.Error("error closing shadow session", "error", closeErr)
		}
	}()
	wireConnectionEvents(mqttClient, sess, log)

	id := identity(cfg.Device)
	deviceAgent, err := agent.New(agent.Options{
		Identity:       id,
		Session:        sess,
		Store:          agent.NewSQLiteStateStore(db.DB),
		Logger:         log.Component("agent"),
		RequestTimeout: cfg.GetRequestTimeout(),
		SyncOnStart:    cfg.Shadow.SyncOnStart,
	})
	if err != nil {
		return fmt.Errorf("creating device agent: %w", err)
	}
	if err := deviceAgent.Start(ctx); err != nil {
		return fmt.Errorf("starting device agent: %w", err)
	}
	defer deviceAgent.Stop()

	if cfg.API.Enabled {
		checks := map[string]api.HealthChecker{
			"database": db,
			"mqtt":     mqttClient,
		}
		if influxClient != nil {
			checks["influxdb"] = influxClient
		}

		srv, err := api.New(api.Deps{
			Config:         cfg.API,
			WS:             cfg.WebSocket,
			Logger:         log.Component("api"),
			Session:        sess,
			Agent:          deviceAgent,
			Relay:          []shadow.Identity{id},
			DB:             db,
			Checks:         checks,
			RequestTimeout: cfg.GetRequestTimeout(),
			Version:        version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("local API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal", "shadow", id.String())

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API, agent, session, MQTT, InfluxDB, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHADOWD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SHADOWD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens and migrates the local store. Without a configured
// path the store lives in memory and nothing survives a restart.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*database.DB, error) {
	path := cfg.Path
	if path == "" {
		path = database.MemoryPath
		log.Warn("database.path not set, local state will not survive a restart")
	}

	db, err := database.Open(ctx, database.Config{
		Path:        path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", path)
	return db, nil
}

// identity returns the shadow the device config names.
func identity(cfg config.DeviceConfig) shadow.Identity {
	return shadow.Named(cfg.ThingName, cfg.ShadowName)
}

// newObserver logs every session event and, when given, forwards them to
// the metrics observer too.
func newObserver(log *logging.Logger, metrics shadow.Observer) shadow.Observer {
	logObs := shadow.LogObserver{Logger: log.Component("shadow")}
	if metrics == nil {
		return logObs
	}
	return shadow.MultiObserver{logObs, metrics}
}

// sessionOptions maps configuration onto session options.
func sessionOptions(cfg *config.Config, transport shadow.Transport, store shadow.VersionStore, observer shadow.Observer, log *logging.Logger) shadow.Options {
	return shadow.Options{
		Transport:              transport,
		Logger:                 log.Component("shadow"),
		Observer:               observer,
		Store:                  store,
		QoS:                    byte(cfg.MQTT.QoS),
		RequestTimeout:         cfg.GetRequestTimeout(),
		ResubscribeOnReconnect: cfg.Shadow.ResubscribeOnReconnect,
	}
}

// connectionEvents is the part of *mqtt.Client that reports connection changes.
type connectionEvents interface {
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
}

// sessionLifecycle is the part of *shadow.Session that reacts to them.
type sessionLifecycle interface {
	HandleConnectionLost(cause error)
	HandleReconnect()
}

// wireConnectionEvents fails pending requests when the broker connection
// drops and restores subscriptions when it returns.
func wireConnectionEvents(events connectionEvents, sess sessionLifecycle, log *logging.Logger) {
	events.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		sess.HandleConnectionLost(err)
	})
	events.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		sess.HandleReconnect()
	})
}
