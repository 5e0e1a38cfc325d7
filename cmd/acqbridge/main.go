// acqbridge connects an acquisition board to MQTT, an HTTP API and the
// local journal.
//
// The board speaks a line-oriented text protocol over TCP or a Unix
// socket. The bridge keeps one connection open, republishes parameter
// state and asynchronous errors, and streams bulk results on request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/acqboard-bridge/migrations"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/api"
	"github.com/nerrad567/acqboard-bridge/internal/bridge"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/config"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/database"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// healthCheckTimeout bounds the startup health checks.
const healthCheckTimeout = 10 * time.Second

func main() {
	issueFor := flag.String("issue-token", "", "print an API access token for `subject` and exit")
	flag.Parse()

	if *issueFor != "" {
		if err := issueToken(os.Stdout, *issueFor); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// issueToken signs an access token with the configured JWT secret.
func issueToken(w io.Writer, subject string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := api.IssueToken(cfg.Security.JWT, subject, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting acqbridge",
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
	defer log.Close() //nolint:errcheck // best effort on exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database and journal
	db, err := database.Open(ctx, database.ConfigFrom(cfg.Database))
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	journalRepo := journal.NewSQLiteRepository(db.DB)

	opts := bridge.Options{
		BoardID:           cfg.Board.ID,
		Connection:        cfg.Board.Connection,
		Version:           version,
		QoS:               byte(cfg.MQTT.QoS), //nolint:gosec // validated 0..2
		Journal:           journalRepo,
		Logger:            log.Component("bridge"),
		PollParameters:    cfg.Board.PollParameters,
		PollInterval:      cfg.Board.StatePollEvery,
		ReconnectInterval: cfg.Board.ReconnectInterval,
		FetchTimeout:      cfg.Board.FetchTimeout,
	}

	// MQTT (optional)
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
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		opts.MQTT = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err, "failed_batches", influxClient.FailedWrites())
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		opts.Telemetry = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// Board bridge
	boardCfg, err := boardConfig(cfg.Board)
	if err != nil {
		return err
	}
	boardLog := log.Component("acqboard")
	opts.Dial = func(ctx context.Context) (bridge.Board, error) {
		client, err := acqboard.Connect(ctx, boardCfg)
		if err != nil {
			return nil, err
		}
		client.SetLogger(boardLog)
		return client, nil
	}

	brg, err := bridge.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := brg.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		brg.Stop()
	}()
	log.Info("bridge started", "board", cfg.Board.ID, "connection", cfg.Board.Connection)

	// HTTP API
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Board:    brg,
			Journal:  journalRepo,
			DB:       db,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		apiServer, err := api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if !cfg.AuthEnabled() {
			log.Warn("API authentication disabled: set security.jwt.secret to require tokens")
		}
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, bridge, InfluxDB, MQTT, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ACQBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ACQBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// boardConfig converts the board section into a client configuration,
// applying the parameter override file when one is configured.
func boardConfig(bc config.BoardConfig) (acqboard.Config, error) {
	cfg := acqboard.Config{
		Connection:     bc.Connection,
		ConnectTimeout: bc.ConnectTimeout,
		WriteTimeout:   bc.WriteTimeout,
		PollInterval:   bc.PollInterval,
		GetTimeout:     bc.GetTimeout,
		ReadChunkSize:  bc.ReadChunkSize,
		BoardType:      bc.Type,
	}
	if bc.ProfileFile == "" {
		return cfg, nil
	}

	base, err := acqboard.Profile(bc.Type)
	if err != nil {
		return cfg, fmt.Errorf("board profile: %w", err)
	}
	overrides, err := acqboard.LoadProfile(bc.ProfileFile)
	if err != nil {
		return cfg, fmt.Errorf("board profile %s: %w", bc.ProfileFile, err)
	}
	cfg.Parameters = acqboard.MergeProfile(base, overrides)
	return cfg, nil
}

// healthCheck verifies the infrastructure connections before the board
// is dialled. mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var errs []error
	if err := db.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}
