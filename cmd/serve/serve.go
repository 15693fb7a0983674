// Package serve provides the serve command, which runs the lock endpoint.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trialvault/trialvault/internal/api"
	"github.com/trialvault/trialvault/internal/buildinfo"
	"github.com/trialvault/trialvault/internal/conf"
	"github.com/trialvault/trialvault/internal/content"
	"github.com/trialvault/trialvault/internal/errors"
	"github.com/trialvault/trialvault/internal/events"
	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/logger"
	"github.com/trialvault/trialvault/internal/mqtt"
	"github.com/trialvault/trialvault/internal/observability"
	"github.com/trialvault/trialvault/internal/telemetry"
)

const (
	sentryFlushTimeout = 2 * time.Second
	eventDrainTimeout  = 10 * time.Second
)

// Command creates and returns the serve command
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lock service",
		Long:  "Open the content repository and serve the lock endpoint until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				settings.WebServer.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings, build.GetVersion())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address, overrides webserver.listen")

	return cmd
}

// Run wires the repository, lock manager, event publisher and HTTP server
// together and blocks until ctx is cancelled or the server fails.
func Run(ctx context.Context, settings *conf.Settings, version string) error {
	log := logger.Global().Module("serve")

	if err := telemetry.InitSentry(settings, version); err != nil {
		// Telemetry is optional, keep serving without it
		log.Warn("failed to initialize sentry", logger.Error(err))
	}
	defer telemetry.Flush(sentryFlushTimeout)

	repo, err := content.Open(content.Config{
		Type:          settings.Database.Type,
		Path:          settings.Database.Path,
		DSN:           settings.Database.DSN,
		SlowThreshold: settings.Database.SlowThreshold,
		MaxOpenConns:  settings.Database.MaxOpenConns,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to open content repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn("failed to close content repository", logger.Error(err))
		}
	}()

	locking.InstallRestrictions(repo)
	preconditions, err := locking.Lookup(settings.Locking.Preconditions)
	if err != nil {
		return err
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	managerOpts := []locking.Option{
		locking.WithPreconditions(preconditions...),
		locking.WithMetrics(m.Locking),
		locking.WithServicePrincipal(settings.Locking.ServicePrincipal),
	}
	serverOpts := []api.ServerOption{
		api.WithMetrics(m),
		api.WithVersion(version),
		api.WithHealthCheck("database", true, repo.Ping),
	}

	var (
		mqttClient mqtt.Client
		mqttConfig mqtt.Config
		bus        *events.Bus
	)
	if settings.MQTT.Enabled {
		mqttConfig = mqtt.ConfigFromSettings(&settings.MQTT)
		mqttClient = mqtt.NewClient(mqttConfig, m.MQTT, nil)

		// Lock requests only enqueue; the bus delivers to the broker
		bus = events.NewBus(events.DefaultConfig(), nil)
		if err := bus.RegisterConsumer(mqtt.NewPublisher(mqttClient, mqttConfig.Topic, m.MQTT)); err != nil {
			return err
		}
		managerOpts = append(managerOpts, locking.WithPublisher(bus))
		serverOpts = append(serverOpts, api.WithHealthCheck("mqtt", false, func(context.Context) error {
			if !mqttClient.IsConnected() {
				return errors.NewStd("not connected to broker")
			}
			return nil
		}))
	}

	manager := locking.NewManager(repo, managerOpts...)

	server, err := api.New(settings, manager, serverOpts...)
	if err != nil {
		return err
	}

	log.Info("lock service starting",
		logger.String("version", version),
		logger.Strings("preconditions", settings.Locking.Preconditions),
		logger.Bool("mqtt", settings.MQTT.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if mqttClient != nil {
		g.Go(func() error {
			maintainMQTT(gctx, mqttClient, mqttConfig.ReconnectCooldown, log)
			return nil
		})
	}

	err = g.Wait()

	// The server has stopped, so no new events arrive; drain the queue
	// before dropping the broker connection.
	if bus != nil {
		if shutdownErr := bus.Shutdown(eventDrainTimeout); shutdownErr != nil {
			log.Warn("lock events not delivered before shutdown", logger.Error(shutdownErr))
		}
		mqttClient.Disconnect()
	}

	if err != nil {
		telemetry.CaptureError(err, "serve")
		return err
	}
	log.Info("lock service stopped")
	return nil
}

// maintainMQTT retries the initial broker connection until it succeeds or
// ctx is done. Afterwards the client reconnects by itself. Lock events
// committed while disconnected are logged and not published.
func maintainMQTT(ctx context.Context, client mqtt.Client, cooldown time.Duration, log logger.Logger) {
	for !client.IsConnected() {
		if err := client.Connect(ctx); err != nil {
			log.Warn("failed to connect to MQTT broker, retrying",
				logger.Error(err),
				logger.Duration("retry_in", cooldown))
		} else {
			log.Info("connected to MQTT broker")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cooldown):
		}
	}
}
