package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/fieldmesh/internal/command"
	"github.com/smukkama/fieldmesh/internal/connection"
	"github.com/smukkama/fieldmesh/internal/database"
	"github.com/smukkama/fieldmesh/internal/engine"
	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/logging"
	"github.com/smukkama/fieldmesh/internal/metrics"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/internal/notification"
	"github.com/smukkama/fieldmesh/internal/queue"
	"github.com/smukkama/fieldmesh/internal/rules"
	"github.com/smukkama/fieldmesh/internal/server"
	"github.com/smukkama/fieldmesh/internal/store"
	"github.com/smukkama/fieldmesh/internal/timer"
	"github.com/smukkama/fieldmesh/pkg/config"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info().Msg("starting fieldmesh")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	// Two-tier store: in-process always, Redis when configured
	local := store.NewMemoryTier()
	var remote store.Tier
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		tier := store.NewRedisTier(client, "fieldmesh")
		if err := tier.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, continuing with degraded remote tier")
		} else {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		}
		remote = tier
	}
	cache := store.New(local, remote, store.WithLogger(logging.Component(logger, "store")))
	go sweep(ctx, local)

	deps := engine.Deps{
		Store:   cache,
		Metrics: m,
		Logger:  logger,
	}

	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Connect(cfg.Database.ConnectionString())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.RunMigrations(cfg.Database.MigrationsDir, logging.Component(logger, "database")); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		deps.Audit = db
	}

	if cfg.MQTT.Enabled {
		transport, err := command.NewMQTTTransport(command.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, logging.Component(logger, "mqtt"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect command transport")
		}
		defer transport.Close()
		deps.Transport = transport
	} else if cfg.AMQP.Enabled {
		transport, err := command.NewAMQPTransport(command.AMQPConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
		}, logging.Component(logger, "amqp"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect command transport")
		}
		defer transport.Close()
		deps.Transport = transport
	} else {
		logger.Info().Msg("no broker configured, commands are simulated")
		deps.Transport = command.NewSimulatedTransport(0)
	}

	eng := engine.New(engine.Config{
		HealthInterval:   cfg.Engine.HealthInterval,
		OfflineThreshold: cfg.Engine.OfflineThreshold,
		CommandTimeout:   cfg.Engine.CommandTimeout,
	}, deps)

	if db != nil {
		eng.Subscribe(events.TopicDeviceCommandExecuted, db.CommandLogHandler(logging.Component(logger, "command-log")))
	}

	if cfg.Rules.File != "" {
		f, err := rules.Load(cfg.Rules.File)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load rules")
		}
		summary, err := rules.Apply(ctx, f, eng)
		if err != nil {
			logger.Error().Err(err).Msg("some rules were not installed")
		}
		logger.Info().Int("devices", summary.Devices).Int("rules", summary.Rules).
			Int("automations", summary.Automations).Str("file", cfg.Rules.File).Msg("rules loaded")
	}

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	var (
		forwarder *queue.EventForwarder
		pump      *queue.ReadingPump
		readings  *queue.Producer
	)
	if cfg.Kafka.Enabled {
		if err := queue.EnsureTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.NumPartitions,
			cfg.Kafka.TopicReadings, cfg.Kafka.TopicEvents); err != nil {
			logger.Warn().Err(err).Msg("failed to ensure kafka topics")
		}

		eventsOut := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer eventsOut.Close()
		forwarder = queue.NewEventForwarder(eventsOut, queue.ForwarderConfig{}, m, logging.Component(logger, "forwarder"))
		forwarder.Attach(ctx, eng.Bus())

		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, cfg.Kafka.ConsumerGroup)
		defer consumer.Close()
		pump = queue.NewReadingPump(consumer, eng, logging.Component(logger, "pump"))
		pump.Start(ctx)

		readings = queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
		defer readings.Close()
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka bridge started")
	}

	var notifier *notification.EmailNotifier
	if cfg.SMTP.Enabled {
		notifier = notification.NewEmailNotifier(&cfg.SMTP, notification.NewSMTPMailer(&cfg.SMTP),
			model.SeverityWarning, logging.Component(logger, "notification"))
		notifier.Attach(eng.Bus())
	}

	var (
		gateway *server.Gateway
		timers  *timer.Scheduler
	)
	if cfg.Gateway.Enabled {
		timers = timer.NewScheduler(logging.Component(logger, "gateway-timers"))
		timers.Start()

		var opts []server.Option
		if cfg.Gateway.PublishReadings {
			opts = append(opts, server.WithPublisher(readings))
		}
		gateway = server.NewGateway(&cfg.Gateway, connection.NewManager(cfg.Gateway.MaxConnections), timers,
			eng, eng, logging.Component(logger, "gateway"), opts...)
		if err := gateway.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start gateway")
		}
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr, reg, logging.Component(logger, "metrics"))
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start metrics server")
		}
	}

	logger.Info().Msg("fieldmesh started")
	<-ctx.Done()
	logger.Info().Msg("shutting down gracefully")

	// Stop producers of work before the engine, then drain the sinks
	if gateway != nil {
		gateway.Stop()
		timers.Stop()
	}
	if pump != nil {
		pump.Stop()
	}

	stats := eng.Stats()
	eng.Shutdown()

	if forwarder != nil {
		forwarder.Stop()
	}
	if notifier != nil {
		notifier.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	logger.Info().Int("devices", stats.Registry.TotalDevices).Int("subscribers", stats.Subscribers).Msg("fieldmesh stopped")
}

func sweep(ctx context.Context, local *store.MemoryTier) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			local.Sweep()
		}
	}
}
