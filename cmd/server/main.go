package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kds-service/config"
	"kds-service/internal/api"
	"kds-service/internal/broker"
	"kds-service/internal/builder"
	"kds-service/internal/fanout"
	"kds-service/internal/printqueue"
	"kds-service/internal/redisclient"
	"kds-service/internal/routing"
	"kds-service/internal/service"
	"kds-service/internal/store"
	"kds-service/internal/util"
	"kds-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting kds service", zap.String("instance_id", cfg.Server.InstanceID))

	tp, err := util.InitTracer(util.TracingConfig{
		ServiceName:    "kds-service",
		InstanceID:     cfg.Server.InstanceID,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	ctx := context.Background()
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	directory := routing.NewDirectory(db, cfg.Kitchen.DirectoryRefresh)
	if cfg.Kitchen.StationsFile != "" {
		seed, err := routing.LoadSeedFile(cfg.Kitchen.StationsFile)
		if err != nil {
			log.Fatalf("Failed to load stations file: %v", err)
		}
		if err := seed.Apply(ctx, db, directory); err != nil {
			log.Fatalf("Failed to seed stations: %v", err)
		}
		logger.Info("Stations seeded", zap.String("file", cfg.Kitchen.StationsFile))
	}

	var (
		locker service.Locker = service.NewLocalLocker()
		keys   worker.IdempotencyKeys
		checks = []api.ReadinessCheck{func(ctx context.Context) error { return db.GetDB().PingContext(ctx) }}
	)
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		locker = redisClient
		keys = redisClient
		checks = append(checks, redisClient.Ping)
	}

	var (
		notifier fanout.ChangeNotifier
		source   broker.ChangeSource
	)
	switch cfg.Notify.Backend {
	case "kafka":
		notifier = broker.NewKafkaNotifier(broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges))
		source = broker.NewKafkaChangeSource(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, cfg.Kafka.ChangeGroup)
	case "nats":
		channel, err := broker.NewNATSChannel(broker.NATSConfig{
			URL:          cfg.NATS.URL,
			StreamName:   cfg.NATS.StreamName,
			Subject:      cfg.NATS.Subject,
			ConsumerName: "kds-" + cfg.Server.InstanceID,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		notifier, source = channel, channel
	default:
		logger.Info("Change notification disabled, running as a single instance")
	}

	hub := fanout.NewHub(cfg.Notify.BufferSize)
	relay := fanout.NewRelay(hub, notifier, db, cfg.Server.InstanceID, fanout.RelayOptions{
		MaxAttempts: cfg.Notify.MaxAttempts,
		BaseBackoff: cfg.Notify.BaseBackoff,
		MaxBackoff:  cfg.Notify.MaxBackoff,
		QueueSize:   cfg.Notify.QueueSize,
	})

	planner := printqueue.NewPlanner(directory)
	queue := printqueue.NewQueue(db, printqueue.Options{
		MaxAttempts:  cfg.Print.MaxAttempts,
		BaseBackoff:  cfg.Print.BaseBackoff,
		MaxBackoff:   cfg.Print.MaxBackoff,
		LeaseTimeout: cfg.Print.LeaseTimeout,
	})

	ticketService := service.NewTicketService(db, locker, relay, planner, service.Options{
		CanceledItemVisibility: cfg.Kitchen.CanceledItemVisibility,
		AutoBumpServed:         cfg.Kitchen.AutoBumpServed,
	})
	ticketBuilder := builder.NewBuilder(ticketService, db, directory, locker)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	relay.Start(workerCtx)

	var orderConsumer *broker.Consumer
	if cfg.Kafka.ConsumeOrders {
		orderConsumer = broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderEvents, cfg.Kafka.ConsumerGroup)
	}
	orderWorker := worker.NewOrderEventWorker(orderConsumer, ticketBuilder, keys, db)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Order event worker error", zap.Error(err))
		}
	}()

	var changeWorker *worker.ChangeWorker
	if source != nil {
		changeWorker = worker.NewChangeWorker(source, relay)
		go func() {
			if err := changeWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Change worker error", zap.Error(err))
			}
		}()
	}

	reaper := worker.NewPrintReaper(queue, cfg.Print.ReapInterval)
	go func() {
		if err := reaper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Print reaper error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(ticketService, queue, hub, orderWorker, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	// live feeds never finish on their own
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	if err := relay.Close(); err != nil {
		logger.Warn("Error closing change notifier", zap.Error(err))
	}
	workerCancel()
	orderWorker.Stop()
	if changeWorker != nil {
		changeWorker.Stop()
	}

	logger.Info("Server exited")
}
