package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/auth"
	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/compaction"
	"github.com/MainaJoseph/aura-editor-sub000/internal/config"
	"github.com/MainaJoseph/aura-editor-sub000/internal/database"
	"github.com/MainaJoseph/aura-editor-sub000/internal/events"
	"github.com/MainaJoseph/aura-editor-sub000/internal/logging"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/server"
	"github.com/MainaJoseph/aura-editor-sub000/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server with its compaction worker and presence sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "MySQL DSN")
	flags.String("presence-backend", defaults.GetString("presence.backend"), "Presence backend (database, redis)")
	flags.String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the redis presence backend")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers for document events")
	flags.Int("compaction-threshold", defaults.GetInt("collab.compaction_threshold"), "Fragments after the latest snapshot that trigger compaction")

	bindLocalFlag(cmd, "http.address", "http-address")
	bindLocalFlag(cmd, "database.driver", "database-driver")
	bindLocalFlag(cmd, "database.path", "database-path")
	bindLocalFlag(cmd, "database.dsn", "database-dsn")
	bindLocalFlag(cmd, "presence.backend", "presence-backend")
	bindLocalFlag(cmd, "redis.addr", "redis-addr")
	bindLocalFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindLocalFlag(cmd, "collab.compaction_threshold", "compaction-threshold")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "aura-collab")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	publisher, closePublisher, err := newPublisher(appConfig.Kafka, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:            db,
		Clock:               time.Now,
		Logger:              logger.Named("collab"),
		Events:              publisher,
		CompactionThreshold: appConfig.Collab.CompactionThreshold,
	})
	if err != nil {
		return err
	}
	worker := compaction.NewWorker(collabService, compaction.Options{
		QueueSize: appConfig.Compaction.QueueSize,
		Workers:   appConfig.Compaction.Workers,
		MaxRetry:  appConfig.Compaction.MaxRetry,
		Logger:    logger.Named("compaction"),
	})
	collabService.SetCompactionScheduler(worker)

	presenceStore, closePresence, err := newPresenceStore(appConfig, db, logger.Named("presence"))
	if err != nil {
		return err
	}
	defer closePresence()
	sweeper := presence.NewSweeper(presenceStore, appConfig.Presence.SweepInterval, logger.Named("presence"))

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  validator,
		Profiles:  profiles,
		Documents: collabService,
		Presence:  presenceStore,
		Logger:    logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("server stopped", zap.Error(err))
	return err
}

func newPublisher(cfg config.KafkaConfig, logger *zap.Logger) (events.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return events.NopPublisher{}, func() {}, nil
	}
	producer, err := events.NewSyncProducer(cfg.Brokers)
	if err != nil {
		return nil, nil, err
	}
	publisher := events.NewKafkaPublisher(producer, cfg.Topic, events.KafkaOptions{Logger: logger.Named("events")})
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	}, nil
}

func newPresenceStore(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (presence.Store, func(), error) {
	windows := presence.Windows{Active: appConfig.Presence.ActiveWindow, Stale: appConfig.Presence.StaleWindow}
	if appConfig.Presence.Backend != config.PresenceBackendRedis {
		store, err := presence.NewDatabaseStore(presence.DatabaseStoreConfig{
			Database: db,
			Logger:   logger,
			Windows:  windows,
		})
		return store, func() {}, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.Redis.Address,
		Password: appConfig.Redis.Password,
		DB:       appConfig.Redis.DB,
	})
	store, err := presence.NewRedisStore(presence.RedisStoreConfig{
		Client:  client,
		Logger:  logger,
		Windows: windows,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() {
		_ = client.Close()
	}, nil
}
