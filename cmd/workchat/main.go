package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/archive"
	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/config"
	"github.com/whisper/workchat/internal/logging"
	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/outbound"
	"github.com/whisper/workchat/internal/reconcile"
	"github.com/whisper/workchat/internal/restapi"
	"github.com/whisper/workchat/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON/TOML config file (default: $WORKCHAT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("workchat client starting",
		zap.String("transport", cfg.Server.Transport),
		zap.String("ws_url", cfg.Server.WSURL),
		zap.String("nats_url", cfg.Server.NATSURL),
		zap.String("api_base_url", cfg.Server.APIBaseURL),
		zap.String("user_id", cfg.Auth.UserID),
		zap.String("outbox", cfg.Outbox.Kind),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.String("metrics_addr", cfg.Metrics.Addr),
	)

	var tr transport.Transport
	switch cfg.Server.Transport {
	case config.TransportNATS:
		tr = transport.NewNATS(cfg.NATS(), logger.Named("transport"))
	default:
		tr = transport.NewWebSocket(cfg.WebSocket(), logger.Named("transport"))
	}

	api, err := restapi.New(cfg.REST(), cfg.Auth.Credential, logger.Named("restapi"))
	if err != nil {
		logger.Fatal("failed to build REST client", zap.Error(err))
	}

	// --- Archive ---
	var (
		store  *archive.Store
		mirror *archive.Mirror
		sink   reconcile.Sink
	)
	if cfg.Archive.Enabled {
		openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = archive.Open(openCtx, cfg.Archive.DSN)
		cancel()
		if err != nil {
			logger.Fatal("failed to open archive", zap.Error(err))
		}
		mirror = archive.NewMirror(store, cfg.Archive.Buffer, logger.Named("archive"))
		go mirror.Run(context.Background())
		sink = mirror
	}

	engine := reconcile.New(tr, api, reconcile.Options{
		SelfID:       cfg.Auth.UserID,
		PageSize:     cfg.Transport.PageSize,
		FetchTimeout: cfg.Transport.FetchTimeout,
		TypingTTL:    cfg.Typing.TTL,
		Sink:         sink,
		Logger:       logger.Named("reconcile"),
	})

	// --- Outbox ---
	var (
		outbox      outbound.Outbox
		redisClient *redis.Client
	)
	switch cfg.Outbox.Kind {
	case config.OutboxRedis:
		redisClient, err = outbound.DialRedis(cfg.Outbox.RedisAddr, cfg.Outbox.RedisPassword, cfg.Outbox.RedisDB)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		outbox = outbound.NewRedisOutbox(redisClient, cfg.Auth.UserID, cfg.Outbox.Capacity)
	default:
		outbox = outbound.NewMemoryOutbox(cfg.Outbox.Capacity)
	}

	facade := outbound.New(tr, engine, api, outbound.Options{
		Outbox:         outbox,
		TypingInterval: cfg.Typing.Throttle,
		Logger:         logger.Named("outbound"),
	})
	convs := outbound.NewConversations(api, engine, tr)

	// --- Metrics ---
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	if err := tr.Connect(ctx, cfg.Auth.Credential); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}

	go watchFeed(ctx, engine.Feed(), logger.Named("feed"))

	con := &console{
		engine: engine,
		facade: facade,
		convs:  convs,
		api:    api,
		status: tr.Status,
		out:    os.Stdout,
	}
	if store != nil {
		con.archive = store
	}
	go func() {
		if con.run(ctx, os.Stdin) {
			stop()
			return
		}
		logger.Info("console input closed, running headless")
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := tr.Disconnect(); err != nil {
		logger.Warn("disconnect failed", zap.Error(err))
	}
	engine.Stop()
	if mirror != nil {
		mirror.Close()
	}
	if store != nil {
		store.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("stopped")
}

// watchFeed logs change notifications at debug level until ctx ends.
func watchFeed(ctx context.Context, feed *chat.Feed, log *zap.Logger) {
	changes, cancel := feed.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			log.Debug("change",
				zap.String("kind", string(c.Kind)),
				zap.String("conversation", c.ConversationID),
				zap.String("message", c.MessageID))
		}
	}
}
