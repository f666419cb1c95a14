package main

import (
	"context"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opdflow/internal/cache"
	"opdflow/internal/config"
	"opdflow/internal/httpapi"
	"opdflow/internal/hub"
	"opdflow/internal/notifier"
	"opdflow/internal/store/postgres"
	"opdflow/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "opd-service").Logger()

	shutdownTelemetry := telemetry.Setup("opd-service", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{SessionTTL: cfg.SessionTTL})

	var queueCache *cache.QueueCache
	if cfg.RedisURL != "" {
		queueCache, err = cache.NewQueueCache(cfg.RedisURL, cfg.SnapshotCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect failed")
		}
		defer func() { _ = queueCache.Close() }()
	}

	h := hub.New(logger)

	var snapshotCache httpapi.SnapshotCache
	var notifierCache notifier.Cache
	if queueCache != nil {
		snapshotCache = queueCache
		notifierCache = queueCache
	}
	handler := httpapi.NewHandler(st, snapshotCache)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", newRealtimeHandler(st, h))
	mux.Handle("/", handler.Routes())

	chain := httpapi.LoggingMiddleware(logger, limiter.Middleware(httpapi.AuthMiddleware(st, mux)))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "opd-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("opd-service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	poller := notifier.New(st, h, notifierCache, logger, notifier.Options{
		Interval:  cfg.PollInterval,
		BatchSize: cfg.PollBatchSize,
		Retention: cfg.OutboxRetention,
	})
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("outbox poller stopped")
		}
	}()

	go func() {
		if cfg.SessionSweepInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.SessionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 10*time.Second)
				count, err := st.DeleteExpiredSessions(sweepCtx)
				sweepCancel()
				if err != nil {
					logger.Error().Err(err).Msg("session sweep failed")
					continue
				}
				if count > 0 {
					logger.Info().Int("count", count).Msg("expired sessions removed")
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func newRealtimeHandler(st *postgres.Store, h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		sessionID := req.URL.Query().Get("session_id")
		if sessionID == "" {
			sessionID = req.Header.Get("X-Session-ID")
		}
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		if _, err := st.GetSession(context.Background(), sessionID); err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{Department: parsed.Department})
		}
	})
}
