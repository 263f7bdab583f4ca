package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/turn-gateway/internal/admission"
	"github.com/suPer8Hu/turn-gateway/internal/ai"
	"github.com/suPer8Hu/turn-gateway/internal/auth"
	"github.com/suPer8Hu/turn-gateway/internal/chat"
	"github.com/suPer8Hu/turn-gateway/internal/config"
	"github.com/suPer8Hu/turn-gateway/internal/credentials"
	"github.com/suPer8Hu/turn-gateway/internal/db"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi"
	"github.com/suPer8Hu/turn-gateway/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-gateway/internal/metrics"
	"github.com/suPer8Hu/turn-gateway/internal/orchestrator"
	"github.com/suPer8Hu/turn-gateway/internal/ratelimit"
	"github.com/suPer8Hu/turn-gateway/internal/store/rabbitmq"
	"github.com/suPer8Hu/turn-gateway/internal/store/redisstore"
	"github.com/suPer8Hu/turn-gateway/internal/streams"
	"github.com/suPer8Hu/turn-gateway/internal/tools"
	"github.com/suPer8Hu/turn-gateway/internal/turn"
)

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		fatal("db connect", err)
	}
	if err := db.Migrate(gdb); err != nil {
		fatal("db migrate", err)
	}
	repo := chat.NewRepo(gdb)

	var rdb *redis.Client
	if cfg.RedisEnabled {
		rdb, err = redisstore.Connect(ctx, redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			// limiter, locks and streams all degrade to in-process
			slog.Warn("redis unavailable, running single-instance", "err", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sealer, err := auth.NewSealer(cfg.CredentialsKey)
	if err != nil {
		fatal("credentials key", err)
	}
	if cfg.CredentialsKey == "" {
		slog.Warn("CREDENTIALS_KEY not set, stored API keys will not survive a restart")
	}
	creds := credentials.NewStore(gdb, sealer)

	// admission: one explicit limiter per tier
	tiers := map[admission.Tier]config.Tier{
		admission.TierGuest:   cfg.Tiers.Guest,
		admission.TierRegular: cfg.Tiers.Regular,
		admission.TierBYOK:    cfg.Tiers.BYOK,
	}
	ents := make(map[admission.Tier]admission.Entitlement, len(tiers))
	limiters := make(map[admission.Tier]ratelimit.Limiter, len(tiers))
	for tier, t := range tiers {
		ents[tier] = admission.Entitlement{MaxMessagesPerDay: t.DailyMessages, MaxMessagesPerMinute: t.MinuteMessages}
		window := ratelimit.Config{MaxRequests: t.MinuteMessages, Window: time.Minute}
		if rdb != nil {
			l := ratelimit.NewRedis(rdb, "ratelimit", window, nil)
			l.OnFallback = m.Fallback
			limiters[tier] = l
		} else {
			limiters[tier] = ratelimit.NewMemory(window, nil)
		}
	}
	admit := admission.NewController(repo, creds, ents, limiters)
	admit.OnDenied = func(tier admission.Tier, reason string) { m.Denied(string(tier), reason) }

	models := ai.NewCatalog(cfg)

	// title jobs fall back to the worker when rabbit is configured
	var queue chat.TitleQueue
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitTitleQueue)
		if err != nil {
			slog.Warn("rabbitmq unavailable, failed titles will not be retried", "err", err)
		} else {
			defer pub.Close()
			queue = pub
		}
	}
	titleProvider, err := ai.TitleProvider(ctx, models)
	if err != nil {
		fatal("title provider", err)
	}
	titles := chat.NewTitleGenerator(titleProvider, repo, queue, cfg.TitleTimeout)

	var locker chat.Locker = chat.NewLocalLocker(cfg.ChatLockWait)
	var registry streams.Registry = streams.Noop{}
	if rdb != nil {
		locker = chat.NewRedisLocker(rdb, cfg.ChatLockTTL, cfg.ChatLockWait)
		registry = streams.NewRedis(rdb, repo, cfg.StreamTTL)
	}

	toolset := tools.NewRegistry()
	toolset.MustRegister(tools.NewWeather())
	toolset.MustRegister(tools.NewClock())

	svc := turn.NewService(turn.Deps{
		Admission: admit,
		Locker:    locker,
		Loader:    chat.NewLoader(repo, titles),
		Writer:    chat.NewWriter(repo),
		Models:    models,
		Keys:      creds,
		Tools:     toolset,
		Orchestrator: orchestrator.New(
			tools.NewExecutor(tools.ExecConfig{Concurrency: cfg.ToolConcurrency, Timeout: cfg.ToolTimeout}),
			orchestrator.Config{MaxSteps: cfg.TurnMaxSteps},
			m,
		),
		Streams: registry,
		Chats:   repo,
		Metrics: m,
	}, turn.Config{TurnTimeout: cfg.TurnTimeout})

	h := handlers.NewHandler(handlers.Deps{
		Turns:       svc,
		Chats:       repo,
		Models:      models,
		Credentials: creds,
		JWTSecret:   cfg.JWTSecret,
		TokenTTL:    cfg.TokenTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr, "redis", rdb != nil, "streams", registry.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}
