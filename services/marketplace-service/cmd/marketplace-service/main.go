package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/remlock/remlock/libs/config"
	"github.com/remlock/remlock/libs/db"
	"github.com/remlock/remlock/libs/httpx"
	"github.com/remlock/remlock/libs/kafkax"
	otelx "github.com/remlock/remlock/libs/otel"
	"github.com/remlock/remlock/libs/runtime"
	"github.com/remlock/remlock/services/marketplace-service/internal/events"
	"github.com/remlock/remlock/services/marketplace-service/internal/flags"
	"github.com/remlock/remlock/services/marketplace-service/internal/handlers"
	"github.com/remlock/remlock/services/marketplace-service/internal/ingest"
	"github.com/remlock/remlock/services/marketplace-service/internal/lifecycle"
	"github.com/remlock/remlock/services/marketplace-service/internal/outbox"
	"github.com/remlock/remlock/services/marketplace-service/internal/rules"
	"github.com/remlock/remlock/services/marketplace-service/internal/sla"
	"github.com/remlock/remlock/services/marketplace-service/internal/stats"
	"github.com/remlock/remlock/services/marketplace-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func intEnv(key, fallback string, min int) int {
	v, err := strconv.Atoi(config.String(key, fallback))
	if err != nil || v < min {
		v, _ = strconv.Atoi(fallback)
	}
	return v
}

func main() {
	service := config.String("SERVICE_NAME", "marketplace-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := storage.NewStore(pool)
	dispatcher := events.NewDispatcher(logger)
	slaCfg := sla.Config{
		ResponseMinutes: intEnv("SLA_RESPONSE_MINUTES", "60", 1),
		CompletionHours: intEnv("SLA_COMPLETION_HOURS", "24", 1),
	}
	monitor := sla.NewMonitor(slaCfg)
	recalc := stats.NewRecalculator(pool, logger)

	svc := lifecycle.NewService(store, monitor, dispatcher, recalc, lifecycle.Settings{
		SLA:            slaCfg,
		BankRequisites: config.String("BANK_REQUISITES", ""),
		CryptoWallet:   config.String("CRYPTO_WALLET", ""),
	}, logger)

	engine := rules.NewEngine(store, svc, logger)
	dispatcher.Register(engine)

	flagService := flags.NewService(store)
	eventLog := events.NewLog(store, dispatcher)

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	publisher := outbox.NewPublisher(pool, logger, outbox.Config{
		Brokers:   kafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	if strings.TrimSpace(kafkaBrokers) != "" {
		consumer := ingest.New(logger, store, dispatcher, ingest.Config{
			Brokers: kafkaBrokers,
			GroupID: config.String("KAFKA_GROUP_ID", service),
			Topic:   config.String("INBOUND_EVENTS_TOPIC", "platform.events.inbound"),
		})
		go consumer.Run(ctx)
	}

	apptHandler := handlers.NewAppointmentHandler(svc, store, logger)
	platformHandler := handlers.NewPlatformHandler(store, engine, flagService, eventLog, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/appointments", apptHandler.List)
	mux.HandleFunc("/api/v1/appointments/get", apptHandler.Get)
	mux.HandleFunc("/api/v1/appointments/create", apptHandler.Create)
	mux.HandleFunc("/api/v1/appointments/take", apptHandler.Take)
	mux.HandleFunc("/api/v1/appointments/price", apptHandler.SetPrice)
	mux.HandleFunc("/api/v1/appointments/proof", apptHandler.UploadProof)
	mux.HandleFunc("/api/v1/appointments/mark-paid", apptHandler.MarkPaid)
	mux.HandleFunc("/api/v1/appointments/confirm-payment", apptHandler.ConfirmPayment)
	mux.HandleFunc("/api/v1/appointments/start", apptHandler.Start)
	mux.HandleFunc("/api/v1/appointments/complete", apptHandler.Complete)
	mux.HandleFunc("/api/v1/appointments/decline", apptHandler.Decline)
	mux.HandleFunc("/api/v1/appointments/cancel", apptHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/signal", apptHandler.Signal)
	mux.HandleFunc("/api/v1/appointments/repeat", apptHandler.Repeat)
	mux.HandleFunc("/api/v1/appointments/history", apptHandler.History)
	mux.HandleFunc("/api/v1/admin/appointments/status", apptHandler.SetStatus)
	mux.HandleFunc("/api/v1/admin/rules", platformHandler.Rules)
	mux.HandleFunc("/api/v1/admin/rules/update", platformHandler.UpdateRule)
	mux.HandleFunc("/api/v1/admin/rules/replay", platformHandler.ReplayRules)
	mux.HandleFunc("/api/v1/admin/flags", platformHandler.Flags)
	mux.HandleFunc("/api/v1/admin/events", platformHandler.Events)
	mux.HandleFunc("/api/v1/events/emit", platformHandler.EmitEvent)
	mux.HandleFunc("/api/v1/flags/evaluate", platformHandler.EvaluateFlag)
	mux.HandleFunc("/api/v1/notifications", platformHandler.Notifications)
	mux.HandleFunc("/api/v1/notifications/read", platformHandler.MarkNotificationsRead)
	mux.HandleFunc("/api/v1/notifications/unread-count", platformHandler.UnreadCount)

	limitPerMinute := intEnv("RATE_LIMIT_PER_MINUTE", "120", 1)
	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       intEnv("REDIS_DB", "0", 0),
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.String("RATE_LIMIT_FAIL_OPEN", "true") == "true")
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-Id,X-User-Id")),
			AllowCredentials: config.String("CORS_ALLOW_CREDENTIALS", "false") == "true",
			MaxAge:           time.Duration(intEnv("CORS_MAX_AGE_SECONDS", "600", 0)) * time.Second,
		}),
		rateLimitMW,
		httpx.WithBodyLimit(int64(intEnv("REQUEST_BODY_LIMIT_BYTES", "1048576", 1))),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithTimeout(time.Duration(intEnv("REQUEST_TIMEOUT_SECONDS", "30", 1))*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "marketplace")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
