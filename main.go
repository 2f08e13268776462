package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"fleet-link/internal/audit"
	"fleet-link/internal/auth"
	"fleet-link/internal/fleetapi"
	"fleet-link/internal/observability/metrics"
	pollingapp "fleet-link/internal/polling/application"
	pollinghttp "fleet-link/internal/polling/interfaces/http"
	positioncache "fleet-link/internal/positions/infrastructure/memory"
	positionhttp "fleet-link/internal/positions/interfaces/http"
	positionmqtt "fleet-link/internal/positions/interfaces/mqtt"
	sessionapp "fleet-link/internal/session/application"
	"fleet-link/internal/session/credentials"
	session "fleet-link/internal/session/domain"
	sessionmemory "fleet-link/internal/session/infrastructure/memory"
	sessionpostgres "fleet-link/internal/session/infrastructure/postgres"
	sessionsqlite "fleet-link/internal/session/infrastructure/sqlite"
	sessionhttp "fleet-link/internal/session/interfaces/http"
	"fleet-link/internal/session/sealed"
	"fleet-link/internal/settings"
	statusapp "fleet-link/internal/status/application"
	statushttp "fleet-link/internal/status/interfaces/http"
	statusnotify "fleet-link/internal/status/notify"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	tunables, err := settings.Load()
	if err != nil {
		logger.Fatalf("settings error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	}

	codec, err := sealed.NewCodec(cfg.SessionSealKey)
	if err != nil {
		logger.Fatalf("session codec error: %v", err)
	}
	store, closeStore, err := openSessionStore(ctx, cfg, db, codec)
	if err != nil {
		logger.Fatalf("session store error: %v", err)
	}
	defer closeStore()
	logger.Printf("session store: kind=%s sealed=%t", cfg.SessionStore, cfg.SessionSealKey != "")

	if cfg.SessionStore == "postgres" {
		metrics.Init(db, logger)
	} else {
		metrics.Init(nil, logger)
	}

	var auditLogger audit.Logger = audit.NewLogWriter(logger)
	if db != nil {
		auditRepo := audit.NewRepository(db)
		if err := auditRepo.InitSchema(ctx); err != nil {
			logger.Fatalf("audit schema error: %v", err)
		}
		auditLogger = auditRepo
	}

	remote, err := fleetapi.NewClient(cfg.FleetBaseURL)
	if err != nil {
		logger.Fatalf("fleet api client error: %v", err)
	}

	verifier := credentials.NewVerifier(cfg.BcryptCost)
	if cfg.LocalCredentialsFile != "" {
		if err := verifier.LoadFile(cfg.LocalCredentialsFile); err != nil {
			logger.Fatalf("local credentials error: %v", err)
		}
	}

	cache, err := positioncache.NewCache(positioncache.WithThresholds(tunables.Positions.Staleness))
	if err != nil {
		logger.Fatalf("position cache error: %v", err)
	}
	metrics.RegisterPositionCacheSize(cache.Len)

	coordinator := statusapp.NewCoordinator(
		statusapp.WithPriorityWindow(tunables.Status.PriorityWindow),
		statusapp.WithSubscriberBuffer(tunables.Status.SubscriberBuffer),
		statusapp.WithLogger(logger),
	)

	if cfg.StatusWebhookURL != "" {
		channel, err := statusnotify.NewWebhookChannel(cfg.StatusWebhookURL)
		if err != nil {
			logger.Fatalf("status webhook error: %v", err)
		}
		tpl, err := statusnotify.NewTemplate(cfg.StatusNotifyTemplate)
		if err != nil {
			logger.Fatalf("status notify template error: %v", err)
		}
		notifier, err := statusnotify.NewNotifier(channel, tpl,
			statusnotify.WithCooldown(cfg.StatusNotifyCooldown),
			statusnotify.WithDedupeWindow(cfg.StatusNotifyDedupe),
			statusnotify.WithLogger(logger),
		)
		if err != nil {
			logger.Fatalf("status notifier error: %v", err)
		}
		unsubscribe := coordinator.Subscribe(notifier.Observe)
		defer unsubscribe()
	}

	manager, err := sessionapp.NewManager(remote, store,
		sessionapp.WithVerifier(verifier),
		sessionapp.WithConfig(tunables.Session),
		sessionapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("session manager error: %v", err)
	}
	saveFlow, err := sessionapp.NewSaveFlow(manager, coordinator)
	if err != nil {
		logger.Fatalf("save flow error: %v", err)
	}

	engine, err := pollingapp.NewEngine(manager, remote, cache, coordinator,
		pollingapp.WithEntities(pollingapp.StaticEntities(tunables.Polling.Entities)),
		pollingapp.WithFetchTimeout(tunables.Polling.FetchTimeout),
		pollingapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("polling engine error: %v", err)
	}
	defer engine.Stop()

	if cfg.BootstrapUsername != "" {
		if _, err := saveFlow.Save(ctx, cfg.BootstrapUsername, cfg.BootstrapPassword); err != nil {
			logger.Printf("bootstrap login: user=%s level=%s err=%v", cfg.BootstrapUsername, manager.CurrentLevel(), err)
		}
	}
	if tunables.Polling.AutoStart {
		if err := engine.Start(ctx, tunables.Polling.Config); err != nil {
			logger.Fatalf("polling start error: %v", err)
		}
	}

	sessionHandler, err := sessionhttp.NewHandler(manager, saveFlow, auditLogger, logger)
	if err != nil {
		logger.Fatalf("session handler error: %v", err)
	}
	statusHandler, err := statushttp.NewHandler(coordinator)
	if err != nil {
		logger.Fatalf("status handler error: %v", err)
	}
	positionHandler, err := positionhttp.NewHandler(cache, logger)
	if err != nil {
		logger.Fatalf("positions handler error: %v", err)
	}
	ingestHandler, err := positionhttp.NewIngestHandler(cache, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	pollingHandler, err := pollinghttp.NewHandler(ctx, engine, tunables.Polling.Config, auditLogger, logger)
	if err != nil {
		logger.Fatalf("polling handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/session", sessionHandler)
	mux.Handle("/api/v1/session/", sessionHandler)
	mux.Handle("/api/v1/status", statusHandler)
	mux.Handle("/api/v1/status/stream", statushttp.NewStreamHandler(coordinator, 0, logger))
	mux.Handle("/api/v1/positions", positionHandler)
	mux.Handle("/api/v1/positions/", positionHandler)
	mux.Handle("/api/v1/polling", pollingHandler)
	mux.Handle("/api/v1/polling/", pollingHandler)
	mux.Handle("/ingest/positions", auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second).Wrap(ingestHandler))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	handler := auth.NewMiddleware([]byte(cfg.JWTSecret), policy).Wrap(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
		// Status streams end with the process context so Shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runRetentionSweep(gctx, cache, tunables.Positions.Retention, tunables.Positions.SweepInterval, logger)
		return nil
	})
	if cfg.MQTTBrokerURL != "" {
		subscriber, err := positionmqtt.NewSubscriber(positionmqtt.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			QoS:       1,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, cache, logger)
		if err != nil {
			logger.Fatalf("mqtt subscriber error: %v", err)
		}
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("server error: %v", err)
	}
	logger.Printf("shutdown complete")
}

// openSessionStore picks the last-good session store named by SESSION_STORE.
func openSessionStore(ctx context.Context, cfg config, db *sql.DB, codec session.Codec) (session.Store, func(), error) {
	switch cfg.SessionStore {
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("SESSION_STORE=postgres requires DATABASE_URL")
		}
		store, err := sessionpostgres.NewStore(db, codec)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "sqlite":
		store, err := sessionsqlite.Open(cfg.SessionSQLitePath, codec)
		if err != nil {
			return nil, nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		return sessionmemory.NewStore(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown SESSION_STORE " + strconv.Quote(cfg.SessionStore))
	}
}

func runRetentionSweep(ctx context.Context, cache *positioncache.Cache, retention, every time.Duration, logger *log.Logger) {
	if retention <= 0 || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := cache.Sweep(retention); removed > 0 {
				logger.Printf("positions: retention sweep removed=%d retention=%s", removed, retention)
			}
		}
	}
}

type config struct {
	HTTPAddr             string
	DatabaseURL          string
	FleetBaseURL         string
	JWTSecret            string
	IngestSecret         string
	IngestSkewSeconds    int
	SessionStore         string
	SessionSQLitePath    string
	SessionSealKey       string
	LocalCredentialsFile string
	BcryptCost           int
	BootstrapUsername    string
	BootstrapPassword    string
	MQTTBrokerURL        string
	MQTTClientID         string
	MQTTTopic            string
	MQTTUsername         string
	MQTTPassword         string
	StatusWebhookURL     string
	StatusNotifyTemplate string
	StatusNotifyCooldown time.Duration
	StatusNotifyDedupe   time.Duration
}

func loadConfig() config {
	cfg := config{
		HTTPAddr:             getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:          getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		FleetBaseURL:         getenvDefault("FLEET_BASE_URL", ""),
		JWTSecret:            getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:         getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds:    getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		SessionSQLitePath:    getenvDefault("SESSION_SQLITE_PATH", "data/sessions.db"),
		SessionSealKey:       getenvDefault("SESSION_SEAL_KEY", ""),
		LocalCredentialsFile: getenvDefault("LOCAL_CREDENTIALS_FILE", ""),
		BcryptCost:           getenvIntDefault("LOCAL_BCRYPT_COST", 0),
		BootstrapUsername:    getenvDefault("FLEET_USERNAME", ""),
		BootstrapPassword:    getenvDefault("FLEET_PASSWORD", ""),
		MQTTBrokerURL:        getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:         getenvDefault("MQTT_CLIENT_ID", "fleet-link"),
		MQTTTopic:            getenvDefault("MQTT_TOPIC", positionmqtt.DefaultTopic),
		MQTTUsername:         getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:         getenvDefault("MQTT_PASSWORD", ""),
		StatusWebhookURL:     getenvDefault("STATUS_WEBHOOK_URL", ""),
		StatusNotifyTemplate: getenvDefault("STATUS_NOTIFY_TEMPLATE", ""),
		StatusNotifyCooldown: getenvDuration("STATUS_NOTIFY_COOLDOWN", 5*time.Minute),
		StatusNotifyDedupe:   getenvDuration("STATUS_NOTIFY_DEDUP_WINDOW", 0),
	}
	defaultStore := "memory"
	if cfg.DatabaseURL != "" {
		defaultStore = "postgres"
	}
	cfg.SessionStore = getenvDefault("SESSION_STORE", defaultStore)

	if cfg.FleetBaseURL == "" {
		log.Fatal("FLEET_BASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the status stream working through the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
