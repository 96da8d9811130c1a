package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shapesync/config"
	"shapesync/core"
	"shapesync/ephemeral"
	"shapesync/ephemeral/redischannel"
	"shapesync/handlers/api/shapes"
	"shapesync/handlers/api/tools"
	"shapesync/handlers/auth"
	"shapesync/handlers/websocket"
	authMiddleware "shapesync/middleware"
	"shapesync/presence"
	"shapesync/retry"
	"shapesync/stores"
)

type server struct {
	live      *stores.Live
	positions *websocket.PositionHub
	collab    *websocket.Collab
	tracker   presence.Tracker
	tools     *tools.Executor
	policy    retry.Policy
	devTokens bool
}

func setupRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "::1":
					return true
				}
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	if s.devTokens {
		r.Post("/api/auth/token", auth.HandleDevToken)
		logrus.Warn("Development token route enabled")
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.AuthJWT)
		r.Mount("/api/shapes", shapes.NewHandler(s.live, s.policy).Routes())
		r.Post("/api/tools/call", tools.HandleCall(s.tools))
		r.Get("/api/presence", func(w http.ResponseWriter, r *http.Request) {
			members, err := s.tracker.Online(r.Context())
			if err != nil {
				logrus.WithField("error", err).Error("Failed to list presence")
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, map[string]string{"error": "Failed to list presence"})
				return
			}
			if members == nil {
				members = []presence.Member{}
			}
			render.JSON(w, r, members)
		})
		r.Handle("/ws/positions", s.positions)
	})

	r.Get("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, s.collab.ActiveRooms())
	})
	r.Handle("/socket.io/", s.collab.Server().ServeHandler(nil))
	return r
}

// positionBackend picks the relay's record store: Redis when configured,
// otherwise a process-local map.
func positionBackend(cfg *config.Config) (websocket.PositionBackend, presence.Tracker, func()) {
	if cfg.Redis.Addr == "" {
		logrus.Info("Use in-memory position channel")
		return ephemeral.NewMemoryChannel(), presence.NewMemoryTracker(cfg.Presence.TTL), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logrus.WithFields(logrus.Fields{"addr": cfg.Redis.Addr, "canvas": cfg.Redis.Canvas}).Info("Use redis position channel")
	channel := redischannel.New(rdb, cfg.Redis.Canvas, redischannel.DefaultTTL)
	tracker := presence.NewRedisTracker(rdb, cfg.Redis.Canvas, cfg.Presence.TTL)
	return channel, tracker, func() {
		if err := rdb.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close redis client")
		}
	}
}

func waitForShutdown(httpServer *http.Server, closers ...func()) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func main() {
	logLevel := flag.String("loglevel", "", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address")
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	auth.InitAuth(cfg.Auth.JWTSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live, closeStore, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize storage")
	}

	policy := retry.Policy{Attempts: cfg.Sync.LockRetries, Base: cfg.Sync.RetryBase}
	backend, tracker, closeRedis := positionBackend(cfg)
	var cleaner core.PresenceCleaner = presence.NewCleaner(live, tracker, backend, policy)

	hub, err := websocket.NewPositionHub(ctx, backend)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start position relay")
	}
	collab := websocket.SetupSocketIO(tracker, cleaner)
	executor := tools.NewExecutor(live, cfg.Sync)

	s := &server{
		live:      live,
		positions: hub,
		collab:    collab,
		tracker:   tracker,
		tools:     executor,
		policy:    policy,
		devTokens: cfg.Auth.DevTokens,
	}
	httpServer := &http.Server{Addr: cfg.Listen, Handler: setupRouter(s)}

	logrus.WithField("addr", cfg.Listen).Info("starting server")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(httpServer, closeStore, executor.Close, closeRedis, hub.Close, collab.Close)
}
