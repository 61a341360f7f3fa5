package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"realtime-core/internal/config"
	"realtime-core/internal/handlers"
	"realtime-core/internal/metrics"
	"realtime-core/internal/models"
	"realtime-core/internal/services"
	"realtime-core/internal/utils"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	// Build information (set during build)
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found, using environment variables\n")
	}

	cfg := config.Load()

	if err := utils.InitLogger(cfg.App.LogLevel, cfg.App.Environment); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	utils.Info("Starting realtime-core server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("environment", cfg.App.Environment),
		zap.String("go_version", runtime.Version()),
		zap.Int("cpu_count", runtime.NumCPU()),
		zap.String("server_address", fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)))

	runtime.GOMAXPROCS(runtime.NumCPU())

	metrics.Init()

	app, err := initializeApplication(cfg)
	if err != nil {
		utils.Fatal("Failed to initialize application", zap.Error(err))
	}

	server := startHTTPServer(app)

	utils.Info("realtime-core server started successfully")

	setupGracefulShutdown(server, app, cfg)
}

// Application holds all application services and dependencies.
type Application struct {
	Config           *config.Config
	RedisService     *services.RedisService
	CallLogService   *services.CallLogService
	Store            *services.Store
	Orchestrator     *services.Orchestrator
	Registry         *services.Registry
	Rooms            *services.RoomTracker
	Calls            *services.CallCoordinator
	Reconnect        *services.ReconnectionManager
	WebSocketHandler *handlers.WebSocketHandler
}

// initializeApplication wires every service in dependency order.
func initializeApplication(cfg *config.Config) (*Application, error) {
	app := &Application{
		Config: cfg,
	}

	utils.Info("Initializing Redis service...")
	redisService, err := services.NewRedisService(&cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis service: %w", err)
	}
	app.RedisService = redisService

	utils.Info("Initializing call log service...")
	callLog, err := services.NewCallLogService(cfg)
	if err != nil {
		redisService.Close()
		return nil, fmt.Errorf("failed to initialize call log service: %w", err)
	}
	app.CallLogService = callLog

	app.Store = services.NewStore(redisService, callLog)

	// The orchestrator is the transport every domain service broadcasts
	// through; it is created first and bound last.
	orchestrator := services.NewOrchestrator(cfg)
	app.Orchestrator = orchestrator

	registry := services.NewRegistry(orchestrator, app.Store, cfg.Heartbeat.Interval, cfg.Limits.OnlineUsersCap)
	registry.OnEvent(func(event string, identity models.ConnectionIdentity) {
		msg := models.NewWebSocketMessage(models.MessageType(event), "", identity.UserID, map[string]interface{}{
			"username": identity.Username,
			"role":     identity.Role,
		})
		if err := redisService.PublishUserEvent(msg); err != nil {
			utils.Debug("Failed to publish lifecycle event",
				zap.String("event", event),
				zap.String("user_id", identity.UserID))
		}
	})
	app.Registry = registry

	rooms := services.NewRoomTracker(orchestrator, app.Store, cfg.Rooms.MaxRoomsPerUser, cfg.Limits.RoomMembershipCap, cfg.Rooms.SweepInterval)
	rooms.Start()
	app.Rooms = rooms

	calls := services.NewCallCoordinator(orchestrator, app.Store, registry, cfg.Calls, cfg.Limits.ActiveCallsCap)
	calls.Start()
	app.Calls = calls

	reconnect := services.NewReconnectionManager(orchestrator, cfg.Recovery, cfg.Limits.RecoverySessionsCap)
	reconnect.Start()
	app.Reconnect = reconnect

	orchestrator.Bind(registry, rooms, calls, reconnect)

	// Mirror room broadcasts through Redis so peers deliver them to their
	// own sockets.
	orchestrator.SetPublishFunc(func(roomID string, msg *models.WebSocketMessage) {
		if err := redisService.PublishBroadcast(msg); err != nil {
			utils.Debug("Failed to mirror broadcast",
				zap.String("room_id", roomID),
				zap.String("message_id", msg.MessageID))
		}
	})
	if err := redisService.SubscribeBroadcast(func(channel string, msg *models.WebSocketMessage) error {
		if msg.RoomID != "" {
			orchestrator.BroadcastLocal(msg.RoomID, msg)
		} else {
			orchestrator.BroadcastAll(msg)
		}
		return nil
	}); err != nil {
		closeApplication(app)
		return nil, fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
	}

	utils.Info("Initializing WebSocket handler...")
	wsHandler, err := handlers.NewWebSocketHandler(orchestrator, registry, rooms, calls, reconnect, redisService, callLog, cfg)
	if err != nil {
		closeApplication(app)
		return nil, fmt.Errorf("failed to initialize WebSocket handler: %w", err)
	}
	app.WebSocketHandler = wsHandler

	utils.Info("All services initialized successfully")
	return app, nil
}

// startHTTPServer starts the HTTP server. With TLS_DOMAIN set the server
// terminates TLS itself via autocert; otherwise it listens plain for a
// fronting load balancer.
func startHTTPServer(app *Application) *http.Server {
	router := setupRouter(app)

	if domain := app.Config.Server.TLSDomain; domain != "" {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache("certs"),
			HostPolicy: autocert.HostWhitelist(domain),
		}

		server := &http.Server{
			Addr:         ":443",
			Handler:      router,
			ReadTimeout:  app.Config.Server.ReadTimeout,
			WriteTimeout: app.Config.Server.WriteTimeout,
			IdleTimeout:  time.Second * 120,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}

		// ACME challenge listener with HTTP->HTTPS redirect.
		go func() {
			httpHandler := m.HTTPHandler(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
				}))
			if err := http.ListenAndServe(":80", httpHandler); err != nil {
				utils.Fatal("HTTP-01 listener failed", zap.Error(err))
			}
		}()

		go func() {
			utils.Info("HTTPS server starting", zap.String("address", server.Addr))
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				utils.Fatal("HTTPS server failed", zap.Error(err))
			}
		}()

		return server
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", app.Config.Server.Host, app.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  app.Config.Server.ReadTimeout,
		WriteTimeout: app.Config.Server.WriteTimeout,
		IdleTimeout:  time.Second * 120,
	}

	go func() {
		utils.Info("HTTP server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	return server
}

// setupRouter configures the HTTP router with all routes and middleware.
func setupRouter(app *Application) *mux.Router {
	router := mux.NewRouter()

	router.Use(recoveryMiddleware)
	router.Use(requestIDMiddleware)
	router.Use(securityHeadersMiddleware)

	app.WebSocketHandler.RegisterRoutes(router)

	router.HandleFunc("/", rootHandler).Methods("GET")
	router.HandleFunc("/version", versionHandler).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return router
}

// setupGracefulShutdown blocks until a signal arrives, then drains.
func setupGracefulShutdown(server *http.Server, app *Application, cfg *config.Config) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-quit
	utils.Info("Shutdown signal received",
		zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	utils.Info("Shutting down HTTP server...")
	if err := server.Shutdown(ctx); err != nil {
		utils.Error("HTTP server forced to shutdown", zap.Error(err))
	} else {
		utils.Info("HTTP server shut down gracefully")
	}

	closeApplication(app)

	utils.Info("realtime-core server shut down successfully")
}

// closeApplication closes services in reverse order of initialization.
func closeApplication(app *Application) {
	if app == nil {
		return
	}

	if app.Orchestrator != nil {
		utils.Info("Closing orchestrator...")
		if err := app.Orchestrator.Close(); err != nil {
			utils.Error("Failed to close orchestrator", zap.Error(err))
		}
	}

	if app.Reconnect != nil {
		app.Reconnect.Close()
	}
	if app.Calls != nil {
		app.Calls.Close()
	}
	if app.Rooms != nil {
		app.Rooms.Close()
	}

	if app.CallLogService != nil {
		utils.Info("Closing call log service...")
		if err := app.CallLogService.Close(); err != nil {
			utils.Error("Failed to close call log service", zap.Error(err))
		}
	}

	if app.RedisService != nil {
		utils.Info("Closing Redis service...")
		if err := app.RedisService.Close(); err != nil {
			utils.Error("Failed to close Redis service", zap.Error(err))
		}
	}
}

// HTTP Handlers

func rootHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":   "realtime-core",
		"version":   Version,
		"status":    "running",
		"timestamp": time.Now().UTC(),
		"endpoints": map[string]string{
			"websocket": "/ws",
			"health":    "/health",
			"ready":     "/ready",
			"version":   "/version",
			"metrics":   "/metrics",
			"stats":     "/stats",
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := writeJSONResponse(w, response); err != nil {
		utils.Error("Failed to write root response", zap.Error(err))
	}
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
		"timestamp":  time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := writeJSONResponse(w, response); err != nil {
		utils.Error("Failed to write version response", zap.Error(err))
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"error":     "Not Found",
		"message":   "The requested resource was not found",
		"path":      r.URL.Path,
		"method":    r.Method,
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)

	if err := writeJSONResponse(w, response); err != nil {
		utils.Error("Failed to write 404 response", zap.Error(err))
	}
}

// Middleware

// recoveryMiddleware recovers from panics and logs them.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.Error("Panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("remote_addr", r.RemoteAddr))

				response := map[string]interface{}{
					"error":     "Internal Server Error",
					"message":   "An unexpected error occurred",
					"timestamp": time.Now().UTC(),
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				writeJSONResponse(w, response)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware adds a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := generateRequestID()

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

// securityHeadersMiddleware adds security headers to responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func writeJSONResponse(w http.ResponseWriter, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(data)
}

func generateRequestID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
