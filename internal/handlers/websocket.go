package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/models"
	"realtime-core/internal/services"
	"realtime-core/internal/utils"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// WebSocketHandler owns the HTTP surface: the upgrade endpoint plus the
// health, readiness, and stats routes.
type WebSocketHandler struct {
	orchestrator *services.Orchestrator
	registry     *services.Registry
	rooms        *services.RoomTracker
	calls        *services.CallCoordinator
	reconnect    *services.ReconnectionManager
	redisService *services.RedisService
	callLog      *services.CallLogService
	config       *config.Config

	allowedOrigins map[string]bool
	rateLimiter    *RequestRateLimiter
	startTime      time.Time
}

// RequestRateLimiter implements per-IP rate limiting.
type RequestRateLimiter struct {
	mu       sync.Mutex
	requests map[string]*IPRateLimit
}

// IPRateLimit tracks rate limiting for a specific IP.
type IPRateLimit struct {
	count     int
	resetTime time.Time
	blocked   bool
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	Connections int64             `json:"connections"`
	Uptime      string            `json:"uptime"`
	Services    map[string]string `json:"services"`
}

// NewWebSocketHandler creates the HTTP handler.
func NewWebSocketHandler(
	orchestrator *services.Orchestrator,
	registry *services.Registry,
	rooms *services.RoomTracker,
	calls *services.CallCoordinator,
	reconnect *services.ReconnectionManager,
	redisService *services.RedisService,
	callLog *services.CallLogService,
	cfg *config.Config,
) (*WebSocketHandler, error) {

	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	allowedOrigins := make(map[string]bool)
	for _, origin := range cfg.Server.AllowedOrigins {
		allowedOrigins[origin] = true
	}
	if cfg.App.Environment == "development" || cfg.App.Environment == "staging" {
		allowedOrigins["http://localhost:3000"] = true
		allowedOrigins["http://localhost:8080"] = true
		allowedOrigins["http://localhost:5000"] = true
	}

	handler := &WebSocketHandler{
		orchestrator:   orchestrator,
		registry:       registry,
		rooms:          rooms,
		calls:          calls,
		reconnect:      reconnect,
		redisService:   redisService,
		callLog:        callLog,
		config:         cfg,
		allowedOrigins: allowedOrigins,
		rateLimiter:    NewRequestRateLimiter(),
		startTime:      time.Now(),
	}

	utils.Info("WebSocket handler initialized",
		zap.Int("allowed_origins", len(allowedOrigins)))

	return handler, nil
}

// NewRequestRateLimiter creates a new request rate limiter.
func NewRequestRateLimiter() *RequestRateLimiter {
	rl := &RequestRateLimiter{
		requests: make(map[string]*IPRateLimit),
	}
	go rl.cleanupExpiredEntries()
	return rl
}

// IsAllowed checks if a request from the given IP is allowed.
func (rl *RequestRateLimiter) IsAllowed(ip string) bool {
	if ip == "" {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	entry, exists := rl.requests[ip]
	if !exists {
		rl.requests[ip] = &IPRateLimit{
			count:     1,
			resetTime: now.Add(time.Minute),
		}
		return true
	}

	if now.After(entry.resetTime) {
		entry.count = 1
		entry.resetTime = now.Add(time.Minute)
		entry.blocked = false
		return true
	}

	if entry.blocked {
		return false
	}

	entry.count++

	// 100 requests per minute per IP
	if entry.count > 100 {
		entry.blocked = true
		utils.Warn("IP rate limited",
			zap.String("ip", ip),
			zap.Int("count", entry.count))
		return false
	}

	return true
}

func (rl *RequestRateLimiter) cleanupExpiredEntries() {
	ticker := time.NewTicker(time.Minute * 5)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for ip, entry := range rl.requests {
			if now.After(entry.resetTime.Add(time.Minute * 5)) {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// RegisterRoutes registers HTTP routes.
func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws", h.handleWebSocketConnection).Methods("GET")

	router.HandleFunc("/health", h.healthCheck).Methods("GET")
	router.HandleFunc("/ready", h.readinessCheck).Methods("GET")

	stats := h.corsMiddleware(h.rateLimitMiddleware(h.loggingMiddleware(http.HandlerFunc(h.getStats))))
	router.Handle("/stats", stats).Methods("GET")

	utils.Info("WebSocket handler routes registered")
}

// handleWebSocketConnection handles WebSocket upgrade requests.
func (h *WebSocketHandler) handleWebSocketConnection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := h.getClientIP(r)

	if !h.rateLimiter.IsAllowed(clientIP) {
		utils.Warn("WebSocket connection rate limited",
			zap.String("ip", clientIP))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if !h.validateOrigin(r) {
		utils.Warn("WebSocket connection rejected - invalid origin",
			zap.String("origin", r.Header.Get("Origin")),
			zap.String("ip", clientIP))
		http.Error(w, "Invalid origin", http.StatusForbidden)
		return
	}

	identity, err := h.parseIdentity(r, clientIP)
	if err != nil {
		utils.Error("Invalid connection request",
			zap.Error(err),
			zap.String("ip", clientIP))
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		utils.Error("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("ip", clientIP))
		return
	}

	sc, err := h.orchestrator.HandleConnection(conn, identity)
	if err != nil {
		utils.Error("Failed to accept connection",
			zap.Error(err),
			zap.String("user_id", identity.UserID),
			zap.String("ip", clientIP))
		h.rejectSocket(conn, err)
		return
	}

	utils.Info("WebSocket connection established",
		zap.String("connection_id", sc.ID),
		zap.String("user_id", identity.UserID),
		zap.String("ip", clientIP),
		zap.Duration("setup_time", time.Since(startTime)))
}

// rejectSocket delivers a typed auth error over the fresh socket before
// closing it. Registration failures are terminal for the connection.
func (h *WebSocketHandler) rejectSocket(conn net.Conn, cause error) {
	msg := models.NewWebSocketMessage(models.MessageTypeAuthError, "", "", map[string]interface{}{
		"error": cause.Error(),
		"kind":  models.ErrorKind(cause),
	})
	if data, err := msg.ToJSON(); err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
			utils.Debug("Failed to deliver auth error")
		}
	}
	conn.Close()
}

// parseIdentity builds the connection identity from query parameters. The
// device fingerprint mixes the declared device id with request attributes
// so a stolen session id alone cannot resume a session.
func (h *WebSocketHandler) parseIdentity(r *http.Request, clientIP string) (models.ConnectionIdentity, error) {
	query := r.URL.Query()

	identity := models.ConnectionIdentity{
		UserID:      strings.TrimSpace(query.Get("user_id")),
		Username:    strings.TrimSpace(query.Get("username")),
		Role:        strings.TrimSpace(query.Get("role")),
		MFAVerified: query.Get("mfa") == "true",
	}

	if identity.UserID == "" {
		return models.ConnectionIdentity{}, fmt.Errorf("user_id is required")
	}
	if identity.Username == "" {
		return models.ConnectionIdentity{}, fmt.Errorf("username is required")
	}
	if len(identity.UserID) > 64 {
		return models.ConnectionIdentity{}, fmt.Errorf("user_id too long (max 64 characters)")
	}
	if identity.Role == "" {
		identity.Role = "user"
	}

	deviceID := strings.TrimSpace(query.Get("device_id"))
	if deviceID == "" {
		return models.ConnectionIdentity{}, fmt.Errorf("device_id is required")
	}
	identity.DeviceFingerprint = deviceFingerprint(deviceID, r.UserAgent(), clientIP)

	return identity, nil
}

// deviceFingerprint hashes the device id with request attributes into a
// short stable token.
func deviceFingerprint(deviceID, userAgent, ip string) string {
	sum := sha256.Sum256([]byte(deviceID + "|" + userAgent + "|" + ip))
	return hex.EncodeToString(sum[:12])
}

// getStats merges per-component counters into one snapshot.
func (h *WebSocketHandler) getStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"orchestrator": h.orchestrator.GetStats(),
		"registry":     h.registry.GetStats(),
		"rooms":        h.rooms.GetStats(),
		"calls":        h.calls.GetStats(),
		"recovery":     h.reconnect.GetStats(),
		"call_log":     h.callLog.GetStats(),
		"timestamp":    time.Now(),
	}
	h.sendJSONResponse(w, http.StatusOK, stats)
}

// healthCheck reports per-dependency health.
func (h *WebSocketHandler) healthCheck(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if err := h.redisService.HealthCheck(); err != nil {
		checks["redis"] = "unhealthy"
	} else {
		checks["redis"] = "healthy"
	}

	if err := h.callLog.HealthCheck(); err != nil {
		checks["call_log"] = "unhealthy"
	} else {
		checks["call_log"] = "healthy"
	}

	status := "healthy"
	for _, s := range checks {
		if s == "unhealthy" {
			status = "unhealthy"
			break
		}
	}

	response := &HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     "1.0.0",
		Connections: h.orchestrator.ConnectionCount(),
		Uptime:      time.Since(h.startTime).String(),
		Services:    checks,
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.sendJSONResponse(w, statusCode, response)
}

// readinessCheck handles readiness check requests.
func (h *WebSocketHandler) readinessCheck(w http.ResponseWriter, r *http.Request) {
	h.sendJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// Middleware functions

func (h *WebSocketHandler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if h.allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *WebSocketHandler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.getClientIP(r)

		if !h.rateLimiter.IsAllowed(clientIP) {
			h.sendErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *WebSocketHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		utils.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("ip", h.getClientIP(r)),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

// Helper functions

func (h *WebSocketHandler) validateOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow requests without origin (e.g., from native apps)
		return true
	}
	return h.allowedOrigins[origin]
}

// getClientIP extracts the client IP address from the request.
func (h *WebSocketHandler) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (h *WebSocketHandler) sendJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		utils.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message, details string) {
	response := &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
		Details: details,
	}
	h.sendJSONResponse(w, statusCode, response)
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
