package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

const maxTriggerBody = 1 << 20

// Version is reported by the status endpoint
const Version = "1.0.0"

// APIServer serves the websocket endpoint and the REST API
type APIServer struct {
	broker      *Broker
	config      *Config
	jwtService  *JWTService
	triggerAuth *TriggerAuth
	upgrader    websocket.Upgrader
	settings    clientSettings
	logger      zerolog.Logger
	server      *http.Server
	startedAt   time.Time

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
}

// NewAPIServer creates a new API server
func NewAPIServer(broker *Broker, config *Config) *APIServer {
	api := &APIServer{
		broker:     broker,
		config:     config,
		jwtService: NewJWTService(config.Security.JWT.SecretKey, config.Security.JWT.Issuer, config.Security.JWT.ExpiryHours),
		settings:   newClientSettings(config),
		logger:     logger.GetLogger("api"),
		startedAt:  time.Now(),
		clients:    make(map[*Client]struct{}),
	}
	if config.Security.TriggerKeyHash != "" {
		api.triggerAuth = NewTriggerAuth(NewKeyHasher(), config.Security.TriggerKeyHash)
	}
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     api.checkOrigin,
	}
	return api
}

// Handler builds the router
func (api *APIServer) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(api.loggingMiddleware)

	router.HandleFunc("/ws", api.handleWebSocket).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(api.corsMiddleware)

	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/status", api.handleStatus).Methods("GET")

	if api.triggerAuth != nil {
		apiRouter.Handle("/users/{user_id}/events",
			api.triggerAuth.RequireKey(http.HandlerFunc(api.handleTrigger))).Methods("POST", "OPTIONS")
	} else {
		api.logger.Info().Msg("No trigger key configured, background trigger endpoint disabled")
	}

	return router
}

// Start starts the HTTP server and blocks until it stops
func (api *APIServer) Start(address string) error {
	api.server = &http.Server{
		Addr:              address,
		Handler:           api.Handler(),
		ReadHeaderTimeout: api.config.GetAPITimeout(),
		IdleTimeout:       60 * time.Second,
	}

	api.logger.Info().
		Str("address", address).
		Bool("tls", api.config.Server.API.TLS.Enabled).
		Msg("Starting API server")

	var err error
	if api.config.Server.API.TLS.Enabled {
		err = api.server.ListenAndServeTLS(api.config.Server.API.TLS.CertFile, api.config.Server.API.TLS.KeyFile)
	} else {
		err = api.server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops accepting requests and closes every live connection
func (api *APIServer) Stop(ctx context.Context) error {
	var err error
	if api.server != nil {
		err = api.server.Shutdown(ctx)
	}

	api.clientsMu.Lock()
	for client := range api.clients {
		client.Close()
	}
	api.clientsMu.Unlock()

	return err
}

// Middleware
func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && api.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (api *APIServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || api.originAllowed(origin)
}

// originAllowed accepts every origin when none are configured
func (api *APIServer) originAllowed(origin string) bool {
	allowed := api.config.Server.API.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleWebSocket authenticates, upgrades and runs one live connection
func (api *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := api.jwtService.Verify(bearerToken(r))
	if err != nil {
		api.logger.Info().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("Rejected websocket connection")
		api.sendError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		api.logger.Warn().Err(err).Str("user_id", userID).Msg("Websocket upgrade failed")
		return
	}

	client := newClient(conn, api.settings, api.logger.With().Str("user_id", userID).Logger())
	api.clientsMu.Lock()
	api.clients[client] = struct{}{}
	api.clientsMu.Unlock()
	go client.writePump()

	connectionID := api.broker.Connect(client, userID, r.URL.Query().Get("agent"))

	go func() {
		defer func() {
			api.broker.Disconnect(connectionID)
			api.clientsMu.Lock()
			delete(api.clients, client)
			api.clientsMu.Unlock()
		}()
		client.readPump(func(data []byte) {
			api.broker.HandleInbound(client.Context(), connectionID, data)
		})
	}()
}

// handleTrigger accepts a background-triggered event for one user
func (api *APIServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		api.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		api.sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ev, err := protocol.DecodeEvent(body)
	if err != nil {
		api.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.IsBinary() {
		api.sendError(w, http.StatusBadRequest, "audio events cannot be triggered")
		return
	}

	queued, err := api.broker.Deliver(userID, ev)
	if err != nil {
		api.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to deliver triggered event")
		api.sendError(w, http.StatusInternalServerError, "failed to deliver event")
		return
	}

	api.sendJSON(w, http.StatusAccepted, map[string]interface{}{
		"user_id": userID,
		"type":    ev.Type,
		"queued":  queued,
	})
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"version":   Version,
		"uptime":    time.Since(api.startedAt).Round(time.Second).String(),
		"broker":    api.broker.Status(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
