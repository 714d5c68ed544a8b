package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/adityaadpandey/peermeet/internals/state"
	"github.com/adityaadpandey/peermeet/internals/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the signaling relay over websocket together with the
// health, room and metrics endpoints.
type Server struct {
	config *config.Config
	logger *zap.Logger

	registry     *room.Registry
	hub          *signaling.Hub
	relay        *signaling.Relay
	stateManager *state.Manager

	upgrader   websocket.Upgrader
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(cfg *config.Config) (*Server, error) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	var stateManager *state.Manager
	if cfg.Redis.Enabled {
		sm, err := state.NewManager(cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis connection failed, running without presence mirror", zap.Error(err))
		} else {
			stateManager = sm
			purgeCtx, cancelPurge := context.WithTimeout(ctx, 10*time.Second)
			if _, err := stateManager.Purge(purgeCtx); err != nil {
				logger.Warn("Failed to purge stale mirror records", zap.Error(err))
			}
			cancelPurge()
		}
	}

	s := &Server{
		config:       cfg,
		logger:       logger,
		registry:     room.NewRegistry(cfg.Server.MaxRooms, cfg.Server.MaxPeersPerRoom, logger),
		hub:          signaling.NewHub(logger),
		stateManager: stateManager,
		ctx:          ctx,
		cancel:       cancel,
	}

	// A nil *state.Manager must not be stored in the interface.
	var mirror signaling.Mirror
	if stateManager != nil {
		mirror = stateManager
	}
	s.relay = signaling.NewRelay(s.registry, s.hub, cfg.Signaling, mirror, logger)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", s.corsMiddleware(s.handleRoomAPI))
	mux.HandleFunc("/health", s.corsMiddleware(s.handleHealth))

	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("Starting signaling server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.logger.Info("Stopping signaling server")
	s.cancel()
	if s.stateManager != nil {
		s.stateManager.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// --- REST API ---

func (s *Server) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms, "total": len(rooms)})
}

func (s *Server) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	summary, ok := s.registry.Summary(name)
	if !ok {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms, participants := s.registry.Counts()

	redisStatus := "connected"
	if s.stateManager == nil {
		redisStatus = "disabled"
	} else {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.stateManager.Ping(pingCtx); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now(),
		"instanceId":   s.config.Redis.InstanceID,
		"redis":        redisStatus,
		"activeRooms":  rooms,
		"participants": participants,
		"connections":  s.hub.Count(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// --- WebSocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := signaling.NewClient(uuid.New().String(), conn, s.config.Signaling, s.logger)
	s.relay.Connect(client)

	go client.WritePump()
	go client.ReadPump(s.relay)
}
