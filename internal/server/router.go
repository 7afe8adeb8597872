// Package server exposes the relay's websocket and operational HTTP surface.
package server

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/relay"
	"github.com/veilsync/veilsync/internal/storage"
)

var (
	errMissingHub     = errors.New("relay hub dependency required")
	errMissingManager = errors.New("persistence manager dependency required")
)

// Dependencies wires the router's collaborators.
type Dependencies struct {
	Hub     *relay.Hub
	Manager *storage.Manager
	Logger  *zap.Logger
	Metrics http.Handler
}

// NewHTTPHandler builds the gin router for the relay.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:       deps.Hub,
		manager:   deps.Manager,
		logger:    logger,
		startedAt: time.Now(),
	}

	router.GET("/ws", handler.handleWebSocket)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/stats", handler.handleStats)
	router.GET("/metrics", gin.WrapH(metricsHandler))

	return router, nil
}

type httpHandler struct {
	hub       *relay.Hub
	manager   *storage.Manager
	logger    *zap.Logger
	startedAt time.Time
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Backend     string `json:"backend"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: h.hub.ConnectionCount(),
		Rooms:       h.hub.RoomCount(),
		Backend:     h.manager.ActiveBackend(),
	})
}

type statsResponse struct {
	UptimeSeconds int64         `json:"uptime_s"`
	HeapBytes     uint64        `json:"heap_bytes"`
	SysBytes      uint64        `json:"sys_bytes"`
	Goroutines    int           `json:"goroutines"`
	Failovers     int64         `json:"failovers"`
	Persistence   storage.Stats `json:"persistence"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	backendStats, err := h.manager.Stats(c.Request.Context())
	if err != nil {
		h.logger.Warn("backend stats unavailable", zap.Error(err))
	}

	c.JSON(http.StatusOK, statsResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		HeapBytes:     memStats.HeapAlloc,
		SysBytes:      memStats.Sys,
		Goroutines:    runtime.NumGoroutine(),
		Failovers:     h.manager.FailoverCount(),
		Persistence:   backendStats,
	})
}
