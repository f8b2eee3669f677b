package availability

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	monitor  *Monitor
	selector *Selector
	started  time.Time
	logger   *logrus.Logger
}

type StatusResponse struct {
	Server   string  `json:"server"`
	Mode     Mode    `json:"mode"`
	Degraded bool    `json:"degraded"`
	Database Health  `json:"database"`
	Uptime   float64 `json:"uptime"`
}

type ReconnectResponse struct {
	Message  string `json:"message"`
	Database Health `json:"database"`
}

func NewHandler(monitor *Monitor, selector *Selector, logger *logrus.Logger) *Handler {
	return &Handler{
		monitor:  monitor,
		selector: selector,
		started:  time.Now(),
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/system/status", h.Status).Methods("GET")
	router.HandleFunc("/system/reconnect", h.Reconnect).Methods("POST")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, StatusResponse{
		Server:   "running",
		Mode:     h.selector.Mode(),
		Degraded: h.selector.Degraded(),
		Database: h.monitor.Health(),
		Uptime:   time.Since(h.started).Seconds(),
	})
}

func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	err := h.monitor.Reconnect(r.Context())

	switch {
	case err == nil:
		h.respondWithJSON(w, http.StatusOK, ReconnectResponse{Message: "reconnected", Database: h.monitor.Health()})
	case errors.Is(err, ErrAlreadyConnected):
		h.respondWithJSON(w, http.StatusOK, ReconnectResponse{Message: "already connected", Database: h.monitor.Health()})
	case errors.Is(err, ErrReconnectInProgress):
		h.respondWithJSON(w, http.StatusConflict, ReconnectResponse{Message: err.Error(), Database: h.monitor.Health()})
	default:
		h.logger.WithError(err).Warn("Manual reconnect failed")
		h.respondWithJSON(w, http.StatusServiceUnavailable, ReconnectResponse{Message: "reconnect failed", Database: h.monitor.Health()})
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if h.selector.Degraded() {
		status = "degraded"
	}
	if !h.selector.Usable() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.respondWithJSON(w, code, map[string]string{
		"status":   status,
		"service":  "order-service",
		"database": h.monitor.State().String(),
	})
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
