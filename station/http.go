package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"n4-basestation/common"
)

// History читает архив из хранилища
type History interface {
	FetchLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error)
	FetchTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error)
}

// Handler обслуживает служебный HTTP-интерфейс станции
type Handler struct {
	station *Station
	history History
	logger  *slog.Logger
}

// NewHandler создает обработчик. Без history маршруты архива не регистрируются.
func NewHandler(s *Station, history History, logger *slog.Logger) *Handler {
	return &Handler{station: s, history: history, logger: logger.With("component", "station-http")}
}

// connectRequest тело POST /connect, все поля необязательны
type connectRequest struct {
	Broker string `json:"broker"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

func (r connectRequest) broker() (string, error) {
	if r.Broker != "" {
		return r.Broker, nil
	}
	if r.Host == "" {
		return "", nil
	}
	if r.Port <= 0 || r.Port > 65535 {
		return "", fmt.Errorf("invalid port: %d", r.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", r.Host, r.Port), nil
}

// RegisterRoutes регистрирует маршруты
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("POST /commands/{command}", h.handleCommand)
	mux.HandleFunc("POST /connect", h.handleConnect)
	if h.history != nil {
		mux.HandleFunc("GET /history/logs", h.handleHistoryLogs)
		mux.HandleFunc("GET /history/telemetry", h.handleHistoryTelemetry)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.station.Snapshot())
}

// handleCommand: POST /commands/{command}, где command это ARM, DISARM, RESET или TOGGLE
func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("command")

	var err error
	if name == "toggle" || name == "TOGGLE" {
		err = h.station.ToggleArm(r.Context())
	} else {
		cmd, perr := ParseCommand(name)
		if perr != nil {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": perr.Error()})
			return
		}
		err = h.station.SendCommand(r.Context(), cmd)
	}

	switch {
	case errors.Is(err, ErrNoCommander):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.writeJSON(w, http.StatusOK, map[string]any{"message": "command sent", "armed": h.station.Armed()})
	}
}

// handleConnect: POST /connect, пустое тело переподключает к текущему брокеру
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	broker, err := req.broker()
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err = h.station.Connect(r.Context(), broker)
	switch {
	case errors.Is(err, ErrNoConnector):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		h.writeJSON(w, http.StatusOK, map[string]string{"message": "connected", "broker": h.station.connector.Broker()})
	}
}

func (h *Handler) handleHistoryLogs(w http.ResponseWriter, r *http.Request) {
	q, err := common.ParseLogQuery(r.URL.Query())
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	page, err := h.history.FetchLogs(r.Context(), q)
	if err != nil {
		h.logger.Warn("history request failed", "kind", "logs", "error", err)
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleHistoryTelemetry(w http.ResponseWriter, r *http.Request) {
	q, err := common.ParseTelemetryQuery(r.URL.Query())
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	page, err := h.history.FetchTelemetry(r.Context(), q)
	if err != nil {
		h.logger.Warn("history request failed", "kind", "telemetry", "error", err)
		h.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
