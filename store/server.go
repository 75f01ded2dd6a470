package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"n4-basestation/common"
	"n4-basestation/uplink"
)

const maxBodyBytes = 8 << 20

// Server HTTP API хранилища поверх Backend
type Server struct {
	backend Backend
	logger  *slog.Logger
}

func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{backend: backend, logger: logger.With("component", "store-server")}
}

// Handler возвращает маршрутизатор, обернутый CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CorsMiddleware(mux)
}

// RegisterRoutes регистрирует маршруты API
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/logs", s.handleSaveLogs)
	mux.HandleFunc("GET /api/logs", s.handleQueryLogs)
	mux.HandleFunc("POST /api/telemetry", s.handleSaveTelemetry)
	mux.HandleFunc("GET /api/telemetry", s.handleQueryTelemetry)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, common.StoreResponse{Message: "OK"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, common.StoreResponse{Error: "Route not found"})
	})
}

func (s *Server) handleSaveLogs(w http.ResponseWriter, r *http.Request) {
	var batch common.LogBatch
	if err := decodeBody(r, &batch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: err.Error()})
		return
	}
	if batch.Logs == nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: "logs must be an array"})
		return
	}

	if err := s.backend.SaveLogs(r.Context(), batch.Logs, batch.RetentionDays); err != nil {
		s.logger.Error("failed to save logs", "batch_id", r.Header.Get(uplink.BatchIDHeader), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, common.StoreResponse{Error: "Failed to save logs"})
		return
	}
	s.logger.Info("logs saved", "batch_id", r.Header.Get(uplink.BatchIDHeader), "count", len(batch.Logs))
	s.writeJSON(w, http.StatusOK, common.StoreResponse{Message: "Logs saved successfully"})
}

func (s *Server) handleSaveTelemetry(w http.ResponseWriter, r *http.Request) {
	var batch common.TelemetryBatch
	if err := decodeBody(r, &batch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: err.Error()})
		return
	}
	if batch.Telemetry == nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: "telemetry must be an array"})
		return
	}

	if err := s.backend.SaveTelemetry(r.Context(), batch.Telemetry, batch.RetentionDays); err != nil {
		s.logger.Error("failed to save telemetry", "batch_id", r.Header.Get(uplink.BatchIDHeader), "error", err)
		s.writeJSON(w, http.StatusInternalServerError, common.StoreResponse{Error: "Failed to save telemetry"})
		return
	}
	s.logger.Info("telemetry saved", "batch_id", r.Header.Get(uplink.BatchIDHeader), "count", len(batch.Telemetry))
	s.writeJSON(w, http.StatusOK, common.StoreResponse{Message: "Telemetry saved successfully"})
}

// handleQueryLogs: GET /api/logs?page&limit&level&startDate&endDate
func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	q, err := common.ParseLogQuery(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: err.Error()})
		return
	}

	result, err := s.backend.QueryLogs(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to fetch logs", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, common.StoreResponse{Error: "Failed to fetch logs"})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleQueryTelemetry: GET /api/telemetry?page&limit&startDate&endDate&minAltitude&maxAltitude
func (s *Server) handleQueryTelemetry(w http.ResponseWriter, r *http.Request) {
	q, err := common.ParseTelemetryQuery(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, common.StoreResponse{Error: err.Error()})
		return
	}

	result, err := s.backend.QueryTelemetry(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to fetch telemetry", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, common.StoreResponse{Error: "Failed to fetch telemetry"})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// CorsMiddleware разрешает запросы к API с любого источника
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+uplink.BatchIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
