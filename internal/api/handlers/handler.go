// handler.go — основной обработчик API шлюза скачивания.
// Объединяет публичные обработчики отдачи файлов, внутренний API
// регистрации и health endpoints.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/filetolink/download-gateway/internal/service"
)

// APIHandler — основной обработчик API шлюза.
// Делегирует запросы в сервисный слой.
type APIHandler struct {
	downloads *service.DownloadService
	files     *service.FileService
	health    *HealthHandler
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	downloads *service.DownloadService,
	files *service.FileService,
	health *HealthHandler,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		downloads: downloads,
		files:     files,
		health:    health,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
