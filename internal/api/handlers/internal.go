// internal.go — внутренний API регистрации файлов.
// Доступен только сервисным токенам со scope files:write.
// POST /api/v1/files                       — регистрация файла
// POST /api/v1/files/{file_ref}/downloads — внешний учёт скачивания
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/filetolink/download-gateway/internal/api/errors"
	"github.com/filetolink/download-gateway/internal/service"
)

// createFileRequest — тело запроса регистрации файла.
type createFileRequest struct {
	DisplayName       string  `json:"display_name"`
	SizeBytes         int64   `json:"size_bytes"`
	MimeType          string  `json:"mime_type"`
	ContentHash       *string `json:"content_hash,omitempty"`
	PrimaryBackendRef *string `json:"primary_backend_ref,omitempty"`
	LocalCachePath    *string `json:"local_cache_path,omitempty"`
}

// createFileResponse — тело ответа регистрации.
type createFileResponse struct {
	FileRef    string        `json:"file_ref"`
	AccessCode string        `json:"access_code"`
	CreatedAt  time.Time     `json:"created_at"`
	Links      service.Links `json:"links"`
}

// CreateFileRecord — регистрация нового файла.
func (h *APIHandler) CreateFileRecord(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	if req.DisplayName == "" {
		apierrors.ValidationError(w, "Поле display_name обязательно")
		return
	}
	if req.SizeBytes < 0 {
		apierrors.ValidationError(w, "Поле size_bytes не может быть отрицательным")
		return
	}
	hasBackend := req.PrimaryBackendRef != nil && *req.PrimaryBackendRef != ""
	hasLocal := req.LocalCachePath != nil && *req.LocalCachePath != ""
	if !hasBackend && !hasLocal {
		apierrors.ValidationError(w, "Требуется primary_backend_ref либо local_cache_path")
		return
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	result, err := h.files.CreateFile(r.Context(), service.CreateFileInput{
		DisplayName:       req.DisplayName,
		SizeBytes:         req.SizeBytes,
		MimeType:          mimeType,
		ContentHash:       req.ContentHash,
		PrimaryBackendRef: req.PrimaryBackendRef,
		LocalCachePath:    req.LocalCachePath,
	})
	if err != nil {
		h.logger.Error("Ошибка регистрации файла",
			slog.String("display_name", req.DisplayName),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	writeJSON(w, http.StatusCreated, createFileResponse{
		FileRef:    result.Record.FileRef,
		AccessCode: result.Record.AccessCode,
		CreatedAt:  result.Record.CreatedAt,
		Links:      result.Links,
	})
}

// RecordDownload — учёт скачивания, произошедшего вне шлюза
// (например, через relay-бот).
func (h *APIHandler) RecordDownload(w http.ResponseWriter, r *http.Request) {
	fileRef := chi.URLParam(r, "fileRef")
	if fileRef == "" {
		apierrors.ValidationError(w, "Отсутствует file_ref в пути")
		return
	}

	if err := h.files.RecordDownload(r.Context(), fileRef); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка учёта скачивания",
			slog.String("file_ref", fileRef),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
