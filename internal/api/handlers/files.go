// files.go — публичные обработчики отдачи файлов.
// GET /dl/{file_ref}?code=...   — скачивание (200/206)
// GET /info/{file_ref}?code=... — метаданные и ссылки
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/filetolink/download-gateway/internal/api/errors"
	"github.com/filetolink/download-gateway/internal/service"
	"github.com/filetolink/download-gateway/internal/source"
)

// DownloadFile — скачивание файла по паре (file ref, access code).
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	fileRef := chi.URLParam(r, "fileRef")
	accessCode := r.URL.Query().Get("code")

	if fileRef == "" || accessCode == "" {
		// Отсутствие кода неотличимо от неверного кода
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	if err := h.downloads.Serve(w, r, fileRef, accessCode); err != nil {
		h.writeDownloadError(w, r, fileRef, err)
	}
}

// writeDownloadError транслирует ошибку сервиса скачивания в HTTP-ответ.
// Вызывается только до записи заголовков ответа.
func (h *APIHandler) writeDownloadError(w http.ResponseWriter, r *http.Request, fileRef string, err error) {
	var rangeErr *service.ErrRangeNotSatisfiable
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден")
	case errors.Is(err, source.ErrSourceUnavailable):
		apierrors.Gone(w, "Файл более недоступен")
	case errors.As(err, &rangeErr):
		apierrors.InvalidRange(w,
			fmt.Sprintf("bytes */%d", rangeErr.TotalLength),
			"Запрошенный диапазон вне содержимого файла")
	default:
		h.logger.Error("Ошибка обслуживания скачивания",
			slog.String("file_ref", fileRef),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// GetFileInfo — публичные метаданные файла и тройка ссылок.
func (h *APIHandler) GetFileInfo(w http.ResponseWriter, r *http.Request) {
	fileRef := chi.URLParam(r, "fileRef")
	accessCode := r.URL.Query().Get("code")

	if fileRef == "" || accessCode == "" {
		apierrors.NotFound(w, "Файл не найден")
		return
	}

	info, err := h.files.GetFileInfo(r.Context(), fileRef, accessCode)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка получения метаданных файла",
			slog.String("file_ref", fileRef),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	writeJSON(w, http.StatusOK, info)
}
