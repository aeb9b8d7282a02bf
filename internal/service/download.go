package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filetolink/download-gateway/internal/domain/model"
	"github.com/filetolink/download-gateway/internal/source"
)

// Prometheus-метрики скачиваний.
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlg_downloads_total",
		Help: "Количество запросов скачивания по результату.",
	}, []string{"status"})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlg_download_duration_seconds",
		Help:    "Длительность отдачи файла клиенту.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlg_download_bytes_total",
		Help: "Суммарный объём отданных клиентам байтов.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlg_active_downloads",
		Help: "Текущее количество активных скачиваний.",
	})
)

// SourceResolver разрешает источник байтов для записи о файле.
type SourceResolver interface {
	Open(ctx context.Context, record *model.FileRecord) (source.ByteSource, error)
}

// DownloadService — оркестратор отдачи файлов: метаданные, выбор
// источника, согласование диапазона, streaming клиенту и учёт скачивания.
type DownloadService struct {
	files             *FileService
	resolver          SourceResolver
	bookkeepingWindow time.Duration
	logger            *slog.Logger
}

// NewDownloadService создаёт оркестратор скачиваний.
func NewDownloadService(files *FileService, resolver SourceResolver, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		files:             files,
		resolver:          resolver,
		bookkeepingWindow: 10 * time.Second,
		logger:            logger.With(slog.String("component", "download_service")),
	}
}

// Serve обслуживает запрос скачивания для пары (ref, code).
//
// Ошибка возвращается только до записи заголовков ответа — вызывающий
// обработчик транслирует её в HTTP-статус. После начала streaming
// обрыв соединения клиентом фиксируется в логе, но не считается
// ошибкой сервера.
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, fileRef, accessCode string) error {
	start := time.Now()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	record, err := s.files.getFileRecord(r.Context(), fileRef, accessCode)
	if err != nil {
		s.countError(err)
		return err
	}

	src, err := s.resolver.Open(r.Context(), record)
	if err != nil {
		s.countError(err)
		return err
	}
	defer src.Close()

	total := contentLength(record, src)

	rng, err := negotiateRange(r.Header.Get("Range"), total)
	if err != nil {
		s.countError(err)
		return err
	}

	readStart, readEnd := int64(0), int64(-1)
	if !rng.Full {
		readStart, readEnd = rng.Start, rng.End
	}

	body, err := src.ReadRange(r.Context(), readStart, readEnd)
	if err != nil {
		s.countError(err)
		return fmt.Errorf("открытие чтения источника: %w", err)
	}
	defer body.Close()

	s.writeHeaders(w, record, rng, total)

	// Бухгалтерия после отправки заголовков: скачивание уже началось.
	// WithoutCancel — обрыв клиента не должен отменять учёт.
	go s.recordDownloadAsync(context.WithoutCancel(r.Context()), record.FileRef)

	written, copyErr := io.Copy(w, body)
	downloadBytesTotal.Add(float64(written))
	downloadDuration.Observe(time.Since(start).Seconds())

	if copyErr != nil {
		// Обрыв со стороны клиента: заголовки уже ушли, статус не меняется
		s.logger.Debug("Передача прервана",
			slog.String("file_ref", record.FileRef),
			slog.Int64("written", written),
			slog.String("error", copyErr.Error()),
		)
		downloadsTotal.WithLabelValues("aborted").Inc()
		return nil
	}

	downloadsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("Файл отдан",
		slog.String("file_ref", record.FileRef),
		slog.Int64("written", written),
		slog.Bool("partial", !rng.Full),
	)
	return nil
}

// writeHeaders формирует заголовки и статус ответа.
func (s *DownloadService) writeHeaders(w http.ResponseWriter, record *model.FileRecord, rng byteRange, total int64) {
	h := w.Header()

	mimeType := record.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	h.Set("Content-Disposition", contentDisposition(record.DisplayName))
	h.Set("Cache-Control", "no-cache")
	if record.DisplayName != "" {
		h.Set("X-File-Name", sanitizeFileName(record.DisplayName))
	}

	// Accept-Ranges объявляется только при известной длине:
	// иначе диапазонные запросы всё равно получат полный контент
	if total >= 0 {
		h.Set("Accept-Ranges", "bytes")
	}

	if rng.Full {
		if total >= 0 {
			h.Set("Content-Length", strconv.FormatInt(total, 10))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	h.Set("Content-Length", strconv.FormatInt(rng.End-rng.Start+1, 10))
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, total))
	w.WriteHeader(http.StatusPartialContent)
}

// recordDownloadAsync учитывает скачивание в отдельной горутине.
func (s *DownloadService) recordDownloadAsync(ctx context.Context, fileRef string) {
	ctx, cancel := context.WithTimeout(ctx, s.bookkeepingWindow)
	defer cancel()

	if err := s.files.RecordDownload(ctx, fileRef); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("Не удалось учесть скачивание",
			slog.String("file_ref", fileRef),
			slog.String("error", err.Error()),
		)
	}
}

func (s *DownloadService) countError(err error) {
	var rangeErr *ErrRangeNotSatisfiable
	switch {
	case errors.Is(err, ErrNotFound):
		downloadsTotal.WithLabelValues("not_found").Inc()
	case errors.Is(err, source.ErrSourceUnavailable):
		downloadsTotal.WithLabelValues("gone").Inc()
	case errors.As(err, &rangeErr):
		downloadsTotal.WithLabelValues("invalid_range").Inc()
	default:
		downloadsTotal.WithLabelValues("error").Inc()
	}
}

// contentLength возвращает полную длину контента.
// Приоритет у durable-записи; источник спрашивается, когда запись
// длины не несёт. -1 — длина неизвестна.
func contentLength(record *model.FileRecord, src source.ByteSource) int64 {
	if record.SizeBytes > 0 {
		return record.SizeBytes
	}
	if n := src.KnownLength(); n >= 0 {
		return n
	}
	return -1
}

// contentDisposition строит заголовок с ASCII-fallback и RFC 5987
// формой для имён вне ASCII.
func contentDisposition(displayName string) string {
	ascii := sanitizeFileName(displayName)
	if ascii == "" {
		ascii = "file"
	}
	if ascii == displayName {
		return fmt.Sprintf("attachment; filename=%q", ascii)
	}
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s",
		ascii, url.PathEscape(displayName))
}

// sanitizeFileName оставляет печатный ASCII без кавычек и разделителей путей.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r > 0x7e:
			continue
		case r == '"' || r == '\\' || r == '/':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
