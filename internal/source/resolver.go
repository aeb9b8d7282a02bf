package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filetolink/download-gateway/internal/domain/model"
	"github.com/filetolink/download-gateway/internal/relay"
)

var resolvedSources = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlg_resolved_sources_total",
	Help: "Количество разрешений источника байтов по типу источника.",
}, []string{"source"})

// Resolver выбирает источник байтов для записи о файле.
// Порядок: удалённое relay-хранилище, затем локальный диск.
// Resolver только читает: недоступность источника не приводит
// к изменениям в хранилище метаданных.
type Resolver struct {
	relay    *relay.Client
	storeDir string
	logger   *slog.Logger
}

// NewResolver создаёт resolver источников.
// storeDir — корень локального хранилища (пустая строка отключает fallback).
func NewResolver(relayClient *relay.Client, storeDir string, logger *slog.Logger) *Resolver {
	return &Resolver{
		relay:    relayClient,
		storeDir: storeDir,
		logger:   logger.With(slog.String("component", "source_resolver")),
	}
}

// Open разрешает источник байтов для записи.
// Возвращает ErrSourceUnavailable, когда все источники исчерпаны.
func (r *Resolver) Open(ctx context.Context, record *model.FileRecord) (ByteSource, error) {
	if record.PrimaryBackendRef != nil && *record.PrimaryBackendRef != "" {
		src, err := r.openRelay(ctx, *record.PrimaryBackendRef)
		if err == nil {
			resolvedSources.WithLabelValues("relay").Inc()
			return src, nil
		}
		r.logger.Warn("Relay-источник недоступен, переход к локальному диску",
			slog.String("file_ref", record.FileRef),
			slog.String("error", err.Error()),
		)
	}

	if record.LocalCachePath != nil && *record.LocalCachePath != "" {
		src, err := r.openLocal(*record.LocalCachePath)
		if err == nil {
			resolvedSources.WithLabelValues("local").Inc()
			return src, nil
		}
		r.logger.Warn("Локальный источник недоступен",
			slog.String("file_ref", record.FileRef),
			slog.String("error", err.Error()),
		)
	}

	resolvedSources.WithLabelValues("none").Inc()
	return nil, ErrSourceUnavailable
}

func (r *Resolver) openRelay(ctx context.Context, backendRef string) (ByteSource, error) {
	handle, err := r.relay.FetchTransientHandle(ctx, backendRef)
	if err != nil {
		if errors.Is(err, relay.ErrGone) {
			return nil, err
		}
		return nil, fmt.Errorf("получение handle: %w", err)
	}
	return newRelaySource(r.relay, handle), nil
}

func (r *Resolver) openLocal(cachePath string) (ByteSource, error) {
	if r.storeDir == "" {
		return nil, errors.New("локальное хранилище не сконфигурировано")
	}

	// Путь разрешается строго внутри корня хранилища
	clean := filepath.Clean(cachePath)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("путь %s выходит за пределы хранилища", cachePath)
	}

	return newFileSource(filepath.Join(r.storeDir, clean))
}
