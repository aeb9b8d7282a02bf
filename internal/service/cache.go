package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filetolink/download-gateway/internal/domain/model"
)

// Prometheus-метрики кэша метаданных.
var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlg_metadata_cache_hits_total",
		Help: "Количество попаданий в кэш метаданных.",
	}, []string{"backend"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlg_metadata_cache_misses_total",
		Help: "Количество промахов кэша метаданных.",
	}, []string{"backend"})
)

// MetadataCache — короткоживущий кэш метаданных файлов.
// Ключ — пара (file ref, access code); durable-хранилище остаётся
// источником истины. Когерентность поддерживается инвалидацией:
// записи кэша никогда не обновляются на месте, только удаляются.
//
// Ошибки кэша не прерывают обработку запроса: Get при сбое ведёт
// себя как промах, Set и Delete выполняются best-effort.
type MetadataCache interface {
	// Get возвращает запись из кэша. Второй результат false — промах.
	Get(ctx context.Context, fileRef, accessCode string) (*model.FileRecord, bool)

	// Set помещает запись в кэш с настроенным TTL.
	Set(ctx context.Context, fileRef, accessCode string, record *model.FileRecord)

	// Delete удаляет запись из кэша (инвалидация после мутации в хранилище).
	Delete(ctx context.Context, fileRef, accessCode string)
}

// cacheKey строит ключ кэша для пары (ref, code).
func cacheKey(fileRef, accessCode string) string {
	return fmt.Sprintf("file:%s:%s", fileRef, accessCode)
}

// memoryCache — in-process реализация на LRU с TTL.
// Используется, когда Redis не сконфигурирован (single-instance deployment).
type memoryCache struct {
	lru *expirable.LRU[string, *model.FileRecord]
}

// NewMemoryCache создаёт in-memory кэш метаданных.
func NewMemoryCache(maxEntries int, ttl time.Duration) MetadataCache {
	return &memoryCache{
		lru: expirable.NewLRU[string, *model.FileRecord](maxEntries, nil, ttl),
	}
}

func (c *memoryCache) Get(_ context.Context, fileRef, accessCode string) (*model.FileRecord, bool) {
	record, ok := c.lru.Get(cacheKey(fileRef, accessCode))
	if !ok {
		cacheMisses.WithLabelValues("memory").Inc()
		return nil, false
	}
	cacheHits.WithLabelValues("memory").Inc()
	return record, true
}

func (c *memoryCache) Set(_ context.Context, fileRef, accessCode string, record *model.FileRecord) {
	c.lru.Add(cacheKey(fileRef, accessCode), record)
}

func (c *memoryCache) Delete(_ context.Context, fileRef, accessCode string) {
	c.lru.Remove(cacheKey(fileRef, accessCode))
}
