package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/filetolink/download-gateway/internal/domain/model"
)

// redisCache — реализация кэша метаданных на Redis.
// Записи сериализуются в JSON и живут до истечения TTL или инвалидации.
// Позволяет нескольким инстансам шлюза делить один кэш.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache создаёт кэш метаданных на Redis.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) MetadataCache {
	return &redisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "redis_cache")),
	}
}

func (c *redisCache) Get(ctx context.Context, fileRef, accessCode string) (*model.FileRecord, bool) {
	key := cacheKey(fileRef, accessCode)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Сбой Redis трактуется как промах: запрос продолжит
			// обслуживаться из durable-хранилища
			c.logger.Warn("Ошибка чтения из Redis",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		cacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}

	var record model.FileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// Повреждённая запись удаляется, чтобы не отдавать её повторно
		c.logger.Warn("Повреждённая запись в кэше, удаляется",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.client.Del(ctx, key)
		cacheMisses.WithLabelValues("redis").Inc()
		return nil, false
	}

	cacheHits.WithLabelValues("redis").Inc()
	return &record, true
}

func (c *redisCache) Set(ctx context.Context, fileRef, accessCode string, record *model.FileRecord) {
	key := cacheKey(fileRef, accessCode)

	data, err := json.Marshal(record)
	if err != nil {
		c.logger.Warn("Ошибка сериализации записи для кэша",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Ошибка записи в Redis",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (c *redisCache) Delete(ctx context.Context, fileRef, accessCode string) {
	key := cacheKey(fileRef, accessCode)

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Ошибка инвалидации записи в Redis",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// RedisReadinessChecker — проверка доступности Redis для readiness probe.
type RedisReadinessChecker struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisReadinessChecker создаёт checker доступности Redis.
func NewRedisReadinessChecker(client *redis.Client, timeout time.Duration) *RedisReadinessChecker {
	return &RedisReadinessChecker{client: client, timeout: timeout}
}

// CheckReady выполняет PING с таймаутом.
func (r *RedisReadinessChecker) CheckReady() (status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return "fail", "Redis недоступен: " + err.Error()
	}
	return "ok", "Redis доступен"
}
