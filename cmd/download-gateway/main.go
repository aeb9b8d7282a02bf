// Точка входа шлюза скачивания.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// инициализирует кэш метаданных (Redis или in-memory), relay-клиент и
// resolver источников, создаёт сервисный слой и API handlers,
// запускает topologymetrics, HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/filetolink/download-gateway/internal/api/handlers"
	"github.com/filetolink/download-gateway/internal/api/middleware"
	"github.com/filetolink/download-gateway/internal/config"
	"github.com/filetolink/download-gateway/internal/database"
	"github.com/filetolink/download-gateway/internal/relay"
	"github.com/filetolink/download-gateway/internal/repository"
	"github.com/filetolink/download-gateway/internal/server"
	"github.com/filetolink/download-gateway/internal/service"
	"github.com/filetolink/download-gateway/internal/source"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Шлюз скачивания запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("DLG_DEPHEALTH_GROUP") == "" {
		logger.Warn("DLG_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Кэш метаданных: Redis при заданном DLG_REDIS_ADDR, иначе in-memory
	var metadataCache service.MetadataCache
	var redisChecker handlers.ReadinessChecker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()

		metadataCache = service.NewRedisCache(redisClient, cfg.CacheTTL, logger)
		redisChecker = service.NewRedisReadinessChecker(redisClient, cfg.HTTPReadTimeout)
		logger.Info("Кэш метаданных: Redis",
			slog.String("addr", cfg.RedisAddr),
			slog.Duration("ttl", cfg.CacheTTL),
		)
	} else {
		metadataCache = service.NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL)
		logger.Info("Кэш метаданных: in-memory LRU",
			slog.Int("max_entries", cfg.CacheMaxEntries),
			slog.Duration("ttl", cfg.CacheTTL),
		)
	}

	// 6. Relay-клиент и resolver источников байтов
	relayClient, err := relay.New(relay.Options{
		BaseURL:       cfg.RelayURL,
		Token:         cfg.RelayToken,
		CACertPath:    cfg.RelayCACert,
		HandleTimeout: cfg.RelayHandleTimeout,
		FetchTimeout:  cfg.RelayFetchTimeout,
		RetryAttempts: cfg.RelayRetryAttempts,
		RetryDelay:    cfg.RelayRetryDelay,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания relay-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}

	resolver := source.NewResolver(relayClient, cfg.LocalStoreDir, logger)

	// 7. Repository и сервисный слой
	fileRepo := repository.NewFileRepository(pool)
	linkBuilder := service.NewLinkBuilder(cfg.EdgeBaseURL, cfg.PublicBaseURL, cfg.BotUsername)
	fileSvc := service.NewFileService(fileRepo, metadataCache, linkBuilder, logger)
	downloadSvc := service.NewDownloadService(fileSvc, resolver, logger)

	// 8. Readiness checkers и handlers
	pgChecker := database.NewReadinessChecker(pool, cfg.HTTPReadTimeout)
	healthHandler := handlers.NewHealthHandler(pgChecker, redisChecker)
	apiHandler := handlers.NewAPIHandler(downloadSvc, fileSvc, healthHandler, logger)

	// 9. JWT middleware внутреннего API (опционально)
	var auth *middleware.ServiceAuth
	if cfg.JWKSURL != "" {
		auth, err = middleware.NewServiceAuth(
			cfg.JWKSURL,
			cfg.RelayCACert,
			cfg.JWTIssuer,
			cfg.JWKSClientTimeout,
			cfg.JWKSRefreshInterval,
			cfg.JWTLeeway,
			logger,
		)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	}

	// 10. topologymetrics — мониторинг зависимостей (PostgreSQL + relay)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"download-gateway",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseDSN(),
		cfg.RelayURL,
		cfg.DephealthCheckInterval,
		cfg.DephealthIsEntry,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
			defer dephealthSvc.Stop()
		}
	}

	// 11. Rate limiter публичных endpoint'ов
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	// 12. Запуск HTTP-сервера (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, apiHandler, auth, rateLimiter)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Шлюз скачивания остановлен")
}
