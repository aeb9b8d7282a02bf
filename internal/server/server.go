// Пакет server — HTTP-сервер шлюза скачивания с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на edge/ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/filetolink/download-gateway/internal/api/handlers"
	"github.com/filetolink/download-gateway/internal/api/middleware"
	"github.com/filetolink/download-gateway/internal/config"
)

// Server — HTTP-сервер шлюза скачивания.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
//
// Топология маршрутов:
//   - служебные: /health/live, /health/ready, /metrics (без лимитов и авторизации)
//   - публичные: /dl/{fileRef}, /info/{fileRef} (rate limit по IP)
//   - внутренние: /api/v1/files... (JWT + scope files:write);
//     монтируются только при сконфигурированном auth — без JWKS
//     внутренний API недоступен целиком
func New(
	cfg *config.Config,
	logger *slog.Logger,
	handler *handlers.APIHandler,
	auth *middleware.ServiceAuth,
	rateLimiter *middleware.RateLimiter,
) *Server {
	router := chi.NewRouter()

	// Общие middleware: порядок существенен — request id до логирования
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	// Служебные endpoint'ы
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	// Публичные endpoint'ы с ограничением частоты
	router.Group(func(r chi.Router) {
		r.Use(rateLimiter.Middleware())
		r.Get("/dl/{fileRef}", handler.DownloadFile)
		r.Get("/info/{fileRef}", handler.GetFileInfo)
	})

	// Внутренний API — только при сконфигурированной аутентификации
	if auth != nil {
		router.Group(func(r chi.Router) {
			r.Use(auth.Middleware())
			r.Use(middleware.RequireScope(middleware.ScopeFilesWrite))
			r.Post("/api/v1/files", handler.CreateFileRecord)
			r.Post("/api/v1/files/{fileRef}/downloads", handler.RecordDownload)
		})
	} else {
		logger.Warn("DLG_JWKS_URL не задан — внутренний API регистрации файлов отключён")
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: cfg.HTTPReadTimeout,
		// WriteTimeout = 0 — длинные скачивания не должны обрываться сервером
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
