// Пакет config — загрузка и валидация конфигурации Download Gateway
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Download Gateway.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера. 0 — без ограничения: скачивание больших
	// файлов по медленному каналу может занимать часы.
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// --- Кэш метаданных ---

	// Адрес Redis (host:port). Пустая строка — in-memory LRU fallback.
	RedisAddr string
	// Пароль Redis (опционально)
	RedisPassword string
	// Номер БД Redis
	RedisDB int
	// TTL записи кэша метаданных (минимум 60s)
	CacheTTL time.Duration
	// Максимальное количество записей in-memory кэша
	CacheMaxEntries int

	// --- Relay (удалённое message-хранилище) ---

	// Базовый URL relay API (обязательно)
	RelayURL string
	// Токен авторизации relay API (обязательно)
	RelayToken string
	// Путь к CA-сертификату для TLS relay (опционально)
	RelayCACert string
	// Таймаут получения transient handle (по умолчанию 10s)
	RelayHandleTimeout time.Duration
	// Таймаут одного запроса байтов к relay (по умолчанию 60s)
	RelayFetchTimeout time.Duration
	// Количество попыток при transient-ошибках relay (по умолчанию 3)
	RelayRetryAttempts int
	// Базовая задержка между попытками (по умолчанию 500ms)
	RelayRetryDelay time.Duration

	// --- Локальное fallback-хранилище ---

	// Каталог локальных копий. Относительные local_cache_path записей
	// резолвятся от него. Пустая строка — пути трактуются как абсолютные.
	LocalStoreDir string

	// --- Генерация ссылок ---

	// Базовый URL edge-кэша (Cloudflare worker)
	EdgeBaseURL string
	// Публичный базовый URL самого gateway (прямая ссылка)
	PublicBaseURL string
	// Username бота для relay-ссылки (t.me deep link)
	BotUsername string

	// --- Rate limiting публичных endpoints ---

	// Запросов в минуту с одного IP (0 — без ограничения, по умолчанию 60)
	RateLimitPerMinute int

	// --- Внутренний API (service JWT) ---

	// URL JWKS endpoint IdP. Пустая строка — внутренний API не монтируется.
	JWKSURL string
	// Ожидаемый issuer JWT (пустая строка — не проверяется)
	JWTIssuer string
	// Таймаут HTTP-клиента JWKS (по умолчанию 10s)
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей (по умолчанию 5m)
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT (по умолчанию 30s)
	JWTLeeway time.Duration

	// --- Dephealth ---

	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей (по умолчанию 30s)
	DephealthCheckInterval time.Duration
	// Лейбл isentry=yes для всех зависимостей
	DephealthIsEntry bool
}

// DatabaseDSN возвращает DSN для подключения pgx.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// DLG_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("DLG_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("DLG_PORT: %w", err)
	}

	// DLG_LOG_LEVEL — уровень логирования (по умолчанию info)
	logLevel := getEnvDefault("DLG_LOG_LEVEL", "info")
	cfg.LogLevel, err = parseLogLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("DLG_LOG_LEVEL: %w", err)
	}

	// DLG_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DLG_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DLG_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("DLG_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_HTTP_READ_TIMEOUT: %w", err)
	}

	// Write timeout по умолчанию отключён — streaming download не ограничен.
	cfg.HTTPWriteTimeout, err = getEnvDuration("DLG_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("DLG_HTTP_WRITE_TIMEOUT: %w", err)
	}

	cfg.HTTPIdleTimeout, err = getEnvDuration("DLG_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("DLG_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("DLG_DB_HOST", "localhost")
	cfg.DBPort, err = getEnvInt("DLG_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DLG_DB_PORT: %w", err)
	}
	cfg.DBUser = getEnvDefault("DLG_DB_USER", "filetolink")
	cfg.DBPassword, err = getEnvRequired("DLG_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBName = getEnvDefault("DLG_DB_NAME", "filetolink")
	cfg.DBSSLMode = getEnvDefault("DLG_DB_SSLMODE", "disable")

	// --- Кэш метаданных ---

	cfg.RedisAddr = getEnvDefault("DLG_REDIS_ADDR", "")
	cfg.RedisPassword = getEnvDefault("DLG_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("DLG_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("DLG_REDIS_DB: %w", err)
	}

	// DLG_CACHE_TTL — TTL записи кэша (по умолчанию 5m, минимум 60s)
	cfg.CacheTTL, err = getEnvDuration("DLG_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DLG_CACHE_TTL: %w", err)
	}
	if cfg.CacheTTL < time.Minute {
		return nil, fmt.Errorf("DLG_CACHE_TTL: значение %s меньше минимума 60s", cfg.CacheTTL)
	}

	cfg.CacheMaxEntries, err = getEnvInt("DLG_CACHE_MAX_ENTRIES", 10000)
	if err != nil {
		return nil, fmt.Errorf("DLG_CACHE_MAX_ENTRIES: %w", err)
	}

	// --- Relay ---

	cfg.RelayURL, err = getEnvRequired("DLG_RELAY_URL")
	if err != nil {
		return nil, err
	}
	cfg.RelayToken, err = getEnvRequired("DLG_RELAY_TOKEN")
	if err != nil {
		return nil, err
	}
	cfg.RelayCACert = getEnvDefault("DLG_RELAY_CA_CERT_PATH", "")

	cfg.RelayHandleTimeout, err = getEnvDuration("DLG_RELAY_HANDLE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_RELAY_HANDLE_TIMEOUT: %w", err)
	}
	cfg.RelayFetchTimeout, err = getEnvDuration("DLG_RELAY_FETCH_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_RELAY_FETCH_TIMEOUT: %w", err)
	}
	cfg.RelayRetryAttempts, err = getEnvInt("DLG_RELAY_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("DLG_RELAY_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.RelayRetryAttempts < 1 {
		return nil, fmt.Errorf("DLG_RELAY_RETRY_ATTEMPTS: значение должно быть >= 1")
	}
	cfg.RelayRetryDelay, err = getEnvDuration("DLG_RELAY_RETRY_DELAY", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("DLG_RELAY_RETRY_DELAY: %w", err)
	}

	// --- Локальное fallback-хранилище ---

	cfg.LocalStoreDir = getEnvDefault("DLG_LOCAL_STORE_DIR", "")

	// --- Генерация ссылок ---

	cfg.EdgeBaseURL, err = getEnvRequired("DLG_EDGE_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.PublicBaseURL, err = getEnvRequired("DLG_PUBLIC_BASE_URL")
	if err != nil {
		return nil, err
	}
	cfg.BotUsername, err = getEnvRequired("DLG_BOT_USERNAME")
	if err != nil {
		return nil, err
	}

	// --- Rate limiting ---

	cfg.RateLimitPerMinute, err = getEnvInt("DLG_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, fmt.Errorf("DLG_RATE_LIMIT_PER_MINUTE: %w", err)
	}
	if cfg.RateLimitPerMinute < 0 {
		return nil, fmt.Errorf("DLG_RATE_LIMIT_PER_MINUTE: значение не может быть отрицательным")
	}

	// --- Внутренний API ---

	cfg.JWKSURL = getEnvDefault("DLG_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("DLG_JWT_ISSUER", "")
	cfg.JWKSClientTimeout, err = getEnvDuration("DLG_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("DLG_JWKS_REFRESH_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DLG_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("DLG_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_JWT_LEEWAY: %w", err)
	}

	// --- Dephealth ---

	cfg.DephealthGroup = getEnvDefault("DLG_DEPHEALTH_GROUP", "filetolink")
	cfg.DephealthCheckInterval, err = getEnvDuration("DLG_DEPHEALTH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DLG_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthIsEntry, err = getEnvBool("DLG_DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DLG_DEPHEALTH_ISENTRY: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
