// Пакет relay — HTTP-клиент удалённого message-хранилища (relay).
// Двухфазный доступ: получение transient handle по backend ref,
// затем streaming-загрузка байтов по handle URL (с поддержкой Range).
// Handles короткоживущие и одноразовые по дизайну провайдера —
// клиент не кэширует и не переиспользует их между запросами.
package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ошибки relay-клиента.
var (
	// ErrGone — ссылка на сообщение недействительна (удалено, истекло, запрещено).
	// Перманентная ошибка: повторы бессмысленны, следует переходить к fallback.
	ErrGone = errors.New("сообщение недоступно в relay-хранилище")
)

// Prometheus-метрики relay-клиента.
var (
	relayRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlg_relay_retries_total",
		Help: "Количество повторных попыток запросов к relay (transient-ошибки, rate limit).",
	})

	relayHandleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dlg_relay_handle_duration_seconds",
		Help:    "Длительность получения transient handle (включая повторы).",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// Handle — transient handle на байты сообщения в relay-хранилище.
// Request-scoped: выдан под один запрос, истекает на стороне провайдера.
type Handle struct {
	// FetchURL — абсолютный URL для скачивания байтов
	FetchURL string
	// SizeBytes — известная длина контента (-1 — провайдер не сообщил)
	SizeBytes int64
	// ExpiresAt — момент истечения handle
	ExpiresAt time.Time
}

// Options — параметры создания relay-клиента.
type Options struct {
	// BaseURL — базовый URL relay API
	BaseURL string
	// Token — Bearer-токен авторизации
	Token string
	// CACertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул)
	CACertPath string
	// HandleTimeout — таймаут одного запроса handle
	HandleTimeout time.Duration
	// FetchTimeout — таймаут установления соединения и заголовков при fetch
	FetchTimeout time.Duration
	// RetryAttempts — бюджет попыток при transient-ошибках (>= 1)
	RetryAttempts int
	// RetryDelay — базовая задержка между попытками
	RetryDelay time.Duration
}

// Client — HTTP-клиент relay-хранилища.
type Client struct {
	handleClient *http.Client
	fetchClient  *http.Client
	baseURL      string
	token        string
	attempts     int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// New создаёт relay-клиент.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		// Пул idle-соединений для переиспользования между запросами
		MaxIdleConnsPerHost: 10,
	}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата relay: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат relay добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	// Отдельный клиент для fetch: таймаут только на заголовки,
	// тело читается со streaming без общего дедлайна.
	fetchTransport := transport.Clone()
	fetchTransport.ResponseHeaderTimeout = opts.FetchTimeout

	return &Client{
		handleClient: &http.Client{Timeout: opts.HandleTimeout, Transport: transport},
		fetchClient:  &http.Client{Transport: fetchTransport},
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		token:        opts.Token,
		attempts:     attempts,
		retryDelay:   opts.RetryDelay,
		logger:       logger.With(slog.String("component", "relay_client")),
	}, nil
}

// handleResponse — тело ответа endpoint'а выдачи handle.
type handleResponse struct {
	FetchURL  string     `json:"fetch_url"`
	SizeBytes *int64     `json:"size_bytes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// FetchTransientHandle запрашивает transient handle для backend ref.
// GET {base}/api/v1/messages/{backendRef}/handle
//
// Transient-ошибки (сеть, 5xx, 429) повторяются в пределах бюджета попыток;
// при 429 учитывается Retry-After провайдера. Перманентные ошибки
// (404, 410, 403) возвращаются как ErrGone без повторов.
func (c *Client) FetchTransientHandle(ctx context.Context, backendRef string) (*Handle, error) {
	start := time.Now()
	defer func() { relayHandleDuration.Observe(time.Since(start).Seconds()) }()

	reqURL := fmt.Sprintf("%s/api/v1/messages/%s/handle", c.baseURL, url.PathEscape(backendRef))

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			relayRetriesTotal.Inc()
		}

		handle, retryAfter, err := c.requestHandle(ctx, reqURL)
		if err == nil {
			return handle, nil
		}
		if errors.Is(err, ErrGone) {
			return nil, err
		}
		lastErr = err

		c.logger.Warn("Transient-ошибка получения handle от relay",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.attempts),
			slog.String("error", err.Error()),
		)

		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt, retryAfter)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("получение handle после %d попыток: %w", c.attempts, lastErr)
}

// requestHandle выполняет один запрос handle.
// Возвращает (handle, 0, nil) при успехе, или (nil, retryAfter, err) при ошибке.
func (c *Client) requestHandle(ctx context.Context, reqURL string) (*Handle, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("создание запроса handle: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.handleClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("запрос handle: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// разбор ниже
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusForbidden:
		return nil, 0, fmt.Errorf("relay статус %d: %w", resp.StatusCode, ErrGone)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("relay rate limit (429)")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("relay вернул статус %d: %s", resp.StatusCode, string(body))
	}

	var hr handleResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, 0, fmt.Errorf("декодирование handle response: %w", err)
	}
	if hr.FetchURL == "" {
		return nil, 0, fmt.Errorf("пустой fetch_url в ответе relay")
	}

	handle := &Handle{
		FetchURL:  c.absoluteURL(hr.FetchURL),
		SizeBytes: -1,
	}
	if hr.SizeBytes != nil {
		handle.SizeBytes = *hr.SizeBytes
	}
	if hr.ExpiresAt != nil {
		handle.ExpiresAt = *hr.ExpiresAt
	}
	return handle, 0, nil
}

// Fetch выполняет streaming-загрузку байтов по handle URL.
// rangeHeader — готовое значение заголовка Range (пустая строка — без Range).
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
//
// Допустимые статусы: 200 (полное тело) и 206 (частичное).
// 404/410/403 означают, что handle истёк между выдачей и использованием — ErrGone.
// Заведомо истёкший handle отклоняется без сетевого запроса.
func (c *Client) Fetch(ctx context.Context, handle *Handle, rangeHeader string) (*http.Response, error) {
	if !handle.ExpiresAt.IsZero() && time.Now().After(handle.ExpiresAt) {
		return nil, fmt.Errorf("handle истёк %s: %w",
			handle.ExpiresAt.UTC().Format(time.RFC3339), ErrGone)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			relayRetriesTotal.Inc()
		}

		resp, retryAfter, err := c.requestFetch(ctx, handle.FetchURL, rangeHeader)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrGone) {
			return nil, err
		}
		lastErr = err

		if attempt == c.attempts {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt, retryAfter)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("загрузка байтов после %d попыток: %w", c.attempts, lastErr)
}

// requestFetch выполняет один запрос байтов.
func (c *Client) requestFetch(ctx context.Context, fetchURL, rangeHeader string) (*http.Response, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("создание запроса fetch: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("запрос fetch: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
		return resp, 0, nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("relay статус %d при fetch: %w", resp.StatusCode, ErrGone)
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, retryAfter, fmt.Errorf("relay rate limit (429) при fetch")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, 0, fmt.Errorf("relay вернул статус %d при fetch: %s", resp.StatusCode, string(body))
	}
}

// backoff вычисляет задержку перед следующей попыткой.
// Приоритет у Retry-After провайдера (с верхней границей 10s),
// иначе линейный рост от базовой задержки.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		const maxRetryAfter = 10 * time.Second
		if retryAfter > maxRetryAfter {
			return maxRetryAfter
		}
		return retryAfter
	}
	return c.retryDelay * time.Duration(attempt)
}

// sleep ждёт указанное время или отмену контекста.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// absoluteURL превращает относительный fetch_url в абсолютный от baseURL.
func (c *Client) absoluteURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return c.baseURL + "/" + strings.TrimLeft(raw, "/")
}

// parseRetryAfter разбирает заголовок Retry-After (поддерживается только
// форма в секундах; HTTP-date провайдер не использует).
func parseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
