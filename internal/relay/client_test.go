package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string, attempts int) *Client {
	t.Helper()
	client, err := New(Options{
		BaseURL:       baseURL,
		Token:         "test-token",
		HandleTimeout: 5 * time.Second,
		FetchTimeout:  5 * time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("создание клиента: %v", err)
	}
	return client
}

func TestFetchTransientHandle_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages/msg-42/handle" {
			t.Errorf("неожиданный путь запроса: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("неверный заголовок Authorization: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"fetch_url": "/fetch/abc", "size_bytes": 1024}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 1)
	handle, err := client.FetchTransientHandle(context.Background(), "msg-42")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if handle.SizeBytes != 1024 {
		t.Errorf("SizeBytes = %d, ожидалось 1024", handle.SizeBytes)
	}
	if want := ts.URL + "/fetch/abc"; handle.FetchURL != want {
		t.Errorf("FetchURL = %s, ожидалось %s", handle.FetchURL, want)
	}
}

func TestFetchTransientHandle_UnknownSize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"fetch_url": "https://cdn.example/abc"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 1)
	handle, err := client.FetchTransientHandle(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if handle.SizeBytes != -1 {
		t.Errorf("SizeBytes = %d, ожидалось -1 при отсутствии размера", handle.SizeBytes)
	}
	if handle.FetchURL != "https://cdn.example/abc" {
		t.Errorf("абсолютный fetch_url не должен дополняться baseURL: %s", handle.FetchURL)
	}
}

func TestFetchTransientHandle_Gone(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusGone, http.StatusForbidden} {
		var calls atomic.Int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		client := newTestClient(t, ts.URL, 3)
		_, err := client.FetchTransientHandle(context.Background(), "msg-gone")
		if !errors.Is(err, ErrGone) {
			t.Errorf("статус %d: ожидалась ErrGone, получено %v", status, err)
		}
		if calls.Load() != 1 {
			t.Errorf("статус %d: перманентная ошибка не должна повторяться, попыток %d", status, calls.Load())
		}
		ts.Close()
	}
}

func TestFetchTransientHandle_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"fetch_url": "/fetch/ok"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 3)
	handle, err := client.FetchTransientHandle(context.Background(), "msg-retry")
	if err != nil {
		t.Fatalf("после повторов ожидался успех, получено: %v", err)
	}
	if handle == nil || calls.Load() != 3 {
		t.Errorf("ожидалось 3 попытки, выполнено %d", calls.Load())
	}
}

func TestFetchTransientHandle_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 2)
	_, err := client.FetchTransientHandle(context.Background(), "msg-fail")
	if err == nil {
		t.Fatal("ожидалась ошибка после исчерпания бюджета попыток")
	}
	if errors.Is(err, ErrGone) {
		t.Error("5xx не должна превращаться в ErrGone")
	}
	if calls.Load() != 2 {
		t.Errorf("ожидалось 2 попытки, выполнено %d", calls.Load())
	}
}

func TestFetchTransientHandle_RateLimitRetryAfter(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"fetch_url": "/fetch/ok"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 2)
	if _, err := client.FetchTransientHandle(context.Background(), "msg-429"); err != nil {
		t.Fatalf("после rate limit ожидался успех: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("ожидалось 2 попытки, выполнено %d", calls.Load())
	}
}

func TestFetch_RangePassthrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=10-19" {
			t.Errorf("заголовок Range = %q, ожидалось bytes=10-19", got)
		}
		w.Header().Set("Content-Range", "bytes 10-19/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 1)
	resp, err := client.Fetch(context.Background(), &Handle{FetchURL: ts.URL + "/fetch/x"}, "bytes=10-19")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("статус = %d, ожидалось 206", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "0123456789" {
		t.Errorf("тело = %q", body)
	}
}

func TestFetch_HandleExpired(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 1)
	_, err := client.Fetch(context.Background(), &Handle{FetchURL: ts.URL + "/fetch/x"}, "")
	if !errors.Is(err, ErrGone) {
		t.Errorf("ожидалась ErrGone для истёкшего handle, получено %v", err)
	}
}

func TestFetch_ExpiredHandleNoRequest(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL, 3)
	handle := &Handle{
		FetchURL:  ts.URL + "/fetch/x",
		ExpiresAt: time.Now().Add(-time.Minute),
	}

	_, err := client.Fetch(context.Background(), handle, "")
	if !errors.Is(err, ErrGone) {
		t.Fatalf("ожидалась ErrGone для заведомо истёкшего handle, получено %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("истёкший handle не должен порождать сетевой запрос, запросов %d", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"  3 ", 3 * time.Second},
		{"-1", 0},
		{"abc", 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.in); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, ожидалось %v", tc.in, got, tc.want)
		}
	}
}
