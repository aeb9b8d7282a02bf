package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/filetolink/download-gateway/internal/domain/model"
	"github.com/filetolink/download-gateway/internal/repository"
	"github.com/filetolink/download-gateway/internal/source"
)

// fakeRepo — in-memory реализация репозитория для тестов.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
	getErr  error
}

func newFakeRepo(records ...*model.FileRecord) *fakeRepo {
	m := make(map[string]*model.FileRecord)
	for _, r := range records {
		m[r.FileRef] = r
	}
	return &fakeRepo{records: m}
}

func (f *fakeRepo) GetByRefAndCode(_ context.Context, fileRef, accessCode string) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	r, ok := f.records[fileRef]
	if !ok || r.AccessCode != accessCode {
		return nil, repository.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (f *fakeRepo) Create(_ context.Context, params repository.CreateParams) (*model.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &model.FileRecord{
		FileRef:     params.FileRef,
		AccessCode:  params.AccessCode,
		DisplayName: params.DisplayName,
		SizeBytes:   params.SizeBytes,
		MimeType:    params.MimeType,
		Status:      model.StatusActive,
		CreatedAt:   time.Now(),
	}
	f.records[r.FileRef] = r
	return r, nil
}

func (f *fakeRepo) RecordDownload(_ context.Context, fileRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[fileRef]
	if !ok || r.Status != model.StatusActive {
		return "", repository.ErrNotFound
	}
	r.DownloadCount++
	return r.AccessCode, nil
}

func (f *fakeRepo) downloadCount(fileRef string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[fileRef]; ok {
		return r.DownloadCount
	}
	return 0
}

// fakeByteSource — источник байтов из памяти.
type fakeByteSource struct {
	data        []byte
	knownLength int64
}

func (s *fakeByteSource) KnownLength() int64 { return s.knownLength }

func (s *fakeByteSource) ReadRange(_ context.Context, start, end int64) (io.ReadCloser, error) {
	if start >= int64(len(s.data)) {
		start = int64(len(s.data))
	}
	data := s.data[start:]
	if end >= 0 && end-start+1 < int64(len(data)) {
		data = data[:end-start+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeByteSource) Close() error { return nil }

// fakeResolver отдаёт заранее заданный источник либо ошибку.
type fakeResolver struct {
	src source.ByteSource
	err error
}

func (f *fakeResolver) Open(_ context.Context, _ *model.FileRecord) (source.ByteSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.src, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeRecord(fileRef, accessCode string, size int64) *model.FileRecord {
	return &model.FileRecord{
		FileRef:     fileRef,
		AccessCode:  accessCode,
		DisplayName: "video.mp4",
		SizeBytes:   size,
		MimeType:    "video/mp4",
		Status:      model.StatusActive,
		CreatedAt:   time.Now(),
	}
}

func newDownloadService(repo repository.FileRepository, cache MetadataCache, resolver SourceResolver) *DownloadService {
	links := NewLinkBuilder("https://cdn.example.com", "https://dl.example.com", "bot")
	files := NewFileService(repo, cache, links, discardLogger())
	return NewDownloadService(files, resolver, discardLogger())
}

// waitForCount ждёт, пока асинхронный учёт скачивания догонит ожидание.
func waitForCount(t *testing.T, repo *fakeRepo, fileRef string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if repo.downloadCount(fileRef) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("счётчик скачиваний %s = %d, ожидалось %d", fileRef, repo.downloadCount(fileRef), want)
}

func TestServe_FullContent(t *testing.T) {
	data := []byte("full file body")
	repo := newFakeRepo(activeRecord("ref1", "code1", int64(len(data))))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: data, knownLength: int64(len(data))}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)

	if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	if w.Code != http.StatusOK {
		t.Errorf("статус = %d, ожидалось 200", w.Code)
	}
	if got := w.Body.String(); got != "full file body" {
		t.Errorf("тело = %q", got)
	}
	if got := w.Header().Get("Content-Length"); got != "14" {
		t.Errorf("Content-Length = %q, ожидалось 14", got)
	}
	if got := w.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}

	waitForCount(t, repo, "ref1", 1)
}

func TestServe_PartialContent(t *testing.T) {
	data := []byte("0123456789")
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: data, knownLength: 10}})

	cases := []struct {
		name      string
		rangeHdr  string
		wantBody  string
		wantRange string
	}{
		{"окно", "bytes=2-5", "2345", "bytes 2-5/10"},
		{"открытая форма", "bytes=7-", "789", "bytes 7-9/10"},
		{"suffix-форма", "bytes=-3", "789", "bytes 7-9/10"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
			r.Header.Set("Range", tc.rangeHdr)

			if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
				t.Fatalf("неожиданная ошибка: %v", err)
			}
			if w.Code != http.StatusPartialContent {
				t.Errorf("статус = %d, ожидалось 206", w.Code)
			}
			if got := w.Body.String(); got != tc.wantBody {
				t.Errorf("тело = %q, ожидалось %q", got, tc.wantBody)
			}
			if got := w.Header().Get("Content-Range"); got != tc.wantRange {
				t.Errorf("Content-Range = %q, ожидалось %q", got, tc.wantRange)
			}
		})
	}
}

func TestServe_MalformedRangeServesFull(t *testing.T) {
	data := []byte("0123456789")
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: data, knownLength: 10}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	r.Header.Set("Range", "bytes=oops")

	if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("статус = %d, некорректный Range должен давать 200", w.Code)
	}
	if w.Body.String() != "0123456789" {
		t.Errorf("тело = %q", w.Body.String())
	}
}

func TestServe_RangeNotSatisfiable(t *testing.T) {
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: []byte("0123456789"), knownLength: 10}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	r.Header.Set("Range", "bytes=100-")

	err := svc.Serve(w, r, "ref1", "code1")
	var rangeErr *ErrRangeNotSatisfiable
	if !errors.As(err, &rangeErr) {
		t.Fatalf("ожидалась ErrRangeNotSatisfiable, получено %v", err)
	}
	if rangeErr.TotalLength != 10 {
		t.Errorf("TotalLength = %d, ожидалось 10", rangeErr.TotalLength)
	}
	waitForNoCount(t, repo, "ref1")
}

// waitForNoCount убеждается, что счётчик не инкрементировался.
func waitForNoCount(t *testing.T, repo *fakeRepo, fileRef string) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if got := repo.downloadCount(fileRef); got != 0 {
		t.Errorf("счётчик = %d, неудачный запрос не должен учитываться", got)
	}
}

func TestServe_WrongCodeIndistinguishable(t *testing.T) {
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: []byte("0123456789"), knownLength: 10}})

	// Несуществующая ссылка и неверный код дают одну и ту же ошибку
	for _, pair := range [][2]string{{"missing", "code1"}, {"ref1", "wrong"}} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/dl/x", nil)
		err := svc.Serve(w, r, pair[0], pair[1])
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("(%s, %s): ожидалась ErrNotFound, получено %v", pair[0], pair[1], err)
		}
	}
}

func TestServe_DeletedRecordNotFound(t *testing.T) {
	record := activeRecord("ref1", "code1", 10)
	record.Status = model.StatusDeleted
	repo := newFakeRepo(record)
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: []byte("x"), knownLength: 1}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	if err := svc.Serve(w, r, "ref1", "code1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("удалённая запись: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestServe_SourceUnavailable(t *testing.T) {
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{err: source.ErrSourceUnavailable})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	if err := svc.Serve(w, r, "ref1", "code1"); !errors.Is(err, source.ErrSourceUnavailable) {
		t.Errorf("ожидалась ErrSourceUnavailable, получено %v", err)
	}
	waitForNoCount(t, repo, "ref1")
}

func TestServe_UnknownLength(t *testing.T) {
	record := activeRecord("ref1", "code1", 0)
	repo := newFakeRepo(record)
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: []byte("stream"), knownLength: -1}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	r.Header.Set("Range", "bytes=0-2")

	if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	// Неизвестная длина: Range игнорируется, отдаётся полный контент
	if w.Code != http.StatusOK {
		t.Errorf("статус = %d, ожидалось 200", w.Code)
	}
	if got := w.Header().Get("Accept-Ranges"); got != "" {
		t.Errorf("Accept-Ranges = %q, не должен объявляться без длины", got)
	}
	if got := w.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, не должен выставляться без длины", got)
	}
	if w.Body.String() != "stream" {
		t.Errorf("тело = %q", w.Body.String())
	}
}

func TestServe_ConcurrentDownloadsCounted(t *testing.T) {
	data := []byte("payload")
	repo := newFakeRepo(activeRecord("ref1", "code1", int64(len(data))))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute),
		&fakeResolver{src: &fakeByteSource{data: data, knownLength: int64(len(data))}})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
			if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}()
	}
	wg.Wait()

	waitForCount(t, repo, "ref1", n)
}

func TestServe_CacheInvalidatedAfterDownload(t *testing.T) {
	data := []byte("payload")
	repo := newFakeRepo(activeRecord("ref1", "code1", int64(len(data))))
	cache := NewMemoryCache(10, time.Minute)
	svc := newDownloadService(repo, cache,
		&fakeResolver{src: &fakeByteSource{data: data, knownLength: int64(len(data))}})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/dl/ref1?code=code1", nil)
	if err := svc.Serve(w, r, "ref1", "code1"); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	waitForCount(t, repo, "ref1", 1)

	// После учёта запись инвалидирована: следующее чтение идёт в
	// хранилище и видит свежий счётчик
	if _, ok := cache.Get(context.Background(), "ref1", "code1"); ok {
		t.Error("запись должна быть инвалидирована после учёта скачивания")
	}

	info, err := svc.files.GetFileInfo(context.Background(), "ref1", "code1")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, ожидалось 1", info.DownloadCount)
	}
}

func TestContentDisposition(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"ascii", "report.pdf", `attachment; filename="report.pdf"`},
		{"пустое имя", "", `attachment; filename="file"`},
		{"не-ascii", "отчёт.pdf", `attachment; filename=".pdf"; filename*=UTF-8''%D0%BE%D1%82%D1%87%D1%91%D1%82.pdf`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := contentDisposition(tc.in); got != tc.want {
				t.Errorf("contentDisposition(%q) = %q, ожидалось %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestGetFileInfo_IncludesLinks(t *testing.T) {
	repo := newFakeRepo(activeRecord("ref1", "code1", 10))
	svc := newDownloadService(repo, NewMemoryCache(10, time.Minute), &fakeResolver{})

	info, err := svc.files.GetFileInfo(context.Background(), "ref1", "code1")
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.Links.Direct != "https://dl.example.com/dl/ref1?code=code1" {
		t.Errorf("Direct = %s", info.Links.Direct)
	}
	if info.Links.Edge == "" || info.Links.Relay == "" {
		t.Error("все три ссылки должны присутствовать")
	}
}
