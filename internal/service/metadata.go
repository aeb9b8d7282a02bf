// Пакет service — бизнес-логика шлюза скачивания: метаданные файлов,
// кэш-координация, согласование диапазонов, оркестрация отдачи байтов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filetolink/download-gateway/internal/domain/model"
	"github.com/filetolink/download-gateway/internal/repository"
)

// ErrNotFound — файл не найден либо access code не совпал.
// Оба случая намеренно неразличимы для вызывающей стороны.
var ErrNotFound = errors.New("файл не найден")

// FileInfo — публичное описание файла без чувствительных полей.
type FileInfo struct {
	FileRef       string    `json:"file_ref"`
	DisplayName   string    `json:"display_name"`
	SizeBytes     int64     `json:"size_bytes"`
	MimeType      string    `json:"mime_type"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
	Links         Links     `json:"links"`
}

// CreateFileInput — параметры регистрации нового файла.
type CreateFileInput struct {
	DisplayName       string
	SizeBytes         int64
	MimeType          string
	ContentHash       *string
	PrimaryBackendRef *string
	LocalCachePath    *string
}

// CreateFileResult — зарегистрированный файл вместе с публичными ссылками.
type CreateFileResult struct {
	Record *model.FileRecord
	Links  Links
}

// FileService — операции над метаданными файлов.
// Чтение идёт через cache-aside: durable-хранилище остаётся источником
// истины, кэш только ускоряет повторные обращения.
type FileService struct {
	repo   repository.FileRepository
	cache  MetadataCache
	links  *LinkBuilder
	logger *slog.Logger
}

// NewFileService создаёт сервис метаданных.
func NewFileService(repo repository.FileRepository, cache MetadataCache, links *LinkBuilder, logger *slog.Logger) *FileService {
	return &FileService{
		repo:   repo,
		cache:  cache,
		links:  links,
		logger: logger.With(slog.String("component", "file_service")),
	}
}

// getFileRecord возвращает активную запись по паре (ref, code).
// Несуществующая ссылка, несовпавший код и удалённая запись дают
// одинаковую ErrNotFound.
func (s *FileService) getFileRecord(ctx context.Context, fileRef, accessCode string) (*model.FileRecord, error) {
	if record, ok := s.cache.Get(ctx, fileRef, accessCode); ok {
		if !record.IsActive() {
			return nil, ErrNotFound
		}
		return record, nil
	}

	record, err := s.repo.GetByRefAndCode(ctx, fileRef, accessCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение записи о файле: %w", err)
	}

	if !record.IsActive() {
		return nil, ErrNotFound
	}

	s.cache.Set(ctx, fileRef, accessCode, record)
	return record, nil
}

// GetFileInfo возвращает публичные метаданные файла и тройку ссылок.
func (s *FileService) GetFileInfo(ctx context.Context, fileRef, accessCode string) (*FileInfo, error) {
	record, err := s.getFileRecord(ctx, fileRef, accessCode)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		FileRef:       record.FileRef,
		DisplayName:   record.DisplayName,
		SizeBytes:     record.SizeBytes,
		MimeType:      record.MimeType,
		DownloadCount: record.DownloadCount,
		CreatedAt:     record.CreatedAt,
		Links:         s.links.Build(record.FileRef, record.AccessCode),
	}, nil
}

// CreateFile регистрирует новый файл: генерирует непрозрачный file ref
// и секретный access code, создаёт durable-запись и возвращает ссылки.
func (s *FileService) CreateFile(ctx context.Context, input CreateFileInput) (*CreateFileResult, error) {
	fileRef, err := GenerateFileRef()
	if err != nil {
		return nil, fmt.Errorf("генерация file ref: %w", err)
	}
	accessCode, err := GenerateAccessCode()
	if err != nil {
		return nil, fmt.Errorf("генерация access code: %w", err)
	}

	record, err := s.repo.Create(ctx, repository.CreateParams{
		FileRef:           fileRef,
		AccessCode:        accessCode,
		DisplayName:       input.DisplayName,
		SizeBytes:         input.SizeBytes,
		MimeType:          input.MimeType,
		ContentHash:       input.ContentHash,
		PrimaryBackendRef: input.PrimaryBackendRef,
		LocalCachePath:    input.LocalCachePath,
	})
	if err != nil {
		return nil, fmt.Errorf("создание записи о файле: %w", err)
	}

	s.logger.Info("Зарегистрирован новый файл",
		slog.String("file_ref", record.FileRef),
		slog.String("display_name", record.DisplayName),
		slog.Int64("size_bytes", record.SizeBytes),
	)

	return &CreateFileResult{
		Record: record,
		Links:  s.links.Build(record.FileRef, record.AccessCode),
	}, nil
}

// RecordDownload атомарно инкрементирует счётчик скачиваний и
// инвалидирует запись в кэше. Кэш никогда не обновляется на месте:
// следующий запрос перечитает актуальное значение из хранилища.
func (s *FileService) RecordDownload(ctx context.Context, fileRef string) error {
	accessCode, err := s.repo.RecordDownload(ctx, fileRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("инкремент счётчика скачиваний: %w", err)
	}

	s.cache.Delete(ctx, fileRef, accessCode)
	return nil
}
