package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/filetolink/download-gateway/internal/domain/model"
)

// fileColumns — список столбцов таблицы file_records для SELECT-запросов.
// DRY: одно место для всех SELECT'ов.
const fileColumns = `file_ref, access_code, display_name, size_bytes, mime_type,
	content_hash, primary_backend_ref, local_cache_path, download_count,
	status, created_at, last_accessed_at`

// CreateParams — параметры создания записи файла (upload-флоу).
type CreateParams struct {
	// FileRef — сгенерированный короткий идентификатор
	FileRef string
	// AccessCode — сгенерированный код доступа
	AccessCode string
	// DisplayName — оригинальное имя файла
	DisplayName string
	// SizeBytes — размер файла в байтах
	SizeBytes int64
	// MimeType — MIME-тип
	MimeType string
	// ContentHash — SHA-256 (опционально)
	ContentHash *string
	// PrimaryBackendRef — токен сообщения в relay-хранилище (опционально)
	PrimaryBackendRef *string
	// LocalCachePath — путь к локальной копии (опционально)
	LocalCachePath *string
}

// FileRepository — интерфейс доступа к файлам в file_records.
type FileRepository interface {
	// GetByRefAndCode возвращает файл по паре (file_ref, access_code).
	// Несуществующий file_ref и неверный access_code неразличимы — оба ErrNotFound.
	GetByRefAndCode(ctx context.Context, fileRef, accessCode string) (*model.FileRecord, error)
	// Create вставляет новую запись файла (download_count = 0, status = active).
	Create(ctx context.Context, params CreateParams) (*model.FileRecord, error)
	// RecordDownload атомарно инкрементирует download_count и обновляет
	// last_accessed_at на уровне БД (не read-modify-write).
	// Возвращает access_code записи — он нужен для инвалидации кэша.
	RecordDownload(ctx context.Context, fileRef string) (accessCode string, err error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// GetByRefAndCode возвращает файл по паре (file_ref, access_code) или ErrNotFound.
// Пара — единственный валидный retrieval-ключ: запрос не различает
// "file_ref не существует" и "access_code не подошёл".
func (r *fileRepo) GetByRefAndCode(ctx context.Context, fileRef, accessCode string) (*model.FileRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM file_records WHERE file_ref = $1 AND access_code = $2`,
		fileColumns,
	)

	f := &model.FileRecord{}
	err := r.db.QueryRow(ctx, query, fileRef, accessCode).Scan(
		&f.FileRef, &f.AccessCode, &f.DisplayName, &f.SizeBytes, &f.MimeType,
		&f.ContentHash, &f.PrimaryBackendRef, &f.LocalCachePath, &f.DownloadCount,
		&f.Status, &f.CreatedAt, &f.LastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

// Create вставляет запись файла и возвращает её в актуальном виде.
func (r *fileRepo) Create(ctx context.Context, params CreateParams) (*model.FileRecord, error) {
	query := fmt.Sprintf(`
		INSERT INTO file_records (
			file_ref, access_code, display_name, size_bytes, mime_type,
			content_hash, primary_backend_ref, local_cache_path
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, fileColumns)

	f := &model.FileRecord{}
	err := r.db.QueryRow(ctx, query,
		params.FileRef, params.AccessCode, params.DisplayName, params.SizeBytes,
		params.MimeType, params.ContentHash, params.PrimaryBackendRef, params.LocalCachePath,
	).Scan(
		&f.FileRef, &f.AccessCode, &f.DisplayName, &f.SizeBytes, &f.MimeType,
		&f.ContentHash, &f.PrimaryBackendRef, &f.LocalCachePath, &f.DownloadCount,
		&f.Status, &f.CreatedAt, &f.LastAccessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return f, nil
}

// RecordDownload атомарно инкрементирует счётчик скачиваний.
// Инкремент выполняется одним UPDATE на стороне БД — конкурентные
// скачивания одного файла не теряют обновлений.
func (r *fileRepo) RecordDownload(ctx context.Context, fileRef string) (string, error) {
	query := `
		UPDATE file_records
		SET download_count = download_count + 1,
		    last_accessed_at = now()
		WHERE file_ref = $1 AND status = 'active'
		RETURNING access_code`

	var accessCode string
	err := r.db.QueryRow(ctx, query, fileRef).Scan(&accessCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка инкремента счётчика скачиваний: %w", err)
	}
	return accessCode, nil
}
