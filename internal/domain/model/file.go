// Пакет model — доменные модели Download Gateway.
// FileRecord — маппинг таблицы file_records (создаётся upload-флоу бота).
package model

import "time"

// Статусы файла.
const (
	// StatusActive — файл доступен для скачивания.
	StatusActive = "active"
	// StatusDeleted — файл помечен на удаление (soft delete, внешняя операция).
	// Gateway трактует deleted как "не найден" и сам статус не меняет.
	StatusDeleted = "deleted"
)

// FileRecord — запись файла в реестре file_records.
// Gateway использует модель для чтения; единственная мутация со стороны
// gateway — атомарный инкремент счётчика скачиваний (RecordDownload).
type FileRecord struct {
	// FileRef — короткий непрозрачный идентификатор файла (используется в URL)
	FileRef string
	// AccessCode — секретный код доступа (32+ случайных символов).
	// Retrieval-ключ только в паре с FileRef: верный FileRef с неверным
	// кодом неотличим от несуществующего файла.
	AccessCode string
	// DisplayName — оригинальное имя файла
	DisplayName string
	// SizeBytes — размер файла в байтах
	SizeBytes int64
	// MimeType — MIME-тип файла
	MimeType string
	// ContentHash — SHA-256 контрольная сумма (опционально)
	ContentHash *string
	// PrimaryBackendRef — непрозрачный токен сообщения в relay-хранилище.
	// Интерпретируется только Backend Resolver'ом, наружу не отдаётся.
	PrimaryBackendRef *string
	// LocalCachePath — путь к локальной fallback-копии (опционально)
	LocalCachePath *string
	// DownloadCount — монотонный счётчик скачиваний
	DownloadCount int64
	// Status — статус файла: active, deleted
	Status string
	// CreatedAt — время создания записи (завершение upload)
	CreatedAt time.Time
	// LastAccessedAt — время последнего скачивания
	LastAccessedAt *time.Time
}

// IsActive сообщает, доступен ли файл для выдачи.
func (f *FileRecord) IsActive() bool {
	return f.Status == StatusActive
}
