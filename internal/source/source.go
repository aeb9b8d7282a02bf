// Пакет source — абстракция над физическим расположением байтов файла.
// Единый интерфейс ByteSource скрывает от обработчика скачивания,
// откуда читаются байты: из удалённого relay-хранилища или с локального
// диска. Ответ клиенту не зависит от выбранного источника.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrSourceUnavailable — запись о файле существует, но ни один источник
// байтов недоступен. Транслируется в HTTP 410 Gone.
var ErrSourceUnavailable = errors.New("байты файла недоступны ни в одном источнике")

// ByteSource — источник байтов одного файла, открытый под один запрос.
// Реализации не потокобезопасны; каждый HTTP-запрос открывает свой источник.
type ByteSource interface {
	// KnownLength возвращает полную длину контента в байтах.
	// -1 — длина неизвестна (источник не сообщил).
	KnownLength() int64

	// ReadRange открывает чтение диапазона [start, end] включительно.
	// end == -1 — чтение до конца контента.
	// start == 0 и end == -1 — полное содержимое.
	ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error)

	// Close освобождает ресурсы источника.
	Close() error
}

// fileSource — источник байтов на локальном диске.
type fileSource struct {
	path string
	size int64
}

// newFileSource открывает локальный файл как источник байтов.
func newFileSource(path string) (*fileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat локального файла: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("путь %s указывает на каталог", path)
	}
	return &fileSource{path: path, size: info.Size()}, nil
}

func (s *fileSource) KnownLength() int64 {
	return s.size
}

func (s *fileSource) ReadRange(_ context.Context, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("открытие локального файла: %w", err)
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("позиционирование на %d: %w", start, err)
		}
	}

	if end < 0 {
		return f, nil
	}

	return &limitedFile{
		Reader: io.LimitReader(f, end-start+1),
		file:   f,
	}, nil
}

func (s *fileSource) Close() error {
	return nil
}

// limitedFile — LimitReader поверх файла с корректным закрытием дескриптора.
type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}
