package service

import (
	"crypto/rand"
	"fmt"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	fileRefLength    = 16
	accessCodeLength = 32
)

// GenerateFileRef возвращает новый непрозрачный идентификатор файла.
func GenerateFileRef() (string, error) {
	return randomToken(fileRefLength)
}

// GenerateAccessCode возвращает новый секретный код доступа.
func GenerateAccessCode() (string, error) {
	return randomToken(accessCodeLength)
}

// randomToken генерирует криптостойкую алфавитно-цифровую строку.
// Rejection sampling: 256 не кратно длине алфавита, байты выше порога
// отбрасываются — иначе остаток по модулю смещает распределение символов.
func randomToken(length int) (string, error) {
	const maxAccepted = 256 - 256%len(tokenAlphabet)

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("генерация случайных байтов: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxAccepted {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
