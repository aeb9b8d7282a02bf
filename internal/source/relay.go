package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/filetolink/download-gateway/internal/relay"
)

// relaySource — источник байтов в удалённом relay-хранилище,
// привязанный к transient handle. Handle выдан под текущий запрос
// и не переживает его.
type relaySource struct {
	client *relay.Client
	handle *relay.Handle
}

// newRelaySource оборачивает transient handle в ByteSource.
func newRelaySource(client *relay.Client, handle *relay.Handle) *relaySource {
	return &relaySource{client: client, handle: handle}
}

func (s *relaySource) KnownLength() int64 {
	return s.handle.SizeBytes
}

func (s *relaySource) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	rangeHeader := ""
	if start > 0 || end >= 0 {
		if end >= 0 {
			rangeHeader = fmt.Sprintf("bytes=%d-%d", start, end)
		} else {
			rangeHeader = fmt.Sprintf("bytes=%d-", start)
		}
	}

	resp, err := s.client.Fetch(ctx, s.handle, rangeHeader)
	if err != nil {
		return nil, err
	}

	// Провайдер имеет право игнорировать Range и вернуть 200 с полным телом.
	// Тогда окно вырезается на нашей стороне: пропуск start байтов и
	// ограничение длины.
	if rangeHeader != "" && resp.StatusCode == http.StatusOK {
		return newWindowReader(resp.Body, start, end)
	}

	return resp.Body, nil
}

func (s *relaySource) Close() error {
	return nil
}

// windowReader вырезает диапазон [start, end] из полного потока.
type windowReader struct {
	io.Reader
	underlying io.ReadCloser
}

func newWindowReader(body io.ReadCloser, start, end int64) (io.ReadCloser, error) {
	if start > 0 {
		if _, err := io.CopyN(io.Discard, body, start); err != nil {
			body.Close()
			return nil, fmt.Errorf("пропуск %d байтов полного ответа: %w", start, err)
		}
	}

	var r io.Reader = body
	if end >= 0 {
		r = io.LimitReader(body, end-start+1)
	}

	return &windowReader{Reader: r, underlying: body}, nil
}

func (w *windowReader) Close() error {
	return w.underlying.Close()
}
