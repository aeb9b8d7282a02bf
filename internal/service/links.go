package service

import (
	"fmt"
	"net/url"
	"strings"
)

// Links — тройка публичных ссылок на файл.
type Links struct {
	// Edge — ссылка через edge-домен (CDN)
	Edge string `json:"edge"`
	// Direct — прямая ссылка на шлюз
	Direct string `json:"direct"`
	// Relay — deep link в relay-бот
	Relay string `json:"relay"`
}

// LinkBuilder строит публичные ссылки на файлы.
type LinkBuilder struct {
	edgeBaseURL   string
	publicBaseURL string
	botUsername   string
}

// NewLinkBuilder создаёт построитель ссылок.
func NewLinkBuilder(edgeBaseURL, publicBaseURL, botUsername string) *LinkBuilder {
	return &LinkBuilder{
		edgeBaseURL:   strings.TrimRight(edgeBaseURL, "/"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		botUsername:   strings.TrimPrefix(botUsername, "@"),
	}
}

// Build возвращает тройку ссылок для пары (file ref, access code).
func (b *LinkBuilder) Build(fileRef, accessCode string) Links {
	path := fmt.Sprintf("/dl/%s?code=%s", url.PathEscape(fileRef), url.QueryEscape(accessCode))
	return Links{
		Edge:   b.edgeBaseURL + path,
		Direct: b.publicBaseURL + path,
		Relay:  fmt.Sprintf("https://t.me/%s?start=%s", b.botUsername, url.QueryEscape(accessCode)),
	}
}
