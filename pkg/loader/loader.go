// Package loader extracts plain text from import sources: web pages and
// uploaded documents. The text feeds the agent as seeding material for
// a canvas.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/sync/singleflight"
)

const maxBodyBytes = 16 << 20

// WebLoader fetches URLs and extracts readable text. HTML pages go
// through readability; anything else is returned verbatim. Fetches are
// cached and deduplicated per URL.
type WebLoader struct {
	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

func NewWebLoader() *WebLoader {
	return &WebLoader{cache: make(map[string][]byte)}
}

// TextFromURL fetches the URL and returns its readable text.
func (l *WebLoader) TextFromURL(ctx context.Context, rawURL string) ([]byte, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[rawURL]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(rawURL, func() (any, error) {
		text, err := fetchText(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		l.cacheMu.Lock()
		l.cache[rawURL] = text
		l.cacheMu.Unlock()
		return text, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func fetchText(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch url: status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		article, err := readability.FromReader(body, parsed)
		if err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}
		var builder strings.Builder
		if err := article.RenderText(&builder); err != nil {
			return nil, fmt.Errorf("render article text: %w", err)
		}
		return []byte(builder.String()), nil
	}

	return io.ReadAll(body)
}
