package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrMediaTooLarge indicates a media payload exceeded the account's size cap.
var ErrMediaTooLarge = errors.New("media exceeds size cap")

// AuthDecorator adds authentication to a media fetch request. Provider-hosted
// media URLs require account credentials; proxy-relayed URLs require none.
type AuthDecorator func(req *http.Request)

// BasicAuthDecorator authenticates media fetches with account credentials.
func BasicAuthDecorator(account ResolvedAccount) AuthDecorator {
	if !account.HasCredentials() {
		return nil
	}
	return func(req *http.Request) {
		req.SetBasicAuth(account.AccountSID, account.AuthToken)
	}
}

// FetchedMedia is an in-memory downloaded attachment.
type FetchedMedia struct {
	Data        []byte
	ContentType string
}

// MediaFetcher downloads inbound attachments with authentication, size
// capping, and content-type inference, and persists them for agent dispatch.
type MediaFetcher struct {
	client *http.Client
	dir    string
	logger *slog.Logger
}

// NewMediaFetcher creates a fetcher saving into dir. A nil client gets a
// default with a 30s timeout.
func NewMediaFetcher(log *slog.Logger, client *http.Client, dir string) *MediaFetcher {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MediaFetcher{
		client: client,
		dir:    dir,
		logger: log.With(slog.String("component", "media")),
	}
}

// Fetch downloads url, enforcing maxBytes before and during the read: a
// Content-Length above the cap aborts without reading the body, and the
// streaming read stops as soon as the cap is crossed rather than buffering
// unbounded data. decorator, when non-nil, authenticates the request.
func (f *MediaFetcher) Fetch(ctx context.Context, url string, maxBytes int64, decorator AuthDecorator) (FetchedMedia, error) {
	if strings.TrimSpace(url) == "" {
		return FetchedMedia{}, fmt.Errorf("media url is required")
	}
	if maxBytes <= 0 {
		return FetchedMedia{}, fmt.Errorf("media size cap must be positive")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchedMedia{}, fmt.Errorf("build media request: %w", err)
	}
	if decorator != nil {
		decorator(req)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchedMedia{}, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FetchedMedia{}, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return FetchedMedia{}, fmt.Errorf("%w: declared %d bytes, cap %d", ErrMediaTooLarge, resp.ContentLength, maxBytes)
	}

	limited := &io.LimitedReader{R: resp.Body, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return FetchedMedia{}, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return FetchedMedia{}, fmt.Errorf("%w: cap %d", ErrMediaTooLarge, maxBytes)
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	return FetchedMedia{Data: data, ContentType: contentType}, nil
}

// Save persists media bytes under the fetcher's directory, grouped by
// direction ("inbound" or "outbound"), and returns the local reference.
func (f *MediaFetcher) Save(media FetchedMedia, direction string, maxBytes int64) (SavedMedia, error) {
	if len(media.Data) == 0 {
		return SavedMedia{}, fmt.Errorf("media data is empty")
	}
	if maxBytes > 0 && int64(len(media.Data)) > maxBytes {
		return SavedMedia{}, fmt.Errorf("%w: cap %d", ErrMediaTooLarge, maxBytes)
	}
	direction = strings.TrimSpace(direction)
	if direction == "" {
		direction = "inbound"
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(media.Data).String()
	}
	dir := filepath.Join(f.dir, direction)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedMedia{}, fmt.Errorf("create media dir: %w", err)
	}
	name := uuid.NewString() + extensionFor(contentType, media.Data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, media.Data, 0o644); err != nil {
		return SavedMedia{}, fmt.Errorf("write media: %w", err)
	}
	return SavedMedia{Path: path, ContentType: contentType}, nil
}

func extensionFor(contentType string, data []byte) string {
	if detected := mimetype.Lookup(contentType); detected != nil && detected.Extension() != "" {
		return detected.Extension()
	}
	if detected := mimetype.Detect(data); detected.Extension() != "" {
		return detected.Extension()
	}
	return ".bin"
}
