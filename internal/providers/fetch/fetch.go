// Package fetch dereferences remote result URLs into in-memory assets.
// Every polling adapter ends with a reference it must turn into bytes;
// this is the one place that download and media-type sniffing happens.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/theazureday/story-creator/internal/imagegen"
)

const maxAssetBytes = 32 << 20 // refuse absurd payloads from a misbehaving backend

// Fetcher downloads result references and normalizes them into Assets.
type Fetcher struct {
	httpClient *http.Client
}

// New constructs a Fetcher. A nil client gets a 45 second default, the
// same budget the adapters use for their own calls.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}
	return &Fetcher{httpClient: client}
}

// Asset fetches rawURL and returns the bytes with their declared media
// type. Failures surface as KindTransport so the owning adapter's error
// stays distinguishable from a backend-reported failure.
func (f *Fetcher) Asset(ctx context.Context, provider, rawURL string) (imagegen.Asset, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return imagegen.Asset{}, imagegen.NewError(imagegen.KindTransport, provider,
			fmt.Sprintf("invalid result url %q", rawURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return imagegen.Asset{}, imagegen.WrapError(imagegen.KindTransport, provider, "build download request", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return imagegen.Asset{}, imagegen.WrapError(imagegen.KindTransport, provider, "download result", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return imagegen.Asset{}, imagegen.NewError(imagegen.KindTransport, provider,
			fmt.Sprintf("download status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return imagegen.Asset{}, imagegen.WrapError(imagegen.KindTransport, provider, "read result body", err)
	}
	if len(data) > maxAssetBytes {
		return imagegen.Asset{}, imagegen.NewError(imagegen.KindTransport, provider, "result exceeds size limit")
	}
	if len(data) == 0 {
		return imagegen.Asset{}, imagegen.NewError(imagegen.KindTransport, provider, "empty result body")
	}
	return imagegen.Asset{Data: data, MediaType: MediaType(resp.Header.Get("Content-Type"), data)}, nil
}

// MediaType resolves the media type for downloaded bytes, preferring the
// declared Content-Type and falling back to sniffing.
func MediaType(declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return "image/png"
}
