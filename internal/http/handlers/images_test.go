package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/matting"
	"github.com/theazureday/story-creator/internal/storage"
)

type stubProvider struct {
	name    string
	calls   atomic.Int32
	outcome func() (*imagegen.GenerationResult, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	s.calls.Add(1)
	return s.outcome()
}

// spritePNG renders a red square on a white backdrop, the shape the matting
// stage is expected to carve.
func spritePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x >= 16 && x < 48 && y >= 16 && y < 48 {
				img.SetNRGBA(x, y, color.NRGBA{200, 30, 30, 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{255, 255, 255, 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode sprite: %v", err)
	}
	return buf.Bytes()
}

func newTestApp(t *testing.T, chain []imagegen.ConfiguredProvider) *App {
	t.Helper()
	logger := infra.Logger(zerolog.New(io.Discard))
	orch := imagegen.NewOrchestrator(chain, imagegen.RetryConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	}, &logger)
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewApp(logger, orch, matting.DefaultConfig(), store, "http://localhost:8080/static")
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/images/generate", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestGenerateImageFallsBackAndMattes(t *testing.T) {
	sprite := spritePNG(t)
	limited := &stubProvider{name: "limited", outcome: func() (*imagegen.GenerationResult, error) {
		return nil, imagegen.NewError(imagegen.KindRateLimited, "limited", "429")
	}}
	healthy := &stubProvider{name: "healthy", outcome: func() (*imagegen.GenerationResult, error) {
		return &imagegen.GenerationResult{
			Asset:    imagegen.Asset{Data: sprite, MediaType: "image/png"},
			Provider: "healthy",
		}, nil
	}}
	app := newTestApp(t, []imagegen.ConfiguredProvider{
		{Provider: limited}, {Provider: healthy},
	})

	rec := postJSON(t, app.GenerateImage, map[string]any{
		"purpose": "portrait",
		"prompt":  "a knight",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Provider != "healthy" {
		t.Fatalf("provider = %q, want healthy", resp.Provider)
	}
	if got := limited.calls.Load(); got != 3 {
		t.Fatalf("rate-limited provider called %d times, want 3", got)
	}
	if !resp.Matted {
		t.Fatal("portrait result not matted")
	}
	if !strings.HasPrefix(resp.URL, "http://localhost:8080/static/sprites/") {
		t.Fatalf("url = %q", resp.URL)
	}

	key := strings.TrimPrefix(resp.URL, "http://localhost:8080/static/")
	stored, err := app.Store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read stored asset: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("decode stored asset: %v", err)
	}
	nrgba, ok := decoded.(*image.NRGBA)
	if !ok {
		t.Fatalf("stored image is %T, want *image.NRGBA", decoded)
	}
	if a := nrgba.Pix[nrgba.PixOffset(0, 0)+3]; a != 0 {
		t.Fatalf("backdrop corner alpha = %d, want 0", a)
	}
	if a := nrgba.Pix[nrgba.PixOffset(32, 32)+3]; a != 255 {
		t.Fatalf("subject alpha = %d, want 255", a)
	}
}

func TestGenerateImageMatteOverride(t *testing.T) {
	sprite := spritePNG(t)
	healthy := &stubProvider{name: "healthy", outcome: func() (*imagegen.GenerationResult, error) {
		return &imagegen.GenerationResult{
			Asset:    imagegen.Asset{Data: sprite, MediaType: "image/png"},
			Provider: "healthy",
		}, nil
	}}
	app := newTestApp(t, []imagegen.ConfiguredProvider{{Provider: healthy}})

	rec := postJSON(t, app.GenerateImage, map[string]any{
		"purpose": "portrait",
		"prompt":  "a knight",
		"matte":   false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Matted {
		t.Fatal("matte override ignored")
	}

	key := strings.TrimPrefix(resp.URL, "http://localhost:8080/static/")
	stored, err := app.Store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read stored asset: %v", err)
	}
	if !bytes.Equal(stored, sprite) {
		t.Fatal("asset was modified despite matte=false")
	}
}

func TestGenerateImageEmptyChain(t *testing.T) {
	app := newTestApp(t, nil)
	rec := postJSON(t, app.GenerateImage, map[string]any{
		"purpose": "portrait",
		"prompt":  "a knight",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not_configured") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGenerateImageRejectsUnknownPurpose(t *testing.T) {
	provider := &stubProvider{name: "p", outcome: func() (*imagegen.GenerationResult, error) {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, "p", "should not run")
	}}
	app := newTestApp(t, []imagegen.ConfiguredProvider{{Provider: provider}})

	rec := postJSON(t, app.GenerateImage, map[string]any{
		"purpose": "poster",
		"prompt":  "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if provider.calls.Load() != 0 {
		t.Fatalf("provider called %d times for rejected request", provider.calls.Load())
	}
}

func TestGenerateImageForwardsReference(t *testing.T) {
	sprite := spritePNG(t)
	var seen *imagegen.Asset
	capture := &stubProvider{name: "capture"}
	capture.outcome = func() (*imagegen.GenerationResult, error) {
		return &imagegen.GenerationResult{
			Asset:    imagegen.Asset{Data: sprite, MediaType: "image/png"},
			Provider: "capture",
		}, nil
	}
	app := newTestApp(t, []imagegen.ConfiguredProvider{{Provider: &referenceCapture{inner: capture, seen: &seen}}})

	rec := postJSON(t, app.GenerateImage, map[string]any{
		"purpose":       "expression_edit",
		"prompt":        "same character, smiling",
		"reference_b64": base64.StdEncoding.EncodeToString([]byte("ref-bytes")),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if seen == nil || string(seen.Data) != "ref-bytes" {
		t.Fatal("reference asset not forwarded to provider")
	}
}

type referenceCapture struct {
	inner imagegen.Provider
	seen  **imagegen.Asset
}

func (r *referenceCapture) Name() string { return r.inner.Name() }

func (r *referenceCapture) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	*r.seen = req.Reference
	return r.inner.Generate(ctx, req)
}

func TestMatteImageRawBody(t *testing.T) {
	app := newTestApp(t, nil)
	sprite := spritePNG(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/images/matte", bytes.NewReader(sprite))
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	app.MatteImage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q", got)
	}
	decoded, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode matted image: %v", err)
	}
	nrgba, ok := decoded.(*image.NRGBA)
	if !ok {
		t.Fatalf("matted image is %T", decoded)
	}
	if a := nrgba.Pix[nrgba.PixOffset(0, 0)+3]; a != 0 {
		t.Fatalf("backdrop alpha = %d, want 0", a)
	}
}

func TestMatteImageJSONBody(t *testing.T) {
	app := newTestApp(t, nil)
	sprite := spritePNG(t)

	raw, _ := json.Marshal(map[string]string{
		"image_b64":  base64.StdEncoding.EncodeToString(sprite),
		"media_type": "image/png",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/images/matte", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.MatteImage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("response is not a png: %v", err)
	}
}

func TestMatteImageEmptyBody(t *testing.T) {
	app := newTestApp(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/images/matte", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	app.MatteImage(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
