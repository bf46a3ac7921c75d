package fal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/theazureday/story-creator/internal/imagegen"
)

type stubTransport struct {
	handler func(req *http.Request) (*http.Response, error)
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.handler(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

var pngBytes = []byte("\x89PNG\r\n\x1a\nfakepixels")

func newTestClient(t *testing.T, transport *stubTransport) *Client {
	t.Helper()
	c, err := NewClient(Options{
		APIKey:       "fal-test",
		BaseURL:      "https://queue.example.test",
		Model:        "fal-ai/flux/schnell",
		HTTPClient:   &http.Client{Transport: transport},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGenerateQueueLifecycle(t *testing.T) {
	var polls atomic.Int32
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Key fal-test" {
			t.Fatalf("authorization = %q", got)
		}
		switch {
		case req.Method == http.MethodPost:
			if req.URL.Path != "/fal-ai/flux/schnell" {
				t.Fatalf("submit path = %s", req.URL.Path)
			}
			return jsonResponse(200, `{
				"request_id":"req-1",
				"status_url":"https://queue.example.test/fal-ai/flux/schnell/requests/req-1/status",
				"response_url":"https://queue.example.test/fal-ai/flux/schnell/requests/req-1"
			}`), nil
		case strings.HasSuffix(req.URL.Path, "/requests/req-1/status"):
			if polls.Add(1) < 3 {
				return jsonResponse(200, `{"status":"IN_QUEUE","queue_position":2}`), nil
			}
			return jsonResponse(200, `{"status":"COMPLETED"}`), nil
		case strings.HasSuffix(req.URL.Path, "/requests/req-1"):
			return jsonResponse(200, `{"images":[{"url":"https://cdn.example.test/req-1.png","content_type":"image/png"}]}`), nil
		case req.URL.Host == "cdn.example.test":
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"image/png"}},
				Body:       io.NopCloser(strings.NewReader(string(pngBytes))),
			}, nil
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.URL)
		return nil, nil
	}}
	c := newTestClient(t, transport)

	res, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if polls.Load() != 3 {
		t.Fatalf("polled %d times, want 3", polls.Load())
	}
	if string(res.Asset.Data) != string(pngBytes) || res.Provider != "fal" {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateReconstructsQueueURLs(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost:
			return jsonResponse(200, `{"request_id":"req-2"}`), nil
		case req.URL.Path == "/fal-ai/flux/schnell/requests/req-2/status":
			return jsonResponse(200, `{"status":"COMPLETED"}`), nil
		case req.URL.Path == "/fal-ai/flux/schnell/requests/req-2":
			return jsonResponse(200, `{"images":[{"url":"https://cdn.example.test/req-2.png"}]}`), nil
		case req.URL.Host == "cdn.example.test":
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"image/png"}},
				Body:       io.NopCloser(strings.NewReader(string(pngBytes))),
			}, nil
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.URL)
		return nil, nil
	}}
	c := newTestClient(t, transport)

	res, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "fal" {
		t.Fatalf("provider = %q", res.Provider)
	}
}

func TestGenerateQueueErrorIsTerminal(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, `{"request_id":"req-3"}`), nil
		}
		return jsonResponse(200, `{"status":"ERROR"}`), nil
	}}
	c := newTestClient(t, transport)

	_, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if !imagegen.IsKind(err, imagegen.KindBackendFailure) {
		t.Fatalf("kind = %v, want backend_failure", imagegen.KindOf(err))
	}
}

func TestGenerateSubmitValidationDetail(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(422, `{"detail":[{"type":"string_too_short","msg":"prompt must not be empty"}]}`), nil
	}}
	c := newTestClient(t, transport)

	_, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: ""})
	if !imagegen.IsKind(err, imagegen.KindValidation) {
		t.Fatalf("kind = %v, want validation", imagegen.KindOf(err))
	}
	if !strings.Contains(err.Error(), "prompt must not be empty") {
		t.Fatalf("error lost detail message: %v", err)
	}
}

func TestSubmitCarriesStyleParams(t *testing.T) {
	var captured submitRequest
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost:
			if err := json.NewDecoder(req.Body).Decode(&captured); err != nil {
				t.Fatalf("decode submit: %v", err)
			}
			return jsonResponse(200, `{"request_id":"req-4"}`), nil
		case strings.HasSuffix(req.URL.Path, "/status"):
			return jsonResponse(200, `{"status":"COMPLETED"}`), nil
		case strings.HasSuffix(req.URL.Path, "/requests/req-4"):
			return jsonResponse(200, `{"images":[{"url":"https://cdn.example.test/req-4.png"}]}`), nil
		default:
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"image/png"}},
				Body:       io.NopCloser(strings.NewReader(string(pngBytes))),
			}, nil
		}
	}}
	c := newTestClient(t, transport)

	_, err := c.Generate(context.Background(), imagegen.GenerationRequest{
		Purpose: imagegen.PurposeKeyArt,
		Prompt:  "castle at dusk",
		Style: imagegen.StyleParams{
			Width: 768, Height: 1024, GuidanceScale: 3.5, Seed: 42,
			NegativePrompt: "blurry",
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if captured.ImageSize == nil || captured.ImageSize.Width != 768 || captured.ImageSize.Height != 1024 {
		t.Fatalf("image_size = %+v", captured.ImageSize)
	}
	if captured.Seed != 42 || captured.GuidanceScale != 3.5 || captured.NegativePrompt != "blurry" {
		t.Fatalf("style params not forwarded: %+v", captured)
	}
	if captured.NumImages != 1 {
		t.Fatalf("num_images = %d", captured.NumImages)
	}
}
