package dashscope

import (
	"context"
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
		APIKey:       "ds-test",
		BaseURL:      "https://dashscope.example.test/api/v1",
		HTTPClient:   &http.Client{Transport: transport},
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGeneratePollsTaskToSuccess(t *testing.T) {
	var polls, fetches atomic.Int32
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/image-synthesis"):
			if got := req.Header.Get("X-DashScope-Async"); got != "enable" {
				t.Fatalf("async header = %q", got)
			}
			return jsonResponse(200, `{"output":{"task_id":"task-1","task_status":"PENDING"},"request_id":"r1"}`), nil
		case req.Method == http.MethodGet && strings.HasSuffix(req.URL.Path, "/tasks/task-1"):
			switch polls.Add(1) {
			case 1, 2:
				return jsonResponse(200, `{"output":{"task_id":"task-1","task_status":"RUNNING"}}`), nil
			default:
				return jsonResponse(200, `{"output":{"task_id":"task-1","task_status":"SUCCEEDED","results":[{"url":"https://results.example.test/task-1.png"}]}}`), nil
			}
		case req.URL.Host == "results.example.test":
			fetches.Add(1)
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
	if got := polls.Load(); got != 3 {
		t.Fatalf("polled %d times, want 3", got)
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("result url fetched %d times, want 1", got)
	}
	if string(res.Asset.Data) != string(pngBytes) || res.Provider != "dashscope" {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateTaskFailureIsTerminal(t *testing.T) {
	var polls atomic.Int32
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, `{"output":{"task_id":"task-2","task_status":"PENDING"}}`), nil
		}
		polls.Add(1)
		return jsonResponse(200, `{"output":{"task_id":"task-2","task_status":"FAILED","message":"content policy"}}`), nil
	}}
	c := newTestClient(t, transport)

	_, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if !imagegen.IsKind(err, imagegen.KindBackendFailure) {
		t.Fatalf("kind = %v, want backend_failure", imagegen.KindOf(err))
	}
	if polls.Load() != 1 {
		t.Fatalf("kept polling a failed task: %d polls", polls.Load())
	}
	if !strings.Contains(err.Error(), "content policy") {
		t.Fatalf("error lost backend message: %v", err)
	}
}

func TestGenerateThrottlingCodeIsRateLimited(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"code":"Throttling.RateQuota","message":"requests throttled"}`), nil
	}}
	c := newTestClient(t, transport)

	_, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if !imagegen.IsKind(err, imagegen.KindRateLimited) {
		t.Fatalf("kind = %v, want rate_limited", imagegen.KindOf(err))
	}
}

func TestGenerateTransientPollErrorsContinue(t *testing.T) {
	var polls atomic.Int32
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost:
			return jsonResponse(200, `{"output":{"task_id":"task-3","task_status":"PENDING"}}`), nil
		case strings.HasSuffix(req.URL.Path, "/tasks/task-3"):
			if polls.Add(1) == 1 {
				return jsonResponse(502, `bad gateway`), nil
			}
			return jsonResponse(200, `{"output":{"task_id":"task-3","task_status":"SUCCEEDED","results":[{"url":"https://results.example.test/task-3.png"}]}}`), nil
		default:
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"image/png"}},
				Body:       io.NopCloser(strings.NewReader(string(pngBytes))),
			}, nil
		}
	}}
	c := newTestClient(t, transport)

	res, err := c.Generate(context.Background(), imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if polls.Load() != 2 {
		t.Fatalf("polled %d times, want 2", polls.Load())
	}
	if res == nil || res.Provider != "dashscope" {
		t.Fatalf("result = %+v", res)
	}
}

func TestGenerateDeadlineWhilePending(t *testing.T) {
	transport := &stubTransport{handler: func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			return jsonResponse(200, `{"output":{"task_id":"task-4","task_status":"PENDING"}}`), nil
		}
		return jsonResponse(200, `{"output":{"task_id":"task-4","task_status":"RUNNING"}}`), nil
	}}
	c := newTestClient(t, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, imagegen.GenerationRequest{Purpose: imagegen.PurposePortrait, Prompt: "x"})
	if !imagegen.IsKind(err, imagegen.KindTimedOut) {
		t.Fatalf("kind = %v, want timed_out", imagegen.KindOf(err))
	}
}
