// Package dashscope speaks the explicit async-task protocol: the create
// call carries an async header and returns a task id, a task endpoint is
// polled by that id, and the success payload references result URLs that
// are time-limited and must be dereferenced promptly.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/providers/fetch"
)

const providerName = "dashscope"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("dashscope: api key is required")

// Options configures the DashScope image-synthesis client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the DashScope task API.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	fetcher      *fetch.Fetcher
	logger       *infra.Logger
	pollInterval time.Duration
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type synthesisParams struct {
	Size string `json:"size,omitempty"`
	N    int    `json:"n"`
	Seed *int   `json:"seed,omitempty"`
}

type taskEnvelope struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Message    string `json:"message"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "wan2.2-t2i-flash"
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2500 * time.Millisecond
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		httpClient:   httpClient,
		fetcher:      fetch.New(httpClient),
		logger:       logger,
		pollInterval: pollInterval,
	}, nil
}

// Name identifies the backend in results and logs.
func (c *Client) Name() string { return providerName }

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// Generate submits an async synthesis task and polls it to a terminal
// state. Result URLs expire quickly, so the first one is fetched as soon
// as the task succeeds rather than stored.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	if !c.HasCredentials() {
		return nil, imagegen.WrapError(imagegen.KindNotConfigured, providerName, "missing credentials", ErrMissingAPIKey)
	}
	taskID, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName,
				"task "+taskID+" still pending at deadline", ctx.Err())
		case <-time.After(c.pollInterval):
		}
		env, err := c.task(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName, "poll deadline exceeded", ctx.Err())
			}
			c.logger.Debug().Err(err).Str("task_id", taskID).Msg("dashscope: poll attempt failed")
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(env.Output.TaskStatus)) {
		case "SUCCEEDED":
			return c.resolveSuccess(ctx, env, req.RequestID)
		case "FAILED":
			msg := env.Output.Message
			if msg == "" {
				msg = firstResultMessage(env)
			}
			return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "task failed: "+msg)
		case "CANCELED":
			return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "task canceled by backend")
		default:
			// PENDING, RUNNING, UNKNOWN: keep polling.
		}
	}
}

func (c *Client) submit(ctx context.Context, req imagegen.GenerationRequest) (string, error) {
	payload := synthesisRequest{
		Model: c.model,
		Input: synthesisInput{
			Prompt:         strings.TrimSpace(req.Prompt),
			NegativePrompt: strings.TrimSpace(req.Style.NegativePrompt),
		},
		Parameters: synthesisParams{Size: sizeParam(req.Style), N: 1},
	}
	if req.Style.Seed > 0 {
		seed := req.Style.Seed
		payload.Parameters.Seed = &seed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindValidation, providerName, "encode request", err)
	}
	endpoint := c.baseURL + "/services/aigc/text2image/image-synthesis"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-DashScope-Async", "enable")

	env, status, err := c.do(httpReq)
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "http request", err)
	}
	if status >= 300 || env.Code != "" {
		return "", mapEnvelopeError(status, env)
	}
	if env.Output.TaskID == "" {
		return "", imagegen.NewError(imagegen.KindBackendFailure, providerName, "submit response missing task id")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("task_id", env.Output.TaskID).
		Str("request_id", env.RequestID).
		Msg("dashscope: task submitted")
	return env.Output.TaskID, nil
}

func (c *Client) task(ctx context.Context, id string) (*taskEnvelope, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("dashscope: build task request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	env, status, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dashscope: task request: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("dashscope: task status %d: %s", status, env.Message)
	}
	return env, nil
}

func (c *Client) do(req *http.Request) (*taskEnvelope, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &taskEnvelope{Message: strings.TrimSpace(string(raw))}, resp.StatusCode, nil
		}
		return nil, resp.StatusCode, err
	}
	return &env, resp.StatusCode, nil
}

func (c *Client) resolveSuccess(ctx context.Context, env *taskEnvelope, requestID string) (*imagegen.GenerationResult, error) {
	var url string
	for _, r := range env.Output.Results {
		if u := strings.TrimSpace(r.URL); u != "" {
			url = u
			break
		}
	}
	if url == "" {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "succeeded task has no result url")
	}
	asset, err := c.fetcher.Asset(ctx, providerName, url)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("task_id", env.Output.TaskID).
		Str("request_id", requestID).
		Msg("dashscope: task succeeded")
	return &imagegen.GenerationResult{Asset: asset, Provider: providerName}, nil
}

// mapEnvelopeError translates the DashScope error envelope. Throttling
// codes are the backend's rate-limit signal regardless of HTTP status.
func mapEnvelopeError(status int, env *taskEnvelope) error {
	msg := env.Message
	if env.Code != "" {
		msg = fmt.Sprintf("%s (%s)", env.Message, env.Code)
	}
	if strings.HasPrefix(env.Code, "Throttling") {
		return imagegen.NewError(imagegen.KindRateLimited, providerName, msg)
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return imagegen.ErrorFromStatus(providerName, status, msg)
}

func firstResultMessage(env *taskEnvelope) string {
	for _, r := range env.Output.Results {
		if r.Message != "" {
			return fmt.Sprintf("%s (%s)", r.Message, r.Code)
		}
	}
	return "unknown error"
}

func sizeParam(style imagegen.StyleParams) string {
	if style.Width > 0 && style.Height > 0 {
		return fmt.Sprintf("%d*%d", style.Width, style.Height)
	}
	return "1024*1024"
}

var _ imagegen.Provider = (*Client)(nil)
