// Package fal speaks the queue protocol: submission returns a request id
// together with direct status and response URLs, the status URL is polled,
// and on completion the result is fetched from the separate response URL.
package fal

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

const providerName = "fal"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("fal: api key is required")

// Options configures the fal queue client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the fal queue API.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	fetcher      *fetch.Fetcher
	logger       *infra.Logger
	pollInterval time.Duration
}

type submitRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ImageSize      *size   `json:"image_size,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	NumImages      int     `json:"num_images"`
	Seed           int     `json:"seed,omitempty"`
}

type size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type submissionEnvelope struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type queueStatus struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
}

type queueResult struct {
	Images []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"images"`
	Detail json.RawMessage `json:"detail"`
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
		baseURL = "https://queue.fal.run"
	}
	model := strings.Trim(strings.TrimSpace(opts.Model), "/")
	if model == "" {
		model = "fal-ai/flux/schnell"
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

// Generate submits to the queue and polls the status URL until the request
// completes, then fetches the response URL for the image reference.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	if !c.HasCredentials() {
		return nil, imagegen.WrapError(imagegen.KindNotConfigured, providerName, "missing credentials", ErrMissingAPIKey)
	}
	sub, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName,
				"request "+sub.RequestID+" still queued at deadline", ctx.Err())
		case <-time.After(c.pollInterval):
		}
		st, err := c.status(ctx, sub.StatusURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName, "poll deadline exceeded", ctx.Err())
			}
			c.logger.Debug().Err(err).Str("request_id", sub.RequestID).Msg("fal: poll attempt failed")
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(st.Status)) {
		case "COMPLETED":
			return c.result(ctx, sub)
		case "ERROR":
			return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "queue reported error for request "+sub.RequestID)
		default:
			// IN_QUEUE, IN_PROGRESS: keep polling.
		}
	}
}

func (c *Client) submit(ctx context.Context, req imagegen.GenerationRequest) (*submissionEnvelope, error) {
	payload := submitRequest{
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: strings.TrimSpace(req.Style.NegativePrompt),
		GuidanceScale:  req.Style.GuidanceScale,
		NumImages:      1,
		Seed:           req.Style.Seed,
	}
	if req.Style.Width > 0 && req.Style.Height > 0 {
		payload.ImageSize = &size{Width: req.Style.Width, Height: req.Style.Height}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindValidation, providerName, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(body))
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "http request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "read response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, imagegen.ErrorFromStatus(providerName, resp.StatusCode, validationDetail(raw))
	}
	var sub submissionEnvelope
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode response", err)
	}
	if sub.RequestID == "" {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "submission missing request id")
	}
	// Prefer the URLs the queue hands back; reconstruct only when absent.
	requestBase := c.baseURL + "/" + c.model + "/requests/" + sub.RequestID
	if sub.StatusURL == "" {
		sub.StatusURL = requestBase + "/status"
	}
	if sub.ResponseURL == "" {
		sub.ResponseURL = requestBase
	}
	c.logger.Debug().Str("request_id", sub.RequestID).Msg("fal: request queued")
	return &sub, nil
}

func (c *Client) status(ctx context.Context, statusURL string) (*queueStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fal: build status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fal: status request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fal: read status: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fal: status %d", resp.StatusCode)
	}
	var st queueStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("fal: decode status: %w", err)
	}
	return &st, nil
}

func (c *Client) result(ctx context.Context, sub *submissionEnvelope) (*imagegen.GenerationResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.ResponseURL, nil)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "build result request", err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "result request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "read result", err)
	}
	if resp.StatusCode >= 300 {
		return nil, imagegen.ErrorFromStatus(providerName, resp.StatusCode, validationDetail(raw))
	}
	var res queueResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode result", err)
	}
	if len(res.Images) == 0 {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "completed request has no images")
	}
	asset, err := c.fetcher.Asset(ctx, providerName, res.Images[0].URL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("request_id", sub.RequestID).Msg("fal: request completed")
	return &imagegen.GenerationResult{Asset: asset, Provider: providerName}, nil
}

// validationDetail flattens the pydantic-style error list the queue returns
// on rejected submissions.
func validationDetail(raw []byte) string {
	var envelope struct {
		Detail []struct {
			Type string `json:"type"`
			Msg  string `json:"msg"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Detail) > 0 {
		parts := make([]string, 0, len(envelope.Detail))
		for _, d := range envelope.Detail {
			parts = append(parts, d.Msg)
		}
		return strings.Join(parts, "; ")
	}
	return strings.TrimSpace(string(raw))
}

var _ imagegen.Provider = (*Client)(nil)
