// Package runpod speaks the job-runner protocol: a run call returns a job
// id, a status endpoint is polled, and the completion payload either embeds
// the image inline as base64 or references it by URL. Only references go
// through the downloader; inline data is decoded in place.
package runpod

import (
	"bytes"
	"context"
	"encoding/base64"
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

const providerName = "runpod"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("runpod: api key is required")

// Options configures the serverless endpoint client.
type Options struct {
	APIKey         string
	BaseURL        string
	EndpointID     string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client performs HTTP calls against one serverless endpoint.
type Client struct {
	apiKey       string
	baseURL      string
	endpointID   string
	httpClient   *http.Client
	fetcher      *fetch.Fetcher
	logger       *infra.Logger
	pollInterval time.Duration
}

type runInput struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Strength       float64 `json:"strength,omitempty"`
	Sampler        string  `json:"sampler_name,omitempty"`
	Seed           int     `json:"seed,omitempty"`
	InitImage      string  `json:"init_image,omitempty"` // base64 reference image for edits
}

type runRequest struct {
	Input runInput `json:"input"`
}

type jobEnvelope struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output *struct {
		Images []struct {
			Type string `json:"type"`
			Data string `json:"data"`
		} `json:"images"`
		Message string `json:"message"`
	} `json:"output"`
	Error string `json:"error"`
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
		baseURL = "https://api.runpod.ai"
	}
	endpointID := strings.TrimSpace(opts.EndpointID)
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
		endpointID:   endpointID,
		httpClient:   httpClient,
		fetcher:      fetch.New(httpClient),
		logger:       logger,
		pollInterval: pollInterval,
	}, nil
}

// Name identifies the backend in results and logs.
func (c *Client) Name() string { return providerName }

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool { return c.apiKey != "" && c.endpointID != "" }

// Generate submits a job and polls its status endpoint to a terminal state.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	if !c.HasCredentials() {
		return nil, imagegen.WrapError(imagegen.KindNotConfigured, providerName, "missing credentials", ErrMissingAPIKey)
	}
	jobID, err := c.run(ctx, req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName,
				"job "+jobID+" still running at deadline", ctx.Err())
		case <-time.After(c.pollInterval):
		}
		env, err := c.statusOnce(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName, "poll deadline exceeded", ctx.Err())
			}
			c.logger.Debug().Err(err).Str("job_id", jobID).Msg("runpod: poll attempt failed")
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(env.Status)) {
		case "COMPLETED":
			return c.resolveOutput(ctx, env)
		case "FAILED":
			msg := env.Error
			if msg == "" && env.Output != nil {
				msg = env.Output.Message
			}
			return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "job failed: "+msg)
		case "CANCELLED", "TIMED_OUT":
			return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName,
				"job "+strings.ToLower(env.Status))
		default:
			// IN_QUEUE, IN_PROGRESS: keep polling.
		}
	}
}

func (c *Client) run(ctx context.Context, req imagegen.GenerationRequest) (string, error) {
	input := runInput{
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: strings.TrimSpace(req.Style.NegativePrompt),
		Width:          req.Style.Width,
		Height:         req.Style.Height,
		GuidanceScale:  req.Style.GuidanceScale,
		Strength:       req.Style.Strength,
		Sampler:        strings.TrimSpace(req.Style.Sampler),
		Seed:           req.Style.Seed,
	}
	if req.Reference != nil && len(req.Reference.Data) > 0 {
		input.InitImage = base64.StdEncoding.EncodeToString(req.Reference.Data)
	}
	body, err := json.Marshal(runRequest{Input: input})
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindValidation, providerName, "encode request", err)
	}
	endpoint := fmt.Sprintf("%s/v2/%s/run", c.baseURL, c.endpointID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "http request", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "read response", err)
	}
	if resp.StatusCode >= 300 {
		return "", imagegen.ErrorFromStatus(providerName, resp.StatusCode, errorDetail(raw))
	}
	var env jobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", imagegen.WrapError(imagegen.KindTransport, providerName, "decode response", err)
	}
	if env.ID == "" {
		return "", imagegen.NewError(imagegen.KindBackendFailure, providerName, "run response missing job id")
	}
	c.logger.Debug().Str("job_id", env.ID).Msg("runpod: job submitted")
	return env.ID, nil
}

func (c *Client) statusOnce(ctx context.Context, jobID string) (*jobEnvelope, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/status/%s", c.baseURL, c.endpointID, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("runpod: build status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runpod: status request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("runpod: read status: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("runpod: status %d", resp.StatusCode)
	}
	var env jobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("runpod: decode status: %w", err)
	}
	return &env, nil
}

// resolveOutput normalizes the completion payload: inline base64 data is
// decoded directly, URL entries go through the downloader.
func (c *Client) resolveOutput(ctx context.Context, env *jobEnvelope) (*imagegen.GenerationResult, error) {
	if env.Output == nil || len(env.Output.Images) == 0 {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "completed job has no images")
	}
	img := env.Output.Images[0]
	var asset imagegen.Asset
	switch strings.ToLower(strings.TrimSpace(img.Type)) {
	case "base64", "":
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode inline image", err)
		}
		asset = imagegen.Asset{Data: data, MediaType: fetch.MediaType("", data)}
	case "url":
		fetched, err := c.fetcher.Asset(ctx, providerName, img.Data)
		if err != nil {
			return nil, err
		}
		asset = fetched
	default:
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName,
			"unsupported output type "+img.Type)
	}
	c.logger.Debug().Str("job_id", env.ID).Msg("runpod: job completed")
	return &imagegen.GenerationResult{Asset: asset, Provider: providerName}, nil
}

func errorDetail(raw []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(raw))
}

var _ imagegen.Provider = (*Client)(nil)
