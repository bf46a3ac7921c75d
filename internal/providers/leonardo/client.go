// Package leonardo speaks the create-then-poll protocol: a POST creates a
// generation and returns its id, then a status endpoint keyed by that id is
// polled until the generation reaches a terminal state. A create response
// that already carries a terminal state short-circuits the poll loop.
package leonardo

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

const providerName = "leonardo"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("leonardo: api key is required")

// Options configures the Leonardo client.
type Options struct {
	APIKey         string
	BaseURL        string
	ModelID        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the generations REST API.
type Client struct {
	apiKey       string
	baseURL      string
	modelID      string
	httpClient   *http.Client
	fetcher      *fetch.Fetcher
	logger       *infra.Logger
	pollInterval time.Duration
}

type createRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	NumImages      int     `json:"num_images"`
	ModelID        string  `json:"modelId,omitempty"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Seed           int     `json:"seed,omitempty"`
}

type generationPayload struct {
	GenerationID    string `json:"generationId"`
	Status          string `json:"status"`
	GeneratedImages []struct {
		URL string `json:"url"`
	} `json:"generated_images"`
}

type createResponse struct {
	Job   *generationPayload `json:"sdGenerationJob"`
	Error string             `json:"error"`
}

type statusResponse struct {
	Generation *generationPayload `json:"generations_by_pk"`
	Error      string             `json:"error"`
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
		baseURL = "https://cloud.leonardo.ai/api/rest/v1"
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
		modelID:      strings.TrimSpace(opts.ModelID),
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

// Generate creates a generation and polls its status endpoint until the
// backend reports a terminal state or the context deadline expires.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	if !c.HasCredentials() {
		return nil, imagegen.WrapError(imagegen.KindNotConfigured, providerName, "missing credentials", ErrMissingAPIKey)
	}
	created, err := c.create(ctx, req)
	if err != nil {
		return nil, err
	}
	// Some generations complete inside the create call; do not poll for a
	// result we already hold.
	if terminal, res, err := c.resolveTerminal(ctx, created); terminal {
		return res, err
	}
	if created.GenerationID == "" {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "create response missing generation id")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName,
				"generation "+created.GenerationID+" still pending at deadline", ctx.Err())
		case <-time.After(c.pollInterval):
		}
		gen, err := c.status(ctx, created.GenerationID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, imagegen.WrapError(imagegen.KindTimedOut, providerName, "poll deadline exceeded", ctx.Err())
			}
			// Transient poll trouble is not terminal; keep polling until
			// the deadline decides.
			c.logger.Debug().Err(err).Str("generation_id", created.GenerationID).Msg("leonardo: poll attempt failed")
			continue
		}
		if terminal, res, err := c.resolveTerminal(ctx, gen); terminal {
			return res, err
		}
	}
}

func (c *Client) create(ctx context.Context, req imagegen.GenerationRequest) (*generationPayload, error) {
	payload := createRequest{
		Prompt:         strings.TrimSpace(req.Prompt),
		NegativePrompt: strings.TrimSpace(req.Style.NegativePrompt),
		NumImages:      1,
		ModelID:        c.modelID,
		Width:          req.Style.Width,
		Height:         req.Style.Height,
		GuidanceScale:  req.Style.GuidanceScale,
		Seed:           req.Style.Seed,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindValidation, providerName, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generations", bytes.NewReader(body))
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
		var detail createResponse
		msg := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error != "" {
			msg = detail.Error
		}
		return nil, imagegen.ErrorFromStatus(providerName, resp.StatusCode, msg)
	}
	var decoded createResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode response", err)
	}
	if decoded.Job == nil {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "create response missing job")
	}
	return decoded.Job, nil
}

func (c *Client) status(ctx context.Context, id string) (*generationPayload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generations/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("leonardo: build status request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("leonardo: status request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("leonardo: read status: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("leonardo: status %d", resp.StatusCode)
	}
	var decoded statusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("leonardo: decode status: %w", err)
	}
	if decoded.Generation == nil {
		return nil, fmt.Errorf("leonardo: status response missing generation")
	}
	return decoded.Generation, nil
}

// resolveTerminal inspects a generation payload and, when it is terminal,
// produces the final result or typed failure. Non-terminal payloads return
// terminal=false so the poll loop continues.
func (c *Client) resolveTerminal(ctx context.Context, gen *generationPayload) (bool, *imagegen.GenerationResult, error) {
	switch strings.ToUpper(strings.TrimSpace(gen.Status)) {
	case "COMPLETE":
		if len(gen.GeneratedImages) == 0 {
			return true, nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "complete generation has no images")
		}
		asset, err := c.fetcher.Asset(ctx, providerName, gen.GeneratedImages[0].URL)
		if err != nil {
			return true, nil, err
		}
		c.logger.Debug().Str("generation_id", gen.GenerationID).Msg("leonardo: generation complete")
		return true, &imagegen.GenerationResult{Asset: asset, Provider: providerName}, nil
	case "FAILED", "DELETED":
		return true, nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "generation "+strings.ToLower(gen.Status))
	default:
		return false, nil, nil
	}
}

var _ imagegen.Provider = (*Client)(nil)
