// Package openai speaks the synchronous images endpoint: one call either
// returns the final image (inline base64 or a URL) or a structured error.
// No job handle, no polling.
package openai

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

const providerName = "openai"

// ErrMissingAPIKey indicates the client was configured without credentials.
var ErrMissingAPIKey = errors.New("openai: api key is required")

// Options configures the OpenAI images client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the images generation endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	fetcher    *fetch.Fetcher
	logger     *infra.Logger
}

type imagesRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imagesResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
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
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-image-1"
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
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		fetcher:    fetch.New(httpClient),
		logger:     logger,
	}, nil
}

// Name identifies the backend in results and logs.
func (c *Client) Name() string { return providerName }

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool { return c.apiKey != "" }

// Generate issues one synchronous images call and normalizes the result.
func (c *Client) Generate(ctx context.Context, req imagegen.GenerationRequest) (*imagegen.GenerationResult, error) {
	if !c.HasCredentials() {
		return nil, imagegen.WrapError(imagegen.KindNotConfigured, providerName, "missing credentials", ErrMissingAPIKey)
	}
	payload := imagesRequest{
		Model:          c.model,
		Prompt:         strings.TrimSpace(req.Prompt),
		N:              1,
		Size:           sizeParam(req.Style),
		ResponseFormat: "b64_json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindValidation, providerName, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

	var decoded imagesResponse
	if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
		return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode response", err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decoded.Error != nil && decoded.Error.Message != "" {
			msg = fmt.Sprintf("%s (%s)", decoded.Error.Message, decoded.Error.Code)
		}
		return nil, imagegen.ErrorFromStatus(providerName, resp.StatusCode, msg)
	}
	if len(decoded.Data) == 0 {
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "empty image list")
	}

	first := decoded.Data[0]
	var asset imagegen.Asset
	switch {
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, imagegen.WrapError(imagegen.KindTransport, providerName, "decode inline image", err)
		}
		asset = imagegen.Asset{Data: data, MediaType: fetch.MediaType("", data)}
	case first.URL != "":
		asset, err = c.fetcher.Asset(ctx, providerName, first.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, imagegen.NewError(imagegen.KindBackendFailure, providerName, "image entry has no payload")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", req.RequestID).
		Msg("openai: generated image asset")
	return &imagegen.GenerationResult{Asset: asset, Provider: providerName}, nil
}

func sizeParam(style imagegen.StyleParams) string {
	if style.Width > 0 && style.Height > 0 {
		return fmt.Sprintf("%dx%d", style.Width, style.Height)
	}
	return "1024x1024"
}

var _ imagegen.Provider = (*Client)(nil)
