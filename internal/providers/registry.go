// Package providers assembles the fallback chain from whichever backend
// credentials are configured. Priority is decided here, once, at startup:
// best quality/cost first, never re-derived at call sites.
package providers

import (
	"fmt"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/providers/dashscope"
	"github.com/theazureday/story-creator/internal/providers/fal"
	"github.com/theazureday/story-creator/internal/providers/leonardo"
	"github.com/theazureday/story-creator/internal/providers/openai"
	"github.com/theazureday/story-creator/internal/providers/runpod"
)

// BuildChain constructs the ordered provider list. Backends without
// credentials are left out entirely; an empty chain is a valid result and
// surfaces as NotConfigured at request time.
func BuildChain(cfg *infra.Config, logger *infra.Logger) ([]imagegen.ConfiguredProvider, error) {
	var chain []imagegen.ConfiguredProvider

	if cfg.OpenAIAPIKey != "" {
		client, err := openai.NewClient(openai.Options{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("providers: openai: %w", err)
		}
		chain = append(chain, imagegen.ConfiguredProvider{Provider: client, Deadline: cfg.ProviderDeadline})
	}

	if cfg.LeonardoAPIKey != "" {
		client, err := leonardo.NewClient(leonardo.Options{
			APIKey:       cfg.LeonardoAPIKey,
			BaseURL:      cfg.LeonardoBaseURL,
			ModelID:      cfg.LeonardoModelID,
			Logger:       logger,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("providers: leonardo: %w", err)
		}
		chain = append(chain, imagegen.ConfiguredProvider{Provider: client, Deadline: cfg.ProviderDeadline})
	}

	if cfg.DashScopeAPIKey != "" {
		client, err := dashscope.NewClient(dashscope.Options{
			APIKey:       cfg.DashScopeAPIKey,
			BaseURL:      cfg.DashScopeBaseURL,
			Model:        cfg.DashScopeModel,
			Logger:       logger,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("providers: dashscope: %w", err)
		}
		chain = append(chain, imagegen.ConfiguredProvider{Provider: client, Deadline: cfg.QueueDeadline})
	}

	if cfg.FalAPIKey != "" {
		client, err := fal.NewClient(fal.Options{
			APIKey:       cfg.FalAPIKey,
			BaseURL:      cfg.FalBaseURL,
			Model:        cfg.FalModel,
			Logger:       logger,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("providers: fal: %w", err)
		}
		chain = append(chain, imagegen.ConfiguredProvider{Provider: client, Deadline: cfg.QueueDeadline})
	}

	if cfg.RunPodAPIKey != "" && cfg.RunPodEndpointID != "" {
		client, err := runpod.NewClient(runpod.Options{
			APIKey:       cfg.RunPodAPIKey,
			BaseURL:      cfg.RunPodBaseURL,
			EndpointID:   cfg.RunPodEndpointID,
			Logger:       logger,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("providers: runpod: %w", err)
		}
		chain = append(chain, imagegen.ConfiguredProvider{Provider: client, Deadline: cfg.QueueDeadline})
	}

	return chain, nil
}
