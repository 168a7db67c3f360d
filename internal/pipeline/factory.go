package pipeline

import (
	"fmt"
	"os"

	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/provider"
)

// providerFactory builds real OpenAI/Azure clients wrapped in the retry
// policy. API keys come from the environment at build time, not from the
// config file, so credentials never land on disk.
type providerFactory struct {
	retry config.RetryConfig
}

// NewProviderFactory returns the default ProviderFactory.
func NewProviderFactory(retry config.RetryConfig) ProviderFactory {
	return &providerFactory{retry: retry}
}

func (f *providerFactory) policy() provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxAttempts: f.retry.MaxAttempts,
		BaseDelay:   f.retry.BaseDelay,
	}
}

func (f *providerFactory) Embedder(profile config.ModelProfile) (provider.Embedder, error) {
	switch profile.Provider {
	case config.ProviderOpenAI:
		c, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:     os.Getenv("OPENAI_API_KEY"),
			BaseURL:    profile.APIBase,
			EmbedModel: profile.EmbeddingModel,
			ChatModel:  profile.LLMModel,
			Dimension:  profile.EmbeddingDim,
			Timeout:    f.retry.CallTimeout,
		})
		if err != nil {
			return nil, err
		}
		return provider.RetryEmbedder(c, f.policy()), nil
	case config.ProviderAzure:
		c, err := provider.NewAzure(provider.AzureConfig{
			APIKey:          os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:        profile.APIBase,
			EmbedDeployment: profile.EmbeddingModel,
			ChatDeployment:  profile.LLMModel,
			APIVersion:      profile.APIVersion,
			Dimension:       profile.EmbeddingDim,
			Timeout:         f.retry.CallTimeout,
		})
		if err != nil {
			return nil, err
		}
		return provider.RetryEmbedder(c, f.policy()), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", profile.Provider)
	}
}

func (f *providerFactory) Generator(profile config.ModelProfile) (provider.Generator, error) {
	switch profile.Provider {
	case config.ProviderOpenAI:
		c, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:     os.Getenv("OPENAI_API_KEY"),
			BaseURL:    profile.APIBase,
			EmbedModel: profile.EmbeddingModel,
			ChatModel:  profile.LLMModel,
			Dimension:  profile.EmbeddingDim,
			Timeout:    f.retry.CallTimeout,
		})
		if err != nil {
			return nil, err
		}
		return provider.RetryGenerator(c, f.policy()), nil
	case config.ProviderAzure:
		c, err := provider.NewAzure(provider.AzureConfig{
			APIKey:          os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:        profile.APIBase,
			EmbedDeployment: profile.EmbeddingModel,
			ChatDeployment:  profile.LLMModel,
			APIVersion:      profile.APIVersion,
			Dimension:       profile.EmbeddingDim,
			Timeout:         f.retry.CallTimeout,
		})
		if err != nil {
			return nil, err
		}
		return provider.RetryGenerator(c, f.policy()), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", profile.Provider)
	}
}
