package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned when a named model or file-type profile
// cannot be resolved. Profile resolution happens before any I/O, so callers
// can treat this as a configuration error rather than a runtime failure.
var ErrUnknownProfile = errors.New("unknown profile")

// Provider identifies an embedding/generation backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderAzure  Provider = "azure"
)

// ModelProfile binds a generation model and an embedding model to a provider.
// For Azure, LLMModel and EmbeddingModel are deployment names and APIBase is
// the resource endpoint.
type ModelProfile struct {
	Provider       Provider `yaml:"provider"`
	LLMModel       string   `yaml:"llm_model"`
	EmbeddingModel string   `yaml:"embedding_model"`
	EmbeddingDim   int      `yaml:"embedding_dim"`
	APIBase        string   `yaml:"api_base,omitempty"`
	APIVersion     string   `yaml:"api_version,omitempty"`
}

// QueryConfig holds query-path tuning knobs.
type QueryConfig struct {
	TopK             int     `yaml:"top_k"`
	SimilarityFloor  float32 `yaml:"similarity_floor"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
}

// IndexConfig holds ingestion-path tuning knobs.
type IndexConfig struct {
	MaxChunkSize     int `yaml:"max_chunk_size"`
	ChunkOverlap     int `yaml:"chunk_overlap"`
	EmbedBatchSize   int `yaml:"embed_batch_size"`
	EmbedConcurrency int `yaml:"embed_concurrency"`
}

// RetryConfig bounds retries around remote embedding/generation calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Config is the immutable, fully resolved configuration value. It is built
// once at process start and passed down; no component reads the environment
// after Load returns.
type Config struct {
	ModelProfiles map[string]ModelProfile
	FileTypes     map[string][]string
	Query         QueryConfig
	Index         IndexConfig
	Retry         RetryConfig
	DataDir       string
}

// fallbackProfile is the one documented fallback: an empty profile name
// resolves to it. Any other unresolved name is ErrUnknownProfile.
const fallbackProfile = "default"

func defaults() Config {
	return Config{
		ModelProfiles: map[string]ModelProfile{
			"default": {
				Provider:       ProviderOpenAI,
				LLMModel:       "gpt-4o",
				EmbeddingModel: "text-embedding-3-large",
				EmbeddingDim:   3072,
			},
			"fast": {
				Provider:       ProviderOpenAI,
				LLMModel:       "gpt-4",
				EmbeddingModel: "text-embedding-3-small",
				EmbeddingDim:   1536,
			},
			"legacy": {
				Provider:       ProviderOpenAI,
				LLMModel:       "gpt-3.5-turbo",
				EmbeddingModel: "text-embedding-3-small",
				EmbeddingDim:   1536,
			},
			"azure_default": {
				Provider:       ProviderAzure,
				LLMModel:       "gpt-4",
				EmbeddingModel: "text-embedding-ada-002",
				EmbeddingDim:   1536,
				APIVersion:     "2024-02-15-preview",
			},
			"azure_fast": {
				Provider:       ProviderAzure,
				LLMModel:       "gpt-35-turbo",
				EmbeddingModel: "text-embedding-ada-002",
				EmbeddingDim:   1536,
				APIVersion:     "2024-02-15-preview",
			},
		},
		FileTypes: map[string][]string{
			"default":   {".pdf", ".docx", ".txt", ".md", ".html"},
			"text_only": {".txt", ".md"},
			"documents": {".pdf", ".docx"},
		},
		Query: QueryConfig{
			TopK:             5,
			SimilarityFloor:  0.15,
			MaxContextTokens: 4000,
		},
		Index: IndexConfig{
			MaxChunkSize:     2048,
			ChunkOverlap:     200,
			EmbedBatchSize:   16,
			EmbedConcurrency: 4,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			CallTimeout: 30 * time.Second,
		},
		DataDir: defaultDataDir(),
	}
}

// profilesFile mirrors the YAML layout of an optional profiles file that can
// add or override named profiles without rebuilding.
type profilesFile struct {
	ModelProfiles map[string]ModelProfile `yaml:"model_profiles"`
	FileTypes     map[string][]string     `yaml:"file_types"`
	Query         *QueryConfig            `yaml:"query,omitempty"`
	Index         *IndexConfig            `yaml:"index,omitempty"`
}

// Load builds the configuration from built-in defaults, an optional YAML
// profiles file (RAGLINE_PROFILES), and RAGLINE_* environment overrides,
// in that order.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

// loadWith is the testable core of Load; getenv is injected so tests do not
// mutate process state.
func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if path := getenv("RAGLINE_PROFILES"); path != "" {
		if err := applyProfilesFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if base := getenv("RAGLINE_OPENAI_BASE_URL"); base != "" {
		for name, p := range cfg.ModelProfiles {
			if p.Provider == ProviderOpenAI {
				p.APIBase = base
				cfg.ModelProfiles[name] = p
			}
		}
	}
	if endpoint := getenv("RAGLINE_AZURE_ENDPOINT"); endpoint != "" {
		for name, p := range cfg.ModelProfiles {
			if p.Provider == ProviderAzure {
				p.APIBase = endpoint
				cfg.ModelProfiles[name] = p
			}
		}
	}
	if dir := getenv("RAGLINE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	return cfg, nil
}

func applyProfilesFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profiles file: %w", err)
	}
	var pf profilesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parsing profiles file %s: %w", path, err)
	}
	for name, p := range pf.ModelProfiles {
		cfg.ModelProfiles[name] = p
	}
	for name, exts := range pf.FileTypes {
		cfg.FileTypes[name] = exts
	}
	if pf.Query != nil {
		cfg.Query = *pf.Query
	}
	if pf.Index != nil {
		cfg.Index = *pf.Index
	}
	return nil
}

// ResolveModel returns the named model profile. An empty name resolves to
// the fallback profile.
func (c Config) ResolveModel(name string) (ModelProfile, error) {
	if name == "" {
		name = fallbackProfile
	}
	p, ok := c.ModelProfiles[name]
	if !ok {
		return ModelProfile{}, fmt.Errorf("model profile %q: %w", name, ErrUnknownProfile)
	}
	return p, nil
}

// ResolveFileTypes returns the extension allow-list for the named file-type
// profile. An empty name resolves to the fallback profile.
func (c Config) ResolveFileTypes(name string) ([]string, error) {
	if name == "" {
		name = fallbackProfile
	}
	exts, ok := c.FileTypes[name]
	if !ok {
		return nil, fmt.Errorf("file-type profile %q: %w", name, ErrUnknownProfile)
	}
	out := make([]string, len(exts))
	copy(out, exts)
	return out, nil
}

// ModelProfileNames returns the configured model profile names, sorted.
func (c Config) ModelProfileNames() []string {
	names := make([]string, 0, len(c.ModelProfiles))
	for name := range c.ModelProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/ragline"
	}
	return ".ragline"
}
