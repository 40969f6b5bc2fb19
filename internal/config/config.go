package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Chunking  ChunkingConfig
	Context   ContextConfig
	API       APIConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK               int
	RelevanceThreshold float64
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type ContextConfig struct {
	MaxTokens int
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Ollama: OllamaConfig{
			BaseURL:   "http://localhost:11434",
			ChatModel: "llama3.2",
			// The embed model must produce vectors of the dimension the
			// retrieval layer enforces (retrieval.EmbeddingDim, 384).
			EmbedModel: "all-minilm",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:               10,
			RelevanceThreshold: 0.6,
		},
		Chunking: ChunkingConfig{
			Size:    384,
			Overlap: 64,
		},
		Context: ContextConfig{
			MaxTokens: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/gleaner/config.json, then applies GLEANER_* environment
// overrides. The API token is a secret: it is read only from the
// environment, never from the file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		return Config{}, fmt.Errorf(
			"missing required config: API token. Set it via environment variable GLEANER_API_TOKEN")
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return Config{}, fmt.Errorf(
			"invalid chunking config: overlap (%d) must be smaller than size (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.Size)
	}
	if cfg.Retrieval.RelevanceThreshold < 0 || cfg.Retrieval.RelevanceThreshold > 1 {
		return Config{}, fmt.Errorf(
			"invalid retrieval config: relevance threshold %v must be in [0, 1]",
			cfg.Retrieval.RelevanceThreshold)
	}

	return cfg, nil
}
