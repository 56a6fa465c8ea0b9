package llms

import (
	"fmt"

	"github.com/B-A-M-N/amnesic/pkg/config"
)

// NewDriver constructs a driver from config, selected by provider name.
func NewDriver(cfg config.DriverConfig) (Driver, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaDriver(cfg)
	case "openai":
		return NewOpenAIDriver(cfg)
	case "anthropic":
		return NewAnthropicDriver(cfg)
	case "gemini":
		return NewGeminiDriver(cfg)
	case "local":
		return NewLocalDriver(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported driver provider: %s (supported: ollama, openai, anthropic, gemini, local)", cfg.Provider)
	}
}
