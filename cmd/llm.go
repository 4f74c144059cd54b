package cmd

import (
	"os"

	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/intent"
	"github.com/joescharf/bugbot/internal/llm"
)

// newClassifier returns the configured intent classifier. The anthropic
// classifier needs an API key from config or ANTHROPIC_API_KEY; without one
// the keyword classifier is used.
func newClassifier(s Settings, log *zap.Logger) intent.Classifier {
	if s.Classifier != classifierAnthropic {
		return intent.NewKeywordClassifier()
	}
	apiKey := s.AnthropicKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		log.Warn("no anthropic api key configured, using keyword classifier")
		return intent.NewKeywordClassifier()
	}
	return llm.NewClient(apiKey, s.AnthropicModel, log)
}
