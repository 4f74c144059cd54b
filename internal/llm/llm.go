package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/joescharf/bugbot/internal/intent"
	"github.com/joescharf/bugbot/internal/models"
)

// Classification holds the intent and entities extracted from a chat message.
type Classification struct {
	Intent  string `json:"intent"`
	Title   string `json:"title"`
	Urgency string `json:"urgency"`
	Reply   string `json:"reply"`
}

// Client wraps the Anthropic API for intent classification.
// It implements intent.Classifier.
type Client struct {
	api      *anthropic.Client
	model    anthropic.Model
	fallback intent.Classifier
	log      *zap.Logger
}

// NewClient creates an LLM classifier with the given API key and model.
// When the API call fails, classification falls back to the keyword classifier.
func NewClient(apiKey, model string, log *zap.Logger) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:      &client,
		model:    anthropic.Model(model),
		fallback: intent.NewKeywordClassifier(),
		log:      log,
	}
}

// buildPrompt constructs the system and user prompts for intent classification.
func buildPrompt(text string) (system string, user string) {
	system = `You classify messages sent to a bug tracking chat bot. Return ONLY a JSON object with these fields:
- "intent": one of "report", "comment", "info", "subscribe", "unsubscribe", "list", "help", "smalltalk", "fallback"
- "title": the bug title, bug id or bug link the message refers to, or "" if none is mentioned
- "urgency": one of "low", "medium", "high", "critical", or "" if none is mentioned
- "reply": for "smalltalk" only, a short friendly answer to the message; otherwise ""

Rules:
- "report" means the user wants to file a new bug
- "info" means the user wants to view details of an existing bug
- "list" means the user wants to see every tracked bug
- Use "smalltalk" for greetings, thanks and chit-chat unrelated to bugs
- Use "fallback" when the message fits nothing else, including plain descriptions of a problem
- Never invent a title that is not in the message
- Return valid JSON only, no markdown fencing or explanation`

	user = "Message: " + text
	return
}

// buildUrgencyPrompt constructs the prompts used when only an urgency is expected.
func buildUrgencyPrompt(text string) (system string, user string) {
	system = `A user was asked how urgent their bug report is. Return ONLY a JSON object with one field:
- "urgency": one of "low", "medium", "high", "critical", or "" if the answer does not express an urgency

Return valid JSON only, no markdown fencing or explanation`

	user = "Answer: " + text
	return
}

// complete sends the prompts and returns the text of the first text block,
// with any markdown fencing stripped.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return stripFencing(text), nil
}

func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// parseClassification decodes the model output into an intent.
func parseClassification(text string) (intent.Intent, error) {
	var cl Classification
	if err := json.Unmarshal([]byte(text), &cl); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	kind := intent.Kind(strings.ToLower(strings.TrimSpace(cl.Intent)))
	return intent.FromKind(kind, strings.TrimSpace(cl.Title), intent.NormalizeUrgency(cl.Urgency), strings.TrimSpace(cl.Reply)), nil
}

// Classify implements intent.Classifier. Slash commands never reach the API.
func (c *Client) Classify(ctx context.Context, text string) (intent.Intent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return intent.Prompt{}, nil
	}
	if in, ok := intent.Command(text); ok {
		return in, nil
	}

	systemPrompt, userPrompt := buildPrompt(text)
	out, err := c.complete(ctx, systemPrompt, userPrompt)
	if err == nil {
		var in intent.Intent
		if in, err = parseClassification(out); err == nil {
			return in, nil
		}
	}
	c.log.Warn("llm classification failed, using keyword classifier", zap.Error(err))
	return c.fallback.Classify(ctx, text)
}

// ClassifyUrgency implements intent.Classifier.
func (c *Client) ClassifyUrgency(ctx context.Context, text string) (models.Urgency, error) {
	if u := intent.NormalizeUrgency(text); u != "" {
		return u, nil
	}
	systemPrompt, userPrompt := buildUrgencyPrompt(text)
	out, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		c.log.Warn("llm urgency classification failed", zap.Error(err))
		return "", nil
	}
	var cl Classification
	if err := json.Unmarshal([]byte(out), &cl); err != nil {
		return "", fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, out)
	}
	return intent.NormalizeUrgency(cl.Urgency), nil
}
