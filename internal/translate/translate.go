// Package translate provides the translation backend used for platforms
// whose content needs translating. Failures are expected and localized:
// callers deliver untranslated text rather than failing the item.
package translate

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "Translate the user's text into Chinese. Preserve line breaks. Return only the translation, no commentary."

// Translator turns source-language text into the configured target
// language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// LLM translates via an OpenAI-compatible chat completions API. Works
// with any endpoint that speaks the protocol (a base URL override covers
// self-hosted and third-party providers).
type LLM struct {
	client *openai.Client
	model  string
}

func NewLLM(apiKey, baseURL, model string) (*LLM, error) {
	if apiKey == "" {
		return nil, errors.New("translate: api key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &LLM{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (l *LLM) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translate: empty choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
