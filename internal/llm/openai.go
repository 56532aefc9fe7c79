package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/DeafMist/talent-digest/internal/models"
)

const systemPrompt = "You write concise, anonymous candidate summaries for recruiters. You never reveal identities."

// OpenAI generates fragments through the chat completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	fragmentMin int
	fragmentMax int
}

// NewOpenAI creates the client. An empty baseURL uses the public endpoint.
func NewOpenAI(apiKey, model, baseURL string, fragmentMin, fragmentMax int) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		fragmentMin: fragmentMin,
		fragmentMax: fragmentMax,
	}
}

func (o *OpenAI) Generate(ctx context.Context, fields Fields, audience models.Audience) ([]string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(fields, audience, o.fragmentMin, o.fragmentMax)},
		},
		Temperature: 0.2,
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return ParseFragments(resp.Choices[0].Message.Content)
}
