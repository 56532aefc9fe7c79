package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/DeafMist/talent-digest/internal/models"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini generates fragments through Google's Gemini API.
type Gemini struct {
	client      *genai.Client
	model       contentGenerator
	fragmentMin int
	fragmentMax int
}

func NewGemini(ctx context.Context, apiKey, model string, fragmentMin, fragmentMax int) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	m := client.GenerativeModel(model)
	m.SetTemperature(0.2)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	return &Gemini{client: client, model: m, fragmentMin: fragmentMin, fragmentMax: fragmentMax}, nil
}

func (g *Gemini) Generate(ctx context.Context, fields Fields, audience models.Audience) ([]string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(BuildPrompt(fields, audience, g.fragmentMin, g.fragmentMax)))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	return ParseFragments(text)
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", ErrEmptyResponse
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.Join(parts, ""), nil
}
