package enhance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"enhancement-service/internal/models"
)

const (
	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 512
)

// GeminiEnhancer calls the Gemini API to enhance content.
type GeminiEnhancer struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiEnhancer creates an enhancer backed by the Gemini API.
func NewGeminiEnhancer(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiEnhancer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("model name cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiEnhancer{client: client, model: model, logger: logger}, nil
}

// Enhance builds the section prompt, calls the model once, and wraps the
// response. Retrying is left to the orchestration layer's delivery semantics.
func (g *GeminiEnhancer) Enhance(ctx context.Context, section, content string, contextData map[string]string, parameters map[string]any) (*models.EnhancementResult, error) {
	prompt := BuildPrompt(ParseSection(section), content, contextData)

	temperature := float32(defaultTemperature)
	if t, ok := parameters["temperature"].(float64); ok {
		temperature = float32(t)
	}

	g.logger.Debug("calling gemini",
		zap.String("section", section),
		zap.Int("content_length", len(content)))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(temperature),
		MaxOutputTokens:   defaultMaxOutputTokens,
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceError, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: no content generated", ErrNoResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: content blocked by safety filters", ErrEnhancementFailed)
	}

	enhanced := resp.Text()
	if enhanced == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrNoResponse)
	}

	var tokensUsed int32
	if resp.UsageMetadata != nil {
		tokensUsed = resp.UsageMetadata.TotalTokenCount
	}

	g.logger.Debug("gemini call successful",
		zap.Int("original_length", len(content)),
		zap.Int("enhanced_length", len(enhanced)),
		zap.Int32("tokens_used", tokensUsed))

	return &models.EnhancementResult{
		Original: content,
		Enhanced: enhanced,
		Metadata: map[string]any{
			"model":      g.model,
			"tokensUsed": int64(tokensUsed),
			"section":    string(ParseSection(section)),
		},
	}, nil
}
