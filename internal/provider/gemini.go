package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	genai "google.golang.org/genai"

	"describify/internal/workspace"
)

// GeminiClient is a thin wrapper around the official genai client.
type GeminiClient struct {
	cli *genai.Client
}

// NewGeminiClient creates a Gemini client. If apiKey is empty, the SDK falls
// back to GEMINI_API_KEY from the environment.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli}, nil
}

func (g *GeminiClient) Name() string { return "gemini" }
func (g *GeminiClient) Close() error { return nil }

// IsAvailable only checks for credentials; the API itself has no cheap probe.
func (g *GeminiClient) IsAvailable(ctx context.Context) bool {
	return g.cli != nil
}

// Describe sends the image inline with the prompt and requests plain text.
// Auxiliary context becomes a system instruction; this backend accepts it.
func (g *GeminiClient) Describe(ctx context.Context, req Request) (*Response, error) {
	imageData, err := os.ReadFile(req.ItemPath)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("gemini: read image: %w", err))
	}

	parts := []*genai.Part{
		{Text: req.Prompt},
		{InlineData: &genai.Blob{MIMEType: imageMIME(req.ItemPath), Data: imageData}},
	}
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.Context != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Context}}}
	}

	resp, err := g.cli.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{{Parts: parts}}, cfg)
	if err != nil {
		return nil, classifyGenAI(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, NewTransientError(ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return nil, NewTransientError(ErrEmptyResponse)
	}

	var usage *workspace.TokenUsage
	if um := resp.UsageMetadata; um != nil {
		usage = &workspace.TokenUsage{
			Prompt:     int(um.PromptTokenCount),
			Completion: int(um.CandidatesTokenCount),
			Total:      int(um.TotalTokenCount),
		}
	}
	return &Response{Text: text, Usage: usage}, nil
}

func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	return classifyTransport(err)
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
