package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"describify/internal/workspace"
)

// OllamaClient calls a local Ollama-compatible inference server's chat API.
// See: https://github.com/ollama/ollama/blob/main/docs/api.md
type OllamaClient struct {
	http    *http.Client
	baseURL string
}

// NewOllamaClient creates an Ollama client. If baseURL is empty, it falls
// back to the OLLAMA_HOST env var, then to the default local port.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = os.Getenv("OLLAMA_HOST")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		http:    &http.Client{Timeout: 5 * time.Minute},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (o *OllamaClient) Name() string { return "ollama" }
func (o *OllamaClient) Close() error { return nil }

// IsAvailable probes the tags endpoint the way the desktop client does.
func (o *OllamaClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaChatReq struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResp struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Describe sends the image plus prompt as one user message. Auxiliary context
// rides along as a preceding system message; this backend accepts it.
func (o *OllamaClient) Describe(ctx context.Context, req Request) (*Response, error) {
	imageData, err := os.ReadFile(req.ItemPath)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("ollama: read image: %w", err))
	}

	var messages []ollamaMessage
	if req.Context != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.Context})
	}
	messages = append(messages, ollamaMessage{
		Role:    "user",
		Content: req.Prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(imageData)},
	})

	body := ollamaChatReq{Model: req.Model, Messages: messages, Stream: false}
	if req.Temperature > 0 {
		body.Options = map[string]any{"temperature": req.Temperature}
	}
	b, _ := json.Marshal(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return nil, NewPermanentError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		const max = 2048
		if len(raw) > max {
			raw = raw[:max]
		}
		return nil, classifyStatus(resp.StatusCode,
			fmt.Errorf("ollama: unexpected status %s: %s", resp.Status, string(raw)))
	}

	var out ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewTransientError(fmt.Errorf("ollama: decode response: %w", err))
	}
	text := strings.TrimSpace(out.Message.Content)
	if text == "" {
		return nil, NewTransientError(ErrEmptyResponse)
	}

	var usage *workspace.TokenUsage
	if out.PromptEvalCount > 0 || out.EvalCount > 0 {
		usage = &workspace.TokenUsage{
			Prompt:     out.PromptEvalCount,
			Completion: out.EvalCount,
			Total:      out.PromptEvalCount + out.EvalCount,
		}
	}
	return &Response{Text: text, Usage: usage}, nil
}
