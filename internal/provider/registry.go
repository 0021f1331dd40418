package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"describify/internal/config"
)

// New constructs the backend named by the AI config.
func New(ctx context.Context, cfg config.AI) (Describer, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(os.Getenv("OLLAMA_HOST")), nil
	case "gemini":
		return NewGeminiClient(ctx, os.Getenv("GEMINI_API_KEY"))
	case "localbatch":
		command := os.Getenv("DESCRIBIFY_BATCH_CMD")
		if command == "" {
			command = "describe-batch"
		}
		return NewLocalBatchClient(command)
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Provider)
	}
}

// Build constructs the backend and wraps it with the standard middleware
// chain: logging outermost, then the result cache, then usage accounting,
// then retry, with the per-call timeout innermost so each attempt is bounded
// on its own.
func Build(ctx context.Context, ai config.AI, orch config.Orchestration, usagePath string, logger *slog.Logger) (Describer, error) {
	backend, err := New(ctx, ai)
	if err != nil {
		return nil, err
	}
	mws := []Middleware{}
	if logger != nil {
		mws = append(mws, WithLogging(logger))
	}
	mws = append(mws, WithCache(256))
	if usagePath != "" {
		mws = append(mws, WithUsageLedger(usagePath))
	}
	mws = append(mws,
		WithRetry(orch.MaxAttempts, orch.BackoffBase),
		WithTimeout(orch.CallTimeout),
	)
	return Chain(backend, mws...), nil
}
