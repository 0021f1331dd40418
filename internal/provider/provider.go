package provider

import (
	"context"

	"describify/internal/workspace"
)

// Request is the normalized description request handed to any backend.
type Request struct {
	ItemPath string
	Prompt   string
	Model    string
	// Context is optional free-form auxiliary context. Backends that cannot
	// accept it must refuse the request instead of silently dropping it.
	Context     string
	Temperature float64
}

// Response carries the description text plus normalized token usage.
// Usage is nil when the backend does not report counts.
type Response struct {
	Text  string
	Usage *workspace.TokenUsage
}

// Describer is the closed interface every description backend implements.
// Backend-specific request construction stays behind it.
type Describer interface {
	Name() string
	Describe(ctx context.Context, req Request) (*Response, error)
	IsAvailable(ctx context.Context) bool
	Close() error
}
