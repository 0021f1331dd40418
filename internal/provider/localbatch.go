package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// LocalBatchClient shells out to a local batch-inference model runner: one
// invocation per image, description text on stdout. These runners take no
// free-form auxiliary context, so context injection is refused outright
// rather than silently dropped.
type LocalBatchClient struct {
	command string
	args    []string
}

// NewLocalBatchClient wraps the given command. Extra args are passed before
// the model id and image path.
func NewLocalBatchClient(command string, args ...string) (*LocalBatchClient, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("localbatch: command is required")
	}
	return &LocalBatchClient{command: command, args: args}, nil
}

func (l *LocalBatchClient) Name() string { return "localbatch" }
func (l *LocalBatchClient) Close() error { return nil }

func (l *LocalBatchClient) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(l.command)
	return err == nil
}

func (l *LocalBatchClient) Describe(ctx context.Context, req Request) (*Response, error) {
	if req.Context != "" {
		return nil, NewPermanentError(
			errors.New("localbatch: backend does not accept auxiliary context"))
	}

	args := append(append([]string{}, l.args...), "--model", req.Model, req.ItemPath)
	cmd := exec.CommandContext(ctx, l.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, NewTransientError(ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		// A runner that starts but rejects the input will not get better on
		// retry; a runner that could not start at all is simply unavailable.
		return nil, NewPermanentError(fmt.Errorf("localbatch: %s", msg))
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return nil, NewPermanentError(ErrEmptyResponse)
	}
	// Local runners report no token accounting.
	return &Response{Text: text, Usage: nil}, nil
}
