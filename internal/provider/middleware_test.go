package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"describify/internal/workspace"
)

// fakeDescriber scripts a sequence of outcomes, one per call.
type fakeDescriber struct {
	calls   int
	outcome func(call int) (*Response, error)
}

func (f *fakeDescriber) Name() string                       { return "fake" }
func (f *fakeDescriber) Close() error                       { return nil }
func (f *fakeDescriber) IsAvailable(context.Context) bool   { return true }
func (f *fakeDescriber) Describe(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	return f.outcome(f.calls)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	fake := &fakeDescriber{outcome: func(call int) (*Response, error) {
		if call < 3 {
			return nil, NewTransientError(errors.New("rate limited"))
		}
		return &Response{Text: "ok", Usage: &workspace.TokenUsage{Total: 42}}, nil
	}}
	d := Chain(fake, WithRetry(3, time.Millisecond))

	resp, err := d.Describe(context.Background(), Request{ItemPath: "/x.jpg"})
	if err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.calls)
	}
	if resp.Usage == nil || resp.Usage.Total != 42 {
		t.Fatalf("usage must reflect the successful call: %+v", resp.Usage)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	fake := &fakeDescriber{outcome: func(int) (*Response, error) {
		return nil, NewPermanentError(errors.New("invalid credentials"))
	}}
	d := Chain(fake, WithRetry(5, time.Millisecond))

	_, err := d.Describe(context.Background(), Request{})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("permanent errors must not be retried: %d calls", fake.calls)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	fake := &fakeDescriber{outcome: func(int) (*Response, error) {
		return nil, NewTransientError(errors.New("upstream 503"))
	}}
	d := Chain(fake, WithRetry(3, time.Millisecond))

	_, err := d.Describe(context.Background(), Request{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.calls)
	}
}

func TestRetryDoesNotSleepAfterFinalAttempt(t *testing.T) {
	fake := &fakeDescriber{outcome: func(int) (*Response, error) {
		return nil, NewTransientError(errors.New("upstream 503"))
	}}
	base := 50 * time.Millisecond
	d := Chain(fake, WithRetry(3, base))

	start := time.Now()
	_, err := d.Describe(context.Background(), Request{})
	elapsed := time.Since(start)

	if err == nil || fake.calls != 3 {
		t.Fatalf("expected 3 failed attempts, got %d (err %v)", fake.calls, err)
	}
	// backoffs between attempts total base+2*base; a trailing sleep after
	// the last attempt would add another 4*base
	if elapsed >= 3*base+4*base {
		t.Fatalf("exhaustion took %v, failure held back by a trailing backoff", elapsed)
	}
}

func TestRetryStopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeDescriber{outcome: func(int) (*Response, error) {
		cancel()
		return nil, NewTransientError(errors.New("timeout"))
	}}
	d := Chain(fake, WithRetry(5, time.Millisecond))

	_, err := d.Describe(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("expected no further attempts after cancel: %d", fake.calls)
	}
}

func TestTimeoutSurfacesAsTransient(t *testing.T) {
	slow := &fakeDescriber{outcome: func(int) (*Response, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}}

	d := Chain(slow, WithTimeout(5*time.Millisecond))
	_, err := d.Describe(context.Background(), Request{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("timeout must be transient, got %v", err)
	}
}

func TestCacheServesRepeatRequests(t *testing.T) {
	img := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(img, []byte("jpegbytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &fakeDescriber{outcome: func(int) (*Response, error) {
		return &Response{Text: "a dog"}, nil
	}}
	d := Chain(fake, WithCache(8))

	req := Request{ItemPath: img, Model: "llava", Prompt: "describe"}
	for i := 0; i < 3; i++ {
		resp, err := d.Describe(context.Background(), req)
		if err != nil || resp.Text != "a dog" {
			t.Fatalf("call %d: %v %+v", i, err, resp)
		}
	}
	if fake.calls != 1 {
		t.Fatalf("expected a single backend call, got %d", fake.calls)
	}

	// a different prompt misses
	req.Prompt = "list objects"
	if _, err := d.Describe(context.Background(), req); err != nil {
		t.Fatalf("miss call: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected cache miss on new prompt, got %d calls", fake.calls)
	}
}

func TestLocalBatchRefusesContextInjection(t *testing.T) {
	cli, err := NewLocalBatchClient("true")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = cli.Describe(context.Background(), Request{
		ItemPath: "/x.jpg", Model: "m", Context: "extra context",
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent refusal, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	if err := classifyStatus(429, errors.New("rl")); IsPermanent(err) {
		t.Fatalf("429 must be transient")
	}
	if err := classifyStatus(503, errors.New("down")); IsPermanent(err) {
		t.Fatalf("5xx must be transient")
	}
	if err := classifyStatus(401, errors.New("auth")); !IsPermanent(err) {
		t.Fatalf("401 must be permanent")
	}
	if err := classifyStatus(400, errors.New("bad image")); !IsPermanent(err) {
		t.Fatalf("400 must be permanent")
	}
}

func TestResolvePromptFallsBackToDetailed(t *testing.T) {
	if ResolvePrompt("nope", "") != promptStyles["detailed"] {
		t.Fatalf("unknown style must fall back")
	}
	if ResolvePrompt("brief", "custom wins") != "custom wins" {
		t.Fatalf("custom prompt must win")
	}
}
