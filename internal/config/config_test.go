package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "describify.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestResolveWithoutAnyFileUsesDefaults(t *testing.T) {
	var r Resolver
	ai := r.ResolveAI("", nil)
	if ai.Provider != "ollama" || ai.PromptStyle != "detailed" {
		t.Fatalf("unexpected defaults: %+v", ai)
	}
	orch := r.ResolveOrchestration(filepath.Join(t.TempDir(), "missing.json"), nil)
	if orch.MaxAttempts != 3 || orch.BackoffBase != 500*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", orch)
	}
}

func TestOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `{"ai": {"provider": "gemini", "model": "gemini-2.5-flash"}}`)
	var r Resolver
	ai := r.ResolveAI(path, Overrides{"model": "gemini-2.5-pro"})
	if ai.Provider != "gemini" {
		t.Fatalf("file value lost: %+v", ai)
	}
	if ai.Model != "gemini-2.5-pro" {
		t.Fatalf("override did not win: %+v", ai)
	}
}

func TestMalformedFileFallsBackToDefaults(t *testing.T) {
	path := writeConfig(t, `{"orchestration": {`)
	var r Resolver
	orch := r.ResolveOrchestration(path, nil)
	if orch.MaxAttempts != DefaultOrchestration().MaxAttempts {
		t.Fatalf("expected defaults on parse failure: %+v", orch)
	}
}

func TestDomainsResolveIndependently(t *testing.T) {
	path := writeConfig(t, `{
		"orchestration": {"max_attempts": 5},
		"extract": {"frame_interval_sec": 10}
	}`)
	var r Resolver
	if got := r.ResolveOrchestration(path, nil).MaxAttempts; got != 5 {
		t.Fatalf("orchestration: got %d", got)
	}
	if got := r.ResolveExtract(path, nil).FrameIntervalSec; got != 10 {
		t.Fatalf("extract: got %d", got)
	}
	// ai section absent: defaults, no cross-domain bleed.
	if got := r.ResolveAI(path, nil).Provider; got != "ollama" {
		t.Fatalf("ai: got %s", got)
	}
}

func TestDurationAndIntOverridesParse(t *testing.T) {
	var r Resolver
	orch := r.ResolveOrchestration("", Overrides{
		"max_attempts":     "4",
		"backoff_ms":       "250",
		"call_timeout_sec": "30",
	})
	if orch.MaxAttempts != 4 || orch.BackoffBase != 250*time.Millisecond || orch.CallTimeout != 30*time.Second {
		t.Fatalf("overrides not applied: %+v", orch)
	}
}
