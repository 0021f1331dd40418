package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(p, []byte{0xFF, 0xD8, 0xFF}, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return p
}

func TestOllamaDescribeParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaChatReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 || len(req.Messages[len(req.Messages)-1].Images) != 1 {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"content": "a red bicycle"},
			"prompt_eval_count": 100,
			"eval_count":        25,
		})
	}))
	defer srv.Close()

	cli := NewOllamaClient(srv.URL)
	resp, err := cli.Describe(context.Background(), Request{
		ItemPath: writeImage(t), Prompt: "describe", Model: "llava",
	})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if resp.Text != "a red bicycle" {
		t.Fatalf("text: %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.Total != 125 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestOllamaRateLimitThenSuccessThroughRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "done"},
		})
	}))
	defer srv.Close()

	d := Chain(NewOllamaClient(srv.URL), WithRetry(3, time.Millisecond))
	resp, err := d.Describe(context.Background(), Request{
		ItemPath: writeImage(t), Prompt: "p", Model: "m",
	})
	if err != nil {
		t.Fatalf("expected recovery: %v", err)
	}
	if resp.Text != "done" || resp.Usage != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestOllamaBadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "image rejected", http.StatusBadRequest)
	}))
	defer srv.Close()

	cli := NewOllamaClient(srv.URL)
	_, err := cli.Describe(context.Background(), Request{
		ItemPath: writeImage(t), Prompt: "p", Model: "m",
	})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestOllamaIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if !NewOllamaClient(srv.URL).IsAvailable(context.Background()) {
		t.Fatalf("expected available")
	}
	srv.Close()
	if NewOllamaClient(srv.URL).IsAvailable(context.Background()) {
		t.Fatalf("expected unavailable after close")
	}
}

func TestUsageLedgerAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	led := NewUsageLedger(path)
	led.record("ollama:llava", 100, false)
	led.record("ollama:llava", 50, true)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	var f usageLedgerFile
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("parse ledger: %v", err)
	}
	day := f.Days[time.Now().UTC().Format("2006-01-02")]
	if day.Requests != 2 || day.Tokens != 150 || day.Errors != 1 {
		t.Fatalf("day totals: %+v", day)
	}
	m := day.Models["ollama:llava"]
	if m.Requests != 2 || m.Tokens != 150 || m.Errors != 1 {
		t.Fatalf("model totals: %+v", m)
	}
}
