package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Domain names one of the three independently resolved configuration domains.
type Domain string

const (
	DomainOrchestration Domain = "orchestration"
	DomainAI            Domain = "ai"
	DomainExtract       Domain = "extract"
)

// Orchestration holds dispatcher and retry settings.
type Orchestration struct {
	MaxAttempts  int           `json:"max_attempts"`
	BackoffBase  time.Duration `json:"backoff_base"`
	CallTimeout  time.Duration `json:"call_timeout"`
	ReportFormat string        `json:"report_format"`
}

// AI holds the per-item description settings one batch runs with.
type AI struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	PromptStyle  string  `json:"prompt_style"`
	CustomPrompt string  `json:"custom_prompt"`
	Temperature  float64 `json:"temperature"`
}

// Extract holds media-extraction settings.
type Extract struct {
	FrameIntervalSec int    `json:"frame_interval_sec"`
	ImageFormat      string `json:"image_format"`
	MaxDimension     int    `json:"max_dimension"`
}

// Overrides are explicit per-run values, e.g. from CLI flags. A present key
// always wins over the config file and the defaults.
type Overrides map[string]string

// Resolver merges defaults, a user config file, and per-run overrides, lowest
// precedence first. A missing file is silent; an unparsable one logs a
// warning and falls back to defaults for that domain. A resolver with a nil
// logger is usable (warnings are dropped).
type Resolver struct {
	Logger *slog.Logger
}

// fileDoc keeps domain sections raw so one malformed section never poisons
// another domain's resolution.
type fileDoc struct {
	Orchestration json.RawMessage `json:"orchestration"`
	AI            json.RawMessage `json:"ai"`
	Extract       json.RawMessage `json:"extract"`
}

func DefaultOrchestration() Orchestration {
	return Orchestration{
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
		CallTimeout:  2 * time.Minute,
		ReportFormat: "markdown",
	}
}

func DefaultAI() AI {
	return AI{
		Provider:    "ollama",
		Model:       "llama3.2-vision:11b",
		PromptStyle: "detailed",
	}
}

func DefaultExtract() Extract {
	return Extract{
		FrameIntervalSec: 5,
		ImageFormat:      "jpg",
		MaxDimension:     2048,
	}
}

// ResolveOrchestration resolves the orchestration domain.
func (r Resolver) ResolveOrchestration(filePath string, ov Overrides) Orchestration {
	cfg := DefaultOrchestration()
	if raw := r.domainSection(filePath, DomainOrchestration); raw != nil {
		var f struct {
			MaxAttempts  *int    `json:"max_attempts"`
			BackoffMS    *int    `json:"backoff_ms"`
			CallTimeoutS *int    `json:"call_timeout_sec"`
			ReportFormat *string `json:"report_format"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			r.warn(DomainOrchestration, filePath, err)
		} else {
			if f.MaxAttempts != nil {
				cfg.MaxAttempts = *f.MaxAttempts
			}
			if f.BackoffMS != nil {
				cfg.BackoffBase = time.Duration(*f.BackoffMS) * time.Millisecond
			}
			if f.CallTimeoutS != nil {
				cfg.CallTimeout = time.Duration(*f.CallTimeoutS) * time.Second
			}
			if f.ReportFormat != nil {
				cfg.ReportFormat = *f.ReportFormat
			}
		}
	}
	if v, ok := intOverride(ov, "max_attempts"); ok {
		cfg.MaxAttempts = v
	}
	if v, ok := intOverride(ov, "backoff_ms"); ok {
		cfg.BackoffBase = time.Duration(v) * time.Millisecond
	}
	if v, ok := intOverride(ov, "call_timeout_sec"); ok {
		cfg.CallTimeout = time.Duration(v) * time.Second
	}
	if v, ok := strOverride(ov, "report_format"); ok {
		cfg.ReportFormat = v
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// ResolveAI resolves the per-item AI domain.
func (r Resolver) ResolveAI(filePath string, ov Overrides) AI {
	cfg := DefaultAI()
	if raw := r.domainSection(filePath, DomainAI); raw != nil {
		var f AI
		if err := json.Unmarshal(raw, &f); err != nil {
			r.warn(DomainAI, filePath, err)
		} else {
			if f.Provider != "" {
				cfg.Provider = f.Provider
			}
			if f.Model != "" {
				cfg.Model = f.Model
			}
			if f.PromptStyle != "" {
				cfg.PromptStyle = f.PromptStyle
			}
			if f.CustomPrompt != "" {
				cfg.CustomPrompt = f.CustomPrompt
			}
			if f.Temperature != 0 {
				cfg.Temperature = f.Temperature
			}
		}
	}
	if v, ok := strOverride(ov, "provider"); ok {
		cfg.Provider = v
	}
	if v, ok := strOverride(ov, "model"); ok {
		cfg.Model = v
	}
	if v, ok := strOverride(ov, "prompt_style"); ok {
		cfg.PromptStyle = v
	}
	if v, ok := strOverride(ov, "custom_prompt"); ok {
		cfg.CustomPrompt = v
	}
	if v, ok := strOverride(ov, "temperature"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = f
		}
	}
	return cfg
}

// ResolveExtract resolves the media-extraction domain.
func (r Resolver) ResolveExtract(filePath string, ov Overrides) Extract {
	cfg := DefaultExtract()
	if raw := r.domainSection(filePath, DomainExtract); raw != nil {
		var f Extract
		if err := json.Unmarshal(raw, &f); err != nil {
			r.warn(DomainExtract, filePath, err)
		} else {
			if f.FrameIntervalSec != 0 {
				cfg.FrameIntervalSec = f.FrameIntervalSec
			}
			if f.ImageFormat != "" {
				cfg.ImageFormat = f.ImageFormat
			}
			if f.MaxDimension != 0 {
				cfg.MaxDimension = f.MaxDimension
			}
		}
	}
	if v, ok := intOverride(ov, "frame_interval_sec"); ok {
		cfg.FrameIntervalSec = v
	}
	if v, ok := strOverride(ov, "image_format"); ok {
		cfg.ImageFormat = v
	}
	if v, ok := intOverride(ov, "max_dimension"); ok {
		cfg.MaxDimension = v
	}
	return cfg
}

func (r Resolver) domainSection(filePath string, domain Domain) json.RawMessage {
	if strings.TrimSpace(filePath) == "" {
		return nil
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.warn(domain, filePath, err)
		}
		return nil
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		r.warn(domain, filePath, err)
		return nil
	}
	switch domain {
	case DomainOrchestration:
		return doc.Orchestration
	case DomainAI:
		return doc.AI
	case DomainExtract:
		return doc.Extract
	}
	return nil
}

func (r Resolver) warn(domain Domain, filePath string, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Warn("config unreadable, using defaults",
		"domain", string(domain), "file", filePath, "err", err)
}

func strOverride(ov Overrides, key string) (string, bool) {
	if ov == nil {
		return "", false
	}
	v, ok := ov[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func intOverride(ov Overrides, key string) (int, bool) {
	v, ok := strOverride(ov, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
