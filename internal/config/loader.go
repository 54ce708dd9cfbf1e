package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"wsstream", "mock"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// knownAnalyzers is the built-in analyzer set accepted by
// analysis.enabled_analyzers.
var knownAnalyzers = []string{
	"sentiment", "topic", "quality", "engagement", "behavioral", "compliance",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.ChunkDurationMS < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration_ms %d must not be negative", cfg.Audio.ChunkDurationMS))
	}
	if cfg.Audio.RingCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity %d must not be negative", cfg.Audio.RingCapacity))
	}
	for _, dev := range []struct {
		name string
		cfg  DeviceConfig
	}{
		{"audio.microphone", cfg.Audio.Microphone},
		{"audio.desktop", cfg.Audio.Desktop},
	} {
		if dev.cfg.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", dev.name, dev.cfg.SampleRate))
		}
		if dev.cfg.Channels < 0 || dev.cfg.Channels > 2 {
			errs = append(errs, fmt.Errorf("%s.channels %d is out of range [0, 2]", dev.name, dev.cfg.Channels))
		}
	}

	// Transcription
	if cfg.Transcribe.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcribe.max_retries %d must not be negative", cfg.Transcribe.MaxRetries))
	}
	for i, term := range cfg.Transcribe.Vocabulary {
		if term.Term == "" {
			errs = append(errs, fmt.Errorf("transcribe.vocabulary[%d].term is required", i))
		}
	}

	// Context store
	if cfg.Context.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("context.max_entries %d must not be negative", cfg.Context.MaxEntries))
	}
	if cfg.Context.PostgresDSN != "" && cfg.Context.EmbeddingDimensions <= 0 {
		slog.Warn("context.postgres_dsn is configured but context.embedding_dimensions is not set; semantic search will be unavailable")
	}

	// Analysis
	if cfg.Analysis.MaxConcurrentTasks < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_concurrent_tasks %d must not be negative", cfg.Analysis.MaxConcurrentTasks))
	}
	for i, name := range cfg.Analysis.EnabledAnalyzers {
		if !slices.Contains(knownAnalyzers, name) {
			errs = append(errs, fmt.Errorf("analysis.enabled_analyzers[%d] %q is unknown; valid values: %v", i, name, knownAnalyzers))
		}
	}

	// Response generation
	if cfg.Respond.MinConfidence < 0 || cfg.Respond.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("respond.min_confidence %.2f is out of range [0, 1]", cfg.Respond.MinConfidence))
	}
	if cfg.Respond.MaxCandidates < 0 {
		errs = append(errs, fmt.Errorf("respond.max_candidates %d must not be negative", cfg.Respond.MaxCandidates))
	}
	templateNames := make(map[string]int, len(cfg.Respond.Templates))
	for i, t := range cfg.Respond.Templates {
		prefix := fmt.Sprintf("respond.templates[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := templateNames[t.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of respond.templates[%d]", prefix, t.Name, prev))
			}
			templateNames[t.Name] = i
		}
		if t.Text == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", prefix))
		}
		if t.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
		}
		if t.Confidence < 0 || t.Confidence > 1 {
			errs = append(errs, fmt.Errorf("%s.confidence %.2f is out of range [0, 1]", prefix, t.Confidence))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}

	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks configured without a primary providers.llm"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; analyzers degrade to heuristics and responses fall back to templates")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
