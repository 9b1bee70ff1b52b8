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

// ValidProviderNames lists known backend names per provider kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"deepgram"},
	"dialogue":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Environment variables consulted when the corresponding api_key is absent
// from the config file.
const (
	EnvRecognizerKey = "DEEPGRAM_API_KEY"
	EnvDialogueKey   = "OPENAI_API_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment fallbacks applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment fallbacks, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and resolves API keys
// from the environment when the config file leaves them empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recognizer.Name == "" {
		cfg.Recognizer.Name = "deepgram"
	}
	if cfg.Recognizer.APIKey == "" {
		cfg.Recognizer.APIKey = os.Getenv(EnvRecognizerKey)
	}
	if cfg.Dialogue.Name == "" {
		cfg.Dialogue.Name = "openai"
	}
	if cfg.Dialogue.Model == "" {
		cfg.Dialogue.Model = "gpt-4o-mini"
	}
	if cfg.Dialogue.APIKey == "" {
		cfg.Dialogue.APIKey = os.Getenv(EnvDialogueKey)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Missing provider credentials are validation failures: the server must not
// start without them.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	validateProviderName("recognizer", cfg.Recognizer.Name)
	validateProviderName("dialogue", cfg.Dialogue.Name)

	if cfg.Recognizer.APIKey == "" {
		errs = append(errs, fmt.Errorf("recognizer.api_key is required; set it in the config file or via %s", EnvRecognizerKey))
	}
	if cfg.Dialogue.APIKey == "" {
		errs = append(errs, fmt.Errorf("dialogue.api_key is required; set it in the config file or via %s", EnvDialogueKey))
	}

	for i, fb := range cfg.DialogueFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("dialogue_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("dialogue", fb.Name)
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("dialogue_fallbacks[%d].model is required", i))
		}
	}

	if cfg.Pipeline.Tick < 0 {
		errs = append(errs, fmt.Errorf("pipeline.tick %v must not be negative", cfg.Pipeline.Tick))
	}
	if cfg.Pipeline.StalenessWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.staleness_window %v must not be negative", cfg.Pipeline.StalenessWindow))
	}
	if cfg.Pipeline.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.keepalive_interval %v must not be negative", cfg.Pipeline.KeepaliveInterval))
	}
	if cfg.Pipeline.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.history_window %d must not be negative", cfg.Pipeline.HistoryWindow))
	}
	if cfg.Pipeline.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", cfg.Pipeline.MaxTokens))
	}

	if cfg.CallLog.PostgresDSN == "" {
		slog.Warn("calllog.postgres_dsn is empty; calls will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
