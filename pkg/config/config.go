// Package config loads runtime configuration: 12-factor environment
// variables first, with an optional YAML vault profile for the knobs that
// operators version-control next to the vault.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration.
type Config struct {
	VaultRoot   string
	WorkerClass string // "cloud" or "local"
	LogLevel    string

	PollInterval    time.Duration
	Cooldown        time.Duration
	ReclaimTTL      time.Duration
	ApprovalTimeout time.Duration

	JournalPath  string
	RegistryPath string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	Persistence   bool // run the iterative loop instead of single-shot handlers
	Observability bool // enable OTLP export
}

// Load reads configuration from environment variables with safe defaults.
func Load() *Config {
	vaultRoot := os.Getenv("CASTELLAN_VAULT")
	if vaultRoot == "" {
		vaultRoot = "./vault"
	}

	workerClass := os.Getenv("CASTELLAN_WORKER_CLASS")
	if workerClass == "" {
		workerClass = "local"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	journalPath := os.Getenv("CASTELLAN_JOURNAL")
	if journalPath == "" {
		journalPath = vaultRoot + "/Logs/journal.db"
	}

	llmBaseURL := os.Getenv("LLM_BASE_URL")
	if llmBaseURL == "" {
		// Default to a local OpenAI-compatible runtime.
		llmBaseURL = "http://localhost:1234/v1"
	}

	llmModel := os.Getenv("LLM_MODEL")
	if llmModel == "" {
		llmModel = "local-default"
	}

	return &Config{
		VaultRoot:       vaultRoot,
		WorkerClass:     workerClass,
		LogLevel:        logLevel,
		PollInterval:    envDuration("CASTELLAN_POLL_INTERVAL", 10*time.Second),
		Cooldown:        envDuration("CASTELLAN_COOLDOWN", 60*time.Second),
		ReclaimTTL:      envDuration("CASTELLAN_RECLAIM_TTL", 30*time.Minute),
		ApprovalTimeout: envDuration("CASTELLAN_APPROVAL_TIMEOUT", time.Hour),
		JournalPath:     journalPath,
		RegistryPath:    os.Getenv("CASTELLAN_REGISTRY"),
		LLMBaseURL:      llmBaseURL,
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMModel:        llmModel,
		Persistence:     envBool("CASTELLAN_PERSISTENCE"),
		Observability:   envBool("CASTELLAN_OBSERVABILITY"),
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
