package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the optional YAML vault profile. It carries the operator
// policy knobs that belong in version control; environment variables still
// win for deployment-specific values.
type Profile struct {
	WorkerClass       string   `yaml:"worker_class,omitempty"`
	PollInterval      string   `yaml:"poll_interval,omitempty"`
	ApprovalTimeout   string   `yaml:"approval_timeout,omitempty"`
	SensitiveKeywords []string `yaml:"sensitive_keywords,omitempty"`
	SensitivityRules  []string `yaml:"sensitivity_rules,omitempty"` // CEL expressions
	RegistryPath      string   `yaml:"registry,omitempty"`
	LLM               struct {
		BaseURL string `yaml:"base_url,omitempty"`
		Model   string `yaml:"model,omitempty"`
	} `yaml:"llm,omitempty"`
	Persistence bool `yaml:"persistence,omitempty"`
}

// LoadProfile reads a vault profile. A missing file is not an error; the
// zero Profile changes nothing.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// Apply overlays profile values onto cfg. Only set fields are applied, and
// only where the environment did not already pin a value.
func (p *Profile) Apply(cfg *Config) {
	if p.WorkerClass != "" && os.Getenv("CASTELLAN_WORKER_CLASS") == "" {
		cfg.WorkerClass = p.WorkerClass
	}
	if d, err := time.ParseDuration(p.PollInterval); err == nil && os.Getenv("CASTELLAN_POLL_INTERVAL") == "" {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(p.ApprovalTimeout); err == nil && os.Getenv("CASTELLAN_APPROVAL_TIMEOUT") == "" {
		cfg.ApprovalTimeout = d
	}
	if p.RegistryPath != "" && cfg.RegistryPath == "" {
		cfg.RegistryPath = p.RegistryPath
	}
	if p.LLM.BaseURL != "" && os.Getenv("LLM_BASE_URL") == "" {
		cfg.LLMBaseURL = p.LLM.BaseURL
	}
	if p.LLM.Model != "" && os.Getenv("LLM_MODEL") == "" {
		cfg.LLMModel = p.LLM.Model
	}
	if p.Persistence {
		cfg.Persistence = true
	}
}
