package session

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/codex-core/session-engine/internal/protocol"
)

// configDefaultsFile is the on-disk shape for per-project session
// defaults, loaded once at startup and used to seed a new Session's
// Configuration before any OverrideTurnContext is applied.
type configDefaultsFile struct {
	Model             string `yaml:"model"`
	ApprovalPolicy    string `yaml:"approval_policy"`
	ReasoningEffort   string `yaml:"reasoning_effort"`
	ReasoningSummary  string `yaml:"reasoning_summary"`
	Personality       string `yaml:"personality"`
	CollaborationMode string `yaml:"collaboration_mode"`
}

// LoadConfigurationDefaults reads "<cwd>/.codex/config.yaml" and fills a
// base Configuration for cwd. A missing file yields sane defaults
// rather than an error, matching the teacher's LoadConfig permissive
// fallback for an absent project config.
func LoadConfigurationDefaults(cwd string) (Configuration, error) {
	cfg := Configuration{
		Cwd:            cwd,
		Model:          "gpt-5-codex",
		ApprovalPolicy: protocol.ApprovalOnRequest,
		SandboxPolicy:  protocol.SandboxPolicy{Kind: protocol.SandboxWorkspaceWrite},
	}

	path := filepath.Join(cwd, ".codex", "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("session: read config defaults: %w", err)
	}

	var file configDefaultsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("session: parse config defaults %s: %w", path, err)
	}

	if file.Model != "" {
		cfg.Model = file.Model
	}
	if file.ApprovalPolicy != "" {
		cfg.ApprovalPolicy = protocol.AskForApproval(file.ApprovalPolicy)
	}
	cfg.ReasoningEffort = file.ReasoningEffort
	cfg.ReasoningSummary = file.ReasoningSummary
	cfg.Personality = file.Personality
	cfg.CollaborationMode = file.CollaborationMode
	return cfg, nil
}
