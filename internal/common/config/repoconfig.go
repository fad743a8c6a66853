package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepoConfigFile is the optional per-repository configuration file read from
// the repository root.
const RepoConfigFile = ".conveyor.yaml"

// RepoConfig holds repository-local overrides supplied by the repository
// itself rather than by the daemon's environment.
type RepoConfig struct {
	// Prompt is prepended to agent instructions as project context.
	Prompt string `yaml:"prompt"`
	// TestCmd overrides the configured test command for this repository.
	TestCmd string `yaml:"test_cmd"`
	// BaseBranch overrides the default base branch for worktrees.
	BaseBranch string `yaml:"base_branch"`
}

// LoadRepoConfig reads .conveyor.yaml from the repository root. A missing
// file is not an error; it returns nil.
func LoadRepoConfig(repoPath string) (*RepoConfig, error) {
	data, err := os.ReadFile(filepath.Join(repoPath, RepoConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", RepoConfigFile, err)
	}

	var rc RepoConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", RepoConfigFile, err)
	}
	return &rc, nil
}

// RepoPrompt resolves the project-context prompt for a repository: an
// explicit prompt file from the watch list wins, then the repository's own
// .conveyor.yaml prompt. Returns "" when neither exists.
func RepoPrompt(target RepoTarget) string {
	if target.PromptFile != "" {
		path := target.PromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(target.Path, path)
		}
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	rc, err := LoadRepoConfig(target.Path)
	if err != nil || rc == nil {
		return ""
	}
	return strings.TrimSpace(rc.Prompt)
}
