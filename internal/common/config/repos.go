package config

import "strings"

// RepoTarget is one repository the pipeline works on.
type RepoTarget struct {
	Path       string
	TestCmd    string
	PromptFile string
	AutoMerge  bool
}

// manualSuffix on a watched repo's test command opts that repo out of
// auto-merge.
const manualSuffix = "!manual"

// Repos returns the primary repository followed by the watched repositories.
// Watched entries that duplicate the primary path are skipped.
func (p *PipelineConfig) Repos() []RepoTarget {
	var targets []RepoTarget
	if p.PrimaryRepo != "" {
		targets = append(targets, RepoTarget{
			Path:      p.PrimaryRepo,
			TestCmd:   p.PrimaryTestCmd,
			AutoMerge: p.AutoMerge,
		})
	}
	for _, t := range parseWatchedRepos(p.WatchedRepos) {
		if t.Path == p.PrimaryRepo {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

// parseWatchedRepos parses the pipe-separated WATCHED_REPOS value. Each entry
// is "path:test_cmd" with an optional third ":prompt_file" field; whitespace
// around each field is trimmed. A "!manual" suffix on the test command turns
// auto-merge off for that entry and is stripped.
func parseWatchedRepos(raw string) []RepoTarget {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var targets []RepoTarget
	for _, entry := range strings.Split(raw, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		target := RepoTarget{AutoMerge: true}
		target.Path = strings.TrimSpace(parts[0])
		if target.Path == "" {
			continue
		}
		if len(parts) > 1 {
			target.TestCmd = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			target.PromptFile = strings.TrimSpace(parts[2])
		}

		if strings.HasSuffix(target.TestCmd, manualSuffix) {
			target.AutoMerge = false
			target.TestCmd = strings.TrimSpace(strings.TrimSuffix(target.TestCmd, manualSuffix))
		}

		targets = append(targets, target)
	}
	return targets
}
