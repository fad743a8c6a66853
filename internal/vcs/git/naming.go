package git

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// DefaultBranchPrefix is used when no branch prefix is configured.
const DefaultBranchPrefix = "conveyor/"

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SanitizeForBranch converts a task title into a valid git branch name component.
// It:
// - Converts to lowercase
// - Replaces spaces and special characters with hyphens
// - Removes consecutive hyphens
// - Truncates to maxLen characters
// - Removes leading/trailing hyphens
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	result := strings.ToLower(title)

	// Git branch names allow more, but alphanumeric plus hyphens keeps
	// the names clean and shell-safe.
	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")

	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		// Remove trailing hyphen after truncation
		result = strings.TrimRight(result, "-")
	}

	return result
}

// NormalizeBranchPrefix trims and falls back to the default prefix.
func NormalizeBranchPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultBranchPrefix
	}
	return trimmed
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}

// SmallSuffix returns a random suffix capped at 3 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 3 {
		maxLen = 3
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}

// SemanticBranchName builds a branch name from a task title.
// Format: {prefix}{semanticName}-{suffix} e.g. conveyor/fix-login-bug-ab1
// The title is truncated to 20 characters; an empty or all-special title
// falls back to the task number.
func SemanticBranchName(prefix, title string, taskID int64) string {
	name := SanitizeForBranch(title, 20)
	if name == "" {
		name = "task-" + strconv.FormatInt(taskID, 10)
	}
	return NormalizeBranchPrefix(prefix) + name + "-" + SmallSuffix(3)
}

// WorktreeName returns the worktree directory name for a task. The name is
// deterministic so a retried task resumes the same checkout.
// Format: {repoName}-task-{id} e.g. conveyor-task-42
func WorktreeName(repo string, taskID int64) string {
	return filepath.Base(filepath.Clean(repo)) + "-task-" + strconv.FormatInt(taskID, 10)
}

// ExpandBasePath expands a leading ~ to the user's home directory.
func ExpandBasePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}
