package executor

import "strings"

// FailureKind classifies a test failure for routing.
type FailureKind string

const (
	// FailureTestFile means the failure points at agent-authored test
	// files; the task goes to qa_fix rather than the retry routine.
	FailureTestFile FailureKind = "test_file"
	// FailureCode is every other failure.
	FailureCode FailureKind = "code"
)

// ClassifyTestFailure inspects the two output streams independently; a
// pattern must co-occur within a single stream to count.
func ClassifyTestFailure(stderr, stdout string) FailureKind {
	if streamPointsAtTests(stderr) || streamPointsAtTests(stdout) {
		return FailureTestFile
	}
	return FailureCode
}

func streamPointsAtTests(s string) bool {
	if strings.Contains(s, "Segmentation fault") {
		return true
	}
	hasError := strings.Contains(s, "error:")
	if hasError && strings.Contains(s, "_test") {
		return true
	}
	if hasError && strings.Contains(s, "/tests/") {
		return true
	}
	if strings.Contains(s, "panicked") && strings.Contains(s, "_test") {
		return true
	}
	return false
}
