// Package sentinel extracts the phase-result block agents emit between
// agreed markers in their stdout.
package sentinel

import "strings"

// Default markers. Phase prompts instruct the agent to wrap its result
// summary between these two lines.
const (
	BeginMarker = "<<<PIPELINE_RESULT>>>"
	EndMarker   = "<<<END_PIPELINE_RESULT>>>"
)

// blockCap bounds a single result block; content past it is dropped.
const blockCap = 64 * 1024

// Scanner accumulates at most one marker-delimited block from a line
// stream. Not safe for concurrent use; each phase run owns its own.
type Scanner struct {
	begin   string
	end     string
	inBlock bool
	found   bool
	buf     []byte
}

// NewScanner returns a scanner for the default markers.
func NewScanner() *Scanner {
	return NewScannerWithMarkers(BeginMarker, EndMarker)
}

// NewScannerWithMarkers returns a scanner for custom markers.
func NewScannerWithMarkers(begin, end string) *Scanner {
	return &Scanner{begin: begin, end: end}
}

// Feed consumes one output line and reports whether this line completed
// the block. Once a block is committed every further line is ignored, so
// a second block in the same stream never re-fires.
func (s *Scanner) Feed(line string) bool {
	if s.found {
		return false
	}
	trimmed := strings.TrimSpace(line)
	switch {
	case s.inBlock && trimmed == s.end:
		s.found = true
		s.inBlock = false
		return true
	case s.inBlock:
		if len(s.buf) < blockCap {
			s.buf = append(s.buf, line...)
			s.buf = append(s.buf, '\n')
			if len(s.buf) > blockCap {
				s.buf = s.buf[:blockCap]
			}
		}
		return false
	case trimmed == s.begin:
		s.inBlock = true
		return false
	}
	return false
}

// Found reports whether a complete block has been committed.
func (s *Scanner) Found() bool {
	return s.found
}

// Result returns the committed block body without the trailing newline,
// or "" when no block completed.
func (s *Scanner) Result() string {
	if !s.found {
		return ""
	}
	return strings.TrimSuffix(string(s.buf), "\n")
}

// ExtractPhaseResult scans a complete agent output once. It is the
// post-run fallback for phases whose streaming scanner never fired;
// returns "" when the output carries no block.
func ExtractPhaseResult(output string) string {
	s := NewScanner()
	for _, line := range strings.Split(output, "\n") {
		if s.Feed(line) {
			break
		}
	}
	return s.Result()
}
