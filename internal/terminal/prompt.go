package terminal

import (
	"fmt"
	"regexp"
)

// defaultPromptPatterns covers the prompt shapes the agent's terminal UI
// currently renders: a selector marker (or plain ">") in front of a choice
// word, and a handful of natural-language lead-ins. The shapes are
// heuristic; a miss means the line shows up as plain text, which is safe.
var defaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*[❯>]\s*(?:\d+[.)]\s*)?(yes|no|allow|deny|cancel)\b`),
	regexp.MustCompile(`(?i)^\s*do you want to\b`),
	regexp.MustCompile(`(?i)^\s*would you like to\b`),
	regexp.MustCompile(`(?i)^\s*do you trust\b`),
	regexp.MustCompile(`(?i)^\s*allow this\b`),
	regexp.MustCompile(`(?i)^\s*grant permission\b`),
}

// Detector decides whether a normalized output line is an interactive
// permission prompt waiting for a typed answer.
type Detector struct {
	patterns []*regexp.Regexp
}

// NewDetector builds a detector from the built-in pattern set plus any
// extra regexes from config. The agent's prompt wording changes between
// releases, so operators can patch the list without a rebuild.
func NewDetector(extra ...string) (*Detector, error) {
	patterns := append([]*regexp.Regexp(nil), defaultPromptPatterns...)
	for _, p := range extra {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("prompt pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Detector{patterns: patterns}, nil
}

func (d *Detector) Match(line string) bool {
	for _, re := range d.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
