package terminal

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	cursorRightSeq = regexp.MustCompile(`\x1b\[(\d*)C`)
	csiSeq         = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscSeq         = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	charsetSeq     = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
)

// Normalize converts one line of raw PTY output into visually equivalent
// plain text. Cursor-right movement is expanded to literal spaces before
// anything else is stripped; the agent's terminal UI encodes alignment
// whitespace as cursor movement, and generic stripping would destroy it.
// No color interpretation, no cursor tracking.
func Normalize(line string) string {
	line = cursorRightSeq.ReplaceAllStringFunc(line, func(seq string) string {
		n := 1
		if m := cursorRightSeq.FindStringSubmatch(seq); m[1] != "" {
			if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
				n = v
			}
		}
		return strings.Repeat(" ", n)
	})
	line = oscSeq.ReplaceAllString(line, "")
	line = csiSeq.ReplaceAllString(line, "")
	line = charsetSeq.ReplaceAllString(line, "")
	return strings.ReplaceAll(line, "\r", "")
}
