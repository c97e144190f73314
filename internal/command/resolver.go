// Package command resolves slash commands against file-based prompt
// templates, so the agent subprocess needs no plugin installed: the full
// prompt text is sent instead of the short command.
package command

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

const frontmatterDelim = "---"

// argsPlaceholder, when present in a template body, is replaced by the
// user's trailing argument text instead of appending it at the end. This
// matches the substitution the agent's own command files use.
const argsPlaceholder = "$ARGUMENTS"

type Resolver struct {
	dir string
}

func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve expands "/name trailing args" using <dir>/<name>.md. Anything
// that is not a slash command passes through unchanged, as does a slash
// command with no template file (logged, so a typo is visible).
func (r *Resolver) Resolve(command string) string {
	if !strings.HasPrefix(command, "/") {
		return command
	}

	name, args, _ := strings.Cut(command[1:], " ")
	args = strings.TrimSpace(args)

	data, err := os.ReadFile(filepath.Join(r.dir, name+".md"))
	if err != nil {
		log.Printf("no command template for /%s, passing raw command through", name)
		return command
	}

	body := stripFrontmatter(string(data))
	if args == "" {
		return body
	}
	if strings.Contains(body, argsPlaceholder) {
		return strings.ReplaceAll(body, argsPlaceholder, args)
	}
	return body + "\n\n---\n\nUser's request: " + args
}

// stripFrontmatter removes a leading metadata block delimited by "---" on
// its own line at the top of the file and again further down. A file with
// no opening delimiter, or with an unterminated block, is returned whole.
func stripFrontmatter(content string) string {
	first, rest, found := strings.Cut(content, "\n")
	if !found || strings.TrimRight(first, "\r ") != frontmatterDelim {
		return strings.TrimSpace(content)
	}

	for {
		line, tail, more := strings.Cut(rest, "\n")
		if strings.TrimRight(line, "\r ") == frontmatterDelim {
			return strings.TrimSpace(tail)
		}
		if !more {
			return strings.TrimSpace(content)
		}
		rest = tail
	}
}
