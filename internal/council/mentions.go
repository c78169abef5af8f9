package council

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kingdom-dev/kingdom/internal/kderr"
	"github.com/kingdom-dev/kingdom/internal/thread"
)

var mentionRe = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9][\w-]*)`)

// stripFencedCode removes fenced code blocks so mentions inside example
// snippets never address the council.
func stripFencedCode(prompt string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// ExtractMentions returns the @name tokens of a prompt, in order of first
// appearance, ignoring fenced code. "@all" is returned as the literal
// sentinel.
func ExtractMentions(prompt string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range mentionRe.FindAllStringSubmatch(stripFencedCode(prompt), -1) {
		name := match[2]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ResolveTargets computes the member set a king message addresses.
// Mentions in the prompt override the to argument; unknown names fail
// before anything is spawned.
func ResolveTargets(prompt, to string, members []string) ([]string, error) {
	known := make(map[string]bool, len(members))
	for _, m := range members {
		known[m] = true
	}

	mentions := ExtractMentions(prompt)
	if len(mentions) > 0 {
		var out []string
		for _, name := range mentions {
			if name == thread.ToAll {
				return append([]string(nil), members...), nil
			}
			if !known[name] {
				return nil, fmt.Errorf("unknown council member @%s (members: %s): %w",
					name, strings.Join(members, ", "), kderr.ErrNotFound)
			}
			out = append(out, name)
		}
		return out, nil
	}

	if to == "" || to == thread.ToAll {
		return append([]string(nil), members...), nil
	}
	for _, name := range strings.Split(to, ",") {
		name = strings.TrimSpace(name)
		if name != "" && !known[name] {
			return nil, fmt.Errorf("unknown council member %q (members: %s): %w",
				name, strings.Join(members, ", "), kderr.ErrNotFound)
		}
	}
	var out []string
	for _, name := range strings.Split(to, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}
