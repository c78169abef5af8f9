package agent

import (
	"os"
	"strings"
)

// baseNestedMarkers are env vars stripped for every backend. CLAUDECODE is
// set inside Claude Code sessions and makes a spawned claude CLI refuse to
// run; peasants are routinely spawned from such sessions.
var baseNestedMarkers = []string{"CLAUDECODE"}

// SanitizedEnv copies the parent environment minus the nested-session
// markers, so agent subprocesses never believe they are running inside
// another agent session. extra lists adapter-specific markers.
func SanitizedEnv(extra []string) []string {
	strip := make(map[string]bool, len(baseNestedMarkers)+len(extra))
	for _, k := range baseNestedMarkers {
		strip[k] = true
	}
	for _, k := range extra {
		strip[k] = true
	}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if strip[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}
