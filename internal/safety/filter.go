// Package safety provides instant-command filtering, confirmation tokens, and
// audit logging for operations that can cut power to the protected load.
package safety

import (
	"path/filepath"
	"strings"
)

// Filter controls which UPS instant commands may be issued, using an
// allowlist and a denylist of glob patterns (as understood by filepath.Match).
//
// Rules:
//   - If both lists are empty (or nil), every command is allowed.
//   - Denylist always takes priority over the allowlist.
//   - If a non-empty allowlist is present, a command must match at least one
//     allowlist pattern to be permitted.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// IsAllowed reports whether name is permitted by this filter.
func (f *Filter) IsAllowed(name string) bool {
	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}

	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob returns true when name matches the given glob pattern.
// Malformed patterns never match.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}

// destructiveCommands are instant-command patterns that can drop or disturb
// the protected load.
var destructiveCommands = []string{
	"shutdown.*",
	"load.off*",
	"load.on*",
	"calibrate.*",
	"reset.*",
	"bypass.start",
	"outlet.*.off",
	"outlet.*.shutdown.return",
}

// IsDestructiveCommand reports whether a NUT instant command needs operator
// confirmation before it is sent.
func IsDestructiveCommand(command string) bool {
	command = strings.TrimSpace(command)
	for _, pattern := range destructiveCommands {
		if matchGlob(pattern, command) {
			return true
		}
	}
	return false
}
