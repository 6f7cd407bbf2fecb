package agentrt

import "regexp"

// HeavyBashPattern is one entry in the heavy-Bash deny-list: a human label
// plus the regexp it matches against a shell command string. The list is
// host policy, kept as data rather than scattered code so it stays
// testable.
type HeavyBashPattern struct {
	Label   string
	Pattern *regexp.Regexp
}

// DefaultHeavyBashDenyList covers recursive repository-wide commands:
// monorepo-wide builds, full-tree lints/tests, large find/grep sweeps, and
// recursive permission/delete sweeps on the repo root. Enforced inside the worker's tool-permission
// callback for non-superadmin requests only.
var DefaultHeavyBashDenyList = []HeavyBashPattern{
	{Label: "repo-wide find/grep sweep", Pattern: regexp.MustCompile(`(?i)\b(find|grep|rg)\b[^|&;]*\s(/|\.\.?/?)(\s|$)`)},
	{Label: "monorepo-wide build", Pattern: regexp.MustCompile(`(?i)\b(npm|yarn|pnpm)\s+run\s+build\b.*--workspaces?\b|turbo\s+run\b|nx\s+run-many\b`)},
	{Label: "full-tree test/lint sweep", Pattern: regexp.MustCompile(`(?i)\b(go\s+test|pytest|eslint|golangci-lint)\b[^|&;]*\.\.\.(?:\s|$)|--all(?:-projects|-packages)?\b`)},
	{Label: "recursive chmod/chown/rm on repo root", Pattern: regexp.MustCompile(`(?i)\b(chmod|chown|rm)\s+(-\w*[rR]\w*\s+)+(\S+\s+)?(/|\.\.?)(\s|$)`)},
}

// IsHeavyBashCommand reports whether command matches any pattern in list,
// returning the first matching label for diagnostics.
func IsHeavyBashCommand(command string, list []HeavyBashPattern) (string, bool) {
	for _, p := range list {
		if p.Pattern.MatchString(command) {
			return p.Label, true
		}
	}
	return "", false
}
