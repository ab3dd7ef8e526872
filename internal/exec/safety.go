// Package exec supervises subprocess execution: foreground runs with
// deadline escalation, background tasks with retained output, and a pool of
// persistent shell sessions.
package exec

import (
	"fmt"
	"regexp"
	"strings"
)

// DangerError is returned when a command matches the danger list. The
// command is rejected before any process is spawned.
type DangerError struct {
	Pattern string
	Reason  string
}

func (e *DangerError) Error() string {
	return fmt.Sprintf("command rejected: %s", e.Reason)
}

type dangerRule struct {
	re     *regexp.Regexp
	reason string
}

// The default danger list targets catastrophic commands only. Policy-level
// restrictions belong to the permission gate, not here.
var defaultDangerRules = []dangerRule{
	{
		re:     regexp.MustCompile(`(?:^|[;&|]\s*)rm\s+(?:-[a-zA-Z]*\s+)*-[a-zA-Z]*[rR][a-zA-Z]*\s+(?:--no-preserve-root\s+)?/\s*(?:$|[;&|#])`),
		reason: "recursive removal of the filesystem root",
	},
	{
		re:     regexp.MustCompile(`rm\s+.*--no-preserve-root`),
		reason: "recursive removal of the filesystem root",
	},
	{
		re:     regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		reason: "fork bomb",
	},
	{
		re:     regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\s+(/dev/|-)`),
		reason: "filesystem format of a block device",
	},
	{
		re:     regexp.MustCompile(`\bdd\s+[^;|&]*\bof=/dev/(sd|hd|vd|nvme|mmcblk)`),
		reason: "raw write to a block device",
	},
	{
		re:     regexp.MustCompile(`>\s*/dev/(sd|hd|vd|nvme|mmcblk)`),
		reason: "raw write to a block device",
	},
	{
		re:     regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]*R[a-zA-Z]*\s+)+[0-7]{3,4}\s+/\s*(?:$|[;&|#])`),
		reason: "recursive permission change on the filesystem root",
	},
}

// DangerList validates commands against catastrophic patterns. Additional
// rules can be appended by configuration.
type DangerList struct {
	rules []dangerRule
}

// DefaultDangerList returns the built-in rules.
func DefaultDangerList() *DangerList {
	return &DangerList{rules: defaultDangerRules}
}

// Add appends a configured pattern. Invalid patterns are rejected.
func (d *DangerList) Add(pattern, reason string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("danger pattern %q: %w", pattern, err)
	}
	d.rules = append(d.rules, dangerRule{re: re, reason: reason})
	return nil
}

// Check returns a *DangerError when the command matches any rule.
func (d *DangerList) Check(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("command is empty")
	}
	for _, rule := range d.rules {
		if rule.re.MatchString(trimmed) {
			return &DangerError{Pattern: rule.re.String(), Reason: rule.reason}
		}
	}
	return nil
}
