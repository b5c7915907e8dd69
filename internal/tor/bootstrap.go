package tor

import (
	"regexp"
	"strconv"
	"strings"
)

// BootstrapStatus is one progress marker emitted by the daemon during startup.
type BootstrapStatus struct {
	// Progress is the percentage, 0 to 100.
	Progress int
	// Tag is the machine-readable phase, e.g. "requesting_descriptors". Empty on old daemons.
	Tag string
	// Summary is the human-readable phase description.
	Summary string
}

// Done reports whether bootstrap is complete.
func (s BootstrapStatus) Done() bool {
	return s.Progress >= 100
}

// Phase returns the tag when present, otherwise the summary.
func (s BootstrapStatus) Phase() string {
	if s.Tag != "" {
		return s.Tag
	}
	return s.Summary
}

// bootstrapLine matches log lines such as
// "[notice] Bootstrapped 45% (requesting_descriptors): Asking for relay descriptors"
// and the older "[notice] Bootstrapped 45%: Asking for relay descriptors".
var bootstrapLine = regexp.MustCompile(`Bootstrapped (\d{1,3})%(?: \(([^)]*)\))?:?\s*(.*)$`)

// ParseBootstrapLine extracts a BootstrapStatus from a daemon log line.
func ParseBootstrapLine(line string) (BootstrapStatus, bool) {
	m := bootstrapLine.FindStringSubmatch(line)
	if m == nil {
		return BootstrapStatus{}, false
	}
	progress, err := strconv.Atoi(m[1])
	if err != nil || progress > 100 {
		return BootstrapStatus{}, false
	}
	return BootstrapStatus{
		Progress: progress,
		Tag:      m[2],
		Summary:  strings.TrimSpace(m[3]),
	}, true
}

// ParseBootstrapPhase extracts progress from a "status/bootstrap-phase" value
// such as `NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`.
func ParseBootstrapPhase(value string) (BootstrapStatus, bool) {
	var status BootstrapStatus
	found := false
	for _, field := range splitQuoted(value) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "PROGRESS":
			p, err := strconv.Atoi(val)
			if err != nil {
				return BootstrapStatus{}, false
			}
			status.Progress = p
			found = true
		case "TAG":
			status.Tag = val
		case "SUMMARY":
			status.Summary = strings.Trim(val, `"`)
		}
	}
	return status, found
}

// splitQuoted splits on spaces outside double quotes.
func splitQuoted(s string) []string {
	var (
		fields []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == ' ' && !quoted:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}
