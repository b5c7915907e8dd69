package report

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
	"github.com/nao1215/torctl/internal/tor"
)

// Writer renders manager snapshots and journal history.
//
// Design decision: an interface so the CLI picks a format once and the
// commands stay format-agnostic.
type Writer interface {
	// WriteStatus outputs a status snapshot.
	WriteStatus(s *manager.Status) (int, error)

	// WriteHistory outputs journal entries in the order given.
	WriteHistory(entries []journal.Entry) (int, error)
}

// Format names an output format.
type Format string

// Supported formats.
const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ErrUnknownFormat is returned by New for a format it does not know.
var ErrUnknownFormat = errors.New("unknown report format")

// New returns the writer for format. JSON output is pretty-printed.
func New(format Format, output io.Writer) (Writer, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatText, "":
		return NewSimpleWriter(output), nil
	case FormatMarkdown, "md":
		return NewMarkdownWriter(output), nil
	case FormatJSON:
		return NewJSONWriter(output, WithPrettyPrint()), nil
	default:
		return nil, fmt.Errorf("%w %q: use text, markdown or json", ErrUnknownFormat, format)
	}
}

// MultiWriter writes to multiple Writers, e.g. terminal and file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// WriteStatus writes to every writer and stops on the first error.
func (m *MultiWriter) WriteStatus(s *manager.Status) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteStatus(s)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteHistory writes to every writer and stops on the first error.
func (m *MultiWriter) WriteHistory(entries []journal.Entry) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.WriteHistory(entries)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// relayPath renders a circuit path by nickname, falling back to a shortened
// fingerprint.
func relayPath(c tor.Circuit) string {
	relays := c.Relays()
	names := make([]string, len(relays))
	for i, r := range relays {
		switch {
		case r.Nickname != "":
			names[i] = r.Nickname
		case len(r.Fingerprint) > 8:
			names[i] = "$" + r.Fingerprint[:8]
		default:
			names[i] = "$" + r.Fingerprint
		}
	}
	return strings.Join(names, " > ")
}

// bridgeAddress returns the address of a bridge line without its
// fingerprint and parameters.
func bridgeAddress(b tor.Bridge) string {
	fields := strings.Fields(b.Line)
	if len(fields) == 0 {
		return ""
	}
	if b.Transport == tor.TransportVanilla || len(fields) == 1 {
		return fields[0]
	}
	return fields[1]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
