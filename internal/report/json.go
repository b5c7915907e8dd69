package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
)

// JSONWriter outputs reports in JSON for scripts and other tools.
//
// Design decision: encoding/json from the standard library. The snapshot
// types already carry json tags and nothing here needs streaming or
// custom codecs.
type JSONWriter struct {
	baseWriter

	indent       bool
	indentPrefix string
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables indented output with the given prefix and indent.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint is WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter; output is compact unless an indent
// option is given.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// statusDocument adds fields derived from the snapshot.
type statusDocument struct {
	*manager.Status
	Uptime        string         `json:"uptime,omitempty"`
	CircuitCounts map[string]int `json:"circuitCounts,omitempty"`
}

// WriteStatus writes the snapshot with circuit counts and uptime.
func (w *JSONWriter) WriteStatus(s *manager.Status) (int, error) {
	doc := statusDocument{Status: s}
	if up := s.Stats.Uptime(s.GeneratedAt); up > 0 && s.State.Running() {
		doc.Uptime = up.Round(time.Second).String()
	}
	if len(s.Circuits) > 0 {
		doc.CircuitCounts = s.CircuitCounts()
	}
	return w.writeJSON(doc)
}

// historyEntry is the JSON form of a journal entry. The event already
// carries name and time.
type historyEntry struct {
	ID      int64         `json:"id"`
	Summary string        `json:"summary"`
	Event   manager.Event `json:"event"`
}

// WriteHistory writes the entries as a JSON array; no entries is [].
func (w *JSONWriter) WriteHistory(entries []journal.Entry) (int, error) {
	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{ID: e.ID, Summary: e.Summary, Event: e.Event}
	}
	return w.writeJSON(out)
}

func (w *JSONWriter) writeJSON(v any) (int, error) {
	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')
	return w.output.Write(data)
}
