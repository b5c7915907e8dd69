package report

import (
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
)

// MarkdownWriter outputs GitHub flavored Markdown, for pasting a status into
// an issue or a runbook.
//
// Design decision: nao1215/markdown builds tables, alerts and the mermaid
// chart, so no escaping is hand-rolled here.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{baseWriter: newBaseWriter(output)}
}

// WriteStatus outputs the snapshot.
func (w *MarkdownWriter) WriteStatus(s *manager.Status) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, s)
	w.writeAlert(md, s)
	w.writeCircuits(md, s)
	w.writeRouting(md, s)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s *manager.Status) {
	md.H1("Tor Status")
	md.PlainText("")

	rows := [][]string{
		{"State", stateText(s.State)},
		{"SOCKS proxy", "`" + s.ProxyRules + "`"},
		{"Control port", "`" + s.ControlAddress + "`"},
		{"Version", orDash(s.Version)},
		{"Bootstrap", strconv.Itoa(s.Bootstrap) + "%"},
		{"Circuit established", strconv.FormatBool(s.CircuitEstablished)},
		{"Identity changes", strconv.Itoa(s.Stats.CircuitChanges)},
		{"Connection errors", strconv.Itoa(s.Stats.ConnectionErrors)},
	}
	if s.PID > 0 {
		rows = append(rows, []string{"PID", strconv.Itoa(s.PID)})
	}
	if up := s.Stats.Uptime(s.GeneratedAt); up > 0 && s.State.Running() {
		rows = append(rows, []string{"Uptime", up.Round(time.Second).String()})
	}
	rows = append(rows, []string{"Generated", s.GeneratedAt.Format("2006-01-02 15:04:05 MST")})

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func stateText(st manager.State) string {
	switch st {
	case manager.StateConnected:
		return "✅ connected"
	case manager.StateError:
		return "❌ error"
	case manager.StateStopped:
		return "⏹️ stopped"
	default:
		return "⏳ " + string(st)
	}
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, s *manager.Status) {
	switch {
	case s.State == manager.StateError:
		md.Cautionf("The manager is in the error state. Stop it before starting again.")
	case s.ControlError != "":
		md.Warningf("Control port query failed: %s", s.ControlError)
	case s.State == manager.StateConnected && !s.CircuitEstablished && s.Version != "":
		md.Importantf("Connected, but the daemon reports no established circuit yet.")
	case s.State == manager.StateConnected:
		md.Tip("Connected. Traffic sent to the SOCKS proxy is routed through Tor.")
	default:
		md.Note("Not connected.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeCircuits(md *markdown.Markdown, s *manager.Status) {
	md.H2("Circuits")
	md.PlainText("")

	if len(s.Circuits) == 0 {
		md.PlainText("No circuits reported.")
		md.PlainText("")
		return
	}

	w.writePieChart(md, s)

	rows := make([][]string, len(s.Circuits))
	for i, c := range s.Circuits {
		rows[i] = []string{
			c.ID,
			c.Status,
			strconv.Itoa(c.NodeCount()),
			truncateString(relayPath(c), 60),
			orDash(c.Purpose),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"ID", "Status", "Hops", "Path", "Purpose"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writePieChart writes a mermaid pie chart of circuits per status.
func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, s *manager.Status) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Circuit Status"),
		piechart.WithShowData(true),
	)

	counts := s.CircuitCounts()
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	slices.Sort(statuses)
	for _, st := range statuses {
		chart.LabelAndIntValue(st, uint64(counts[st])) //nolint:gosec // counts are positive
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeRouting(md *markdown.Markdown, s *manager.Status) {
	md.H2("Routing")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Setting", "Value"},
		Rows: [][]string{
			{"Exit countries", orDash(strings.Join(s.ExitPolicy.Exit, ", "))},
			{"Excluded exits", orDash(strings.Join(s.ExitPolicy.Exclude, ", "))},
			{"Entry countries", orDash(strings.Join(s.ExitPolicy.Entry, ", "))},
			{"Transport", string(s.Transport)},
			{"Bridges", strconv.Itoa(len(s.Bridges))},
			{"Isolation", string(s.IsolationMode) + " (" + strconv.Itoa(len(s.IsolationSlots)) + " bound)"},
		},
	})
	md.PlainText("")

	if len(s.Bridges) > 0 {
		items := make([]string, len(s.Bridges))
		for i, b := range s.Bridges {
			items[i] = string(b.Transport) + " `" + bridgeAddress(b) + "`"
		}
		md.BulletList(items...)
		md.PlainText("")
	}
}

func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainText("*Generated by torctl*")
}

// WriteHistory outputs the entries as a table.
func (w *MarkdownWriter) WriteHistory(entries []journal.Entry) (int, error) {
	md := markdown.NewMarkdown(w.output)
	md.H1("Event History")
	md.PlainText("")

	if len(entries) == 0 {
		md.PlainText("No journal entries.")
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			e.Time.Local().Format("2006-01-02 15:04:05"),
			string(e.Name),
			e.Summary,
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Time", "Event", "Summary"},
		Rows:   rows,
	})
	return len(md.String()), md.Build()
}
