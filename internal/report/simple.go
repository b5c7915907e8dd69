package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/torctl/internal/journal"
	"github.com/nao1215/torctl/internal/manager"
)

const ruleWidth = 70

// SimpleWriter outputs plain text for a terminal.
//
// Design decision: ASCII section rules and no ANSI colors, so the output
// reads the same in a pipe, a file or a bug report.
type SimpleWriter struct {
	baseWriter

	// showEmpty prints sections that have nothing to show.
	showEmpty bool
	// verbose adds circuit flags and isolation slots.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithShowEmpty prints sections that have nothing to show.
func WithShowEmpty(show bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.showEmpty = show
	}
}

// WithVerbose adds circuit flags and isolation slots.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteStatus outputs the snapshot.
func (w *SimpleWriter) WriteStatus(s *manager.Status) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, s)
	w.writeDaemon(&sb, s)
	w.writeCircuits(&sb, s)
	w.writeRouting(&sb, s)

	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n")
	return io.WriteString(w.output, sb.String())
}

func section(sb *strings.Builder, title string) {
	sb.WriteString(strings.Repeat("-", ruleWidth))
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", ruleWidth))
	sb.WriteString("\n\n")
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, s *manager.Status) {
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n")
	sb.WriteString("                            TOR STATUS\n")
	sb.WriteString(strings.Repeat("=", ruleWidth))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "State:          %s\n", s.State)
	if s.PID > 0 {
		fmt.Fprintf(sb, "PID:            %d\n", s.PID)
	}
	fmt.Fprintf(sb, "SOCKS proxy:    %s\n", s.ProxyRules)
	fmt.Fprintf(sb, "Control port:   %s\n", s.ControlAddress)
	if up := s.Stats.Uptime(s.GeneratedAt); up > 0 && s.State.Running() {
		fmt.Fprintf(sb, "Uptime:         %s\n", up.Round(time.Second))
	}
	fmt.Fprintf(sb, "Generated:      %s\n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeDaemon(sb *strings.Builder, s *manager.Status) {
	section(sb, "DAEMON")

	auth := "no"
	if s.Authenticated {
		auth = "yes"
	}
	fmt.Fprintf(sb, "  Authenticated:       %s\n", auth)
	if s.ControlError != "" {
		fmt.Fprintf(sb, "  Control error:       %s\n", s.ControlError)
	}
	fmt.Fprintf(sb, "  Version:             %s\n", orDash(s.Version))
	fmt.Fprintf(sb, "  Bootstrap:           %d%%", s.Bootstrap)
	if s.BootstrapPhase != "" {
		fmt.Fprintf(sb, " (%s)", s.BootstrapPhase)
	}
	sb.WriteString("\n")
	fmt.Fprintf(sb, "  Circuit established: %t\n", s.CircuitEstablished)
	fmt.Fprintf(sb, "  Identity changes:    %d\n", s.Stats.CircuitChanges)
	fmt.Fprintf(sb, "  Connection errors:   %d\n", s.Stats.ConnectionErrors)
	if s.Stats.BootstrapDuration > 0 {
		fmt.Fprintf(sb, "  Bootstrap took:      %s\n", s.Stats.BootstrapDuration.Round(time.Millisecond))
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeCircuits(sb *strings.Builder, s *manager.Status) {
	if len(s.Circuits) == 0 && !w.showEmpty {
		return
	}
	section(sb, "CIRCUITS")

	if len(s.Circuits) == 0 {
		sb.WriteString("  No circuits\n\n")
		return
	}

	counts := s.CircuitCounts()
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	slices.Sort(statuses)
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = fmt.Sprintf("%s=%d", st, counts[st])
	}
	fmt.Fprintf(sb, "  %d circuits: %s\n\n", len(s.Circuits), strings.Join(parts, " "))

	for _, c := range s.Circuits {
		fmt.Fprintf(sb, "  [%s] %-9s %s\n", c.ID, c.Status, relayPath(c))
		if w.verbose {
			if c.Purpose != "" {
				fmt.Fprintf(sb, "        purpose: %s\n", c.Purpose)
			}
			if len(c.BuildFlags) > 0 {
				fmt.Fprintf(sb, "        flags:   %s\n", strings.Join(c.BuildFlags, ","))
			}
		}
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeRouting(sb *strings.Builder, s *manager.Status) {
	section(sb, "ROUTING")

	fmt.Fprintf(sb, "  Exit countries:      %s\n", orDash(strings.Join(s.ExitPolicy.Exit, ",")))
	fmt.Fprintf(sb, "  Excluded exits:      %s\n", orDash(strings.Join(s.ExitPolicy.Exclude, ",")))
	fmt.Fprintf(sb, "  Entry countries:     %s\n", orDash(strings.Join(s.ExitPolicy.Entry, ",")))
	fmt.Fprintf(sb, "  Transport:           %s\n", s.Transport)
	fmt.Fprintf(sb, "  Bridges:             %d\n", len(s.Bridges))
	for _, b := range s.Bridges {
		fmt.Fprintf(sb, "    [+] %s %s\n", b.Transport, bridgeAddress(b))
	}
	fmt.Fprintf(sb, "  Isolation:           %s (%d bound)\n", s.IsolationMode, len(s.IsolationSlots))
	if w.verbose {
		for _, slot := range s.IsolationSlots {
			fmt.Fprintf(sb, "    %-30s -> %d\n", truncateString(slot.Key, 30), slot.Port)
		}
	}
	sb.WriteString("\n")
}

// WriteHistory prints one line per entry.
func (w *SimpleWriter) WriteHistory(entries []journal.Entry) (int, error) {
	if len(entries) == 0 {
		return io.WriteString(w.output, "No journal entries.\n")
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s  %-14s %s\n", e.Time.Local().Format("2006-01-02 15:04:05"), e.Name, e.Summary)
	}
	return io.WriteString(w.output, sb.String())
}
