// Package report renders manager status snapshots and journal history.
//
// Three writers implement the Writer interface:
//   - SimpleWriter: plain text for a terminal
//   - MarkdownWriter: GitHub flavored Markdown with a mermaid chart
//   - JSONWriter: JSON for scripts and monitoring
//
// Design decision: writers only read manager.Status and journal.Entry. They
// never query the daemon, so a snapshot is rendered the same way in every
// format.
package report
