package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// printer writes command output. Headers are coloured when the output is a
// terminal; the JSON bodies stay plain so they can be piped.
type printer struct {
	w io.Writer

	header  *color.Color
	label   *color.Color
	version *color.Color
	removed *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:       w,
		header:  color.New(color.FgCyan, color.Bold),
		label:   color.New(color.FgYellow),
		version: color.New(color.FgGreen),
		removed: color.New(color.FgRed),
	}
}

func (p *printer) document(id shadow.Identity, doc *shadow.Document) error {
	fmt.Fprintf(p.w, "%s %s at %s\n",
		p.header.Sprint(id.String()),
		p.version.Sprintf("version %d", doc.Version),
		formatTimestamp(doc.Timestamp),
	)

	for _, section := range []string{"desired", "reported", "delta"} {
		state, ok := doc.State[section]
		if !ok {
			continue
		}
		fmt.Fprintln(p.w, p.label.Sprint(section+":"))
		if err := p.json(state); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) delta(id shadow.Identity, doc *shadow.Document) error {
	fmt.Fprintf(p.w, "%s %s\n",
		p.header.Sprint("delta "+id.String()),
		p.version.Sprintf("version %d", doc.Version),
	)
	return p.json(doc.State)
}

func (p *printer) documents(id shadow.Identity, update *shadow.DocumentsUpdate) error {
	line := p.header.Sprint("documents " + id.String())
	if update.Previous != nil {
		line += fmt.Sprintf(" %d ->", update.Previous.Version)
	}
	if update.Current == nil {
		fmt.Fprintln(p.w, line)
		return nil
	}
	fmt.Fprintln(p.w, line+" "+p.version.Sprintf("version %d", update.Current.Version))
	return p.json(update.Current.State)
}

func (p *printer) deleted(id shadow.Identity) {
	fmt.Fprintln(p.w, p.removed.Sprint("deleted "+id.String()))
}

func (p *printer) watching(id shadow.Identity) {
	fmt.Fprintln(p.w, p.label.Sprintf("watching %s, interrupt to stop", id))
}

func (p *printer) migrations(applied []database.MigrationRecord, pending []database.Migration) {
	fmt.Fprintln(p.w, p.label.Sprint("applied:"))
	if len(applied) == 0 {
		fmt.Fprintln(p.w, "  none")
	}
	for _, m := range applied {
		fmt.Fprintf(p.w, "  %s  %s\n", p.version.Sprint(m.Version), m.AppliedAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintln(p.w, p.label.Sprint("pending:"))
	if len(pending) == 0 {
		fmt.Fprintln(p.w, "  none")
	}
	for _, m := range pending {
		fmt.Fprintf(p.w, "  %s  %s\n", p.header.Sprint(m.Version), m.Name)
	}
}

func (p *printer) migrated(n int) {
	fmt.Fprintln(p.w, p.version.Sprintf("applied %d migration(s)", n))
}

func (p *printer) rolledBack(version string) {
	fmt.Fprintln(p.w, p.removed.Sprint("rolled back "+version))
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}

// formatTimestamp renders the service's epoch-seconds timestamps.
func formatTimestamp(ts uint64) string {
	if ts == 0 {
		return "unknown time"
	}
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339) //nolint:gosec // Epoch seconds fit in int64
}
