package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/3leaps/gamesync/pkg/pipeline"
	"github.com/3leaps/gamesync/pkg/runregistry"
)

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

// renderSummary prints the end-of-run summary.
func renderSummary(w io.Writer, s *pipeline.Summary) {
	tw := newTable(w)
	tw.SetTitle("Run " + s.RunID)
	tw.AppendRows([]table.Row{
		{"Job", s.Job},
		{"Scope", s.Scope},
		{"State", s.State},
		{"Enumerated", s.Enumerated},
		{"Already done", s.AlreadyDone},
		{"Pending", s.Pending},
		{"Completed", s.Completed},
		{"Failed", len(s.Failed)},
		{"Retries", s.Retries},
		{"Duration", s.Duration.Round(time.Millisecond)},
	})
	tw.Render()

	if len(s.Rows) > 0 || len(s.Deduplicated) > 0 {
		ot := newTable(w)
		ot.AppendHeader(table.Row{"Output", "Rows appended", "Duplicates removed"})
		for _, name := range unionKeys(s.Rows, s.Deduplicated) {
			ot.AppendRow(table.Row{name, s.Rows[name], s.Deduplicated[name]})
		}
		ot.Render()
	}

	if len(s.Failed) > 0 {
		_, _ = fmt.Fprintf(w, "Failed identifiers: %s\n", strings.Join(s.Failed, ", "))
	}
	for _, d := range s.Divergence {
		if d.Clean() {
			continue
		}
		_, _ = fmt.Fprintf(w, "Divergence in %s: %d ledgered but missing from sink, %d in sink but not ledgered\n",
			d.Output, len(d.MissingFromSink), len(d.NotLedgered))
	}
	for _, p := range s.Published {
		_, _ = fmt.Fprintf(w, "Published %s -> %s (%d bytes)\n", p.Path, p.Key, p.Bytes)
	}
}

func renderPlan(w io.Writer, j *job, p *pipeline.Plan) {
	tw := newTable(w)
	tw.SetTitle("Plan (dry-run)")
	tw.AppendRows([]table.Row{
		{"Job", j.m.Job},
		{"Scope", j.scope},
		{"Enumerated", p.Enumerated},
		{"Already done", p.AlreadyDone},
		{"Pending", len(p.Pending)},
		{"Batches", len(p.Batches)},
		{"Chunk size", j.m.Schedule.ChunkSize},
		{"Ledger", j.m.LedgerPath(j.scope)},
	})
	tw.Render()

	ot := newTable(w)
	ot.AppendHeader(table.Row{"Output", "Source", "Path", "Key", "Merge"})
	for _, o := range j.outputs() {
		merge := ""
		if o.Merge != nil {
			merge = o.Merge.JoinKey + " <- " + strings.Join(o.Merge.KeepColumns, ",")
		}
		ot.AppendRow(table.Row{o.Table.Name, o.Source, o.Table.Path, strings.Join(o.Table.Key, "+"), merge})
	}
	ot.Render()
}

func renderRuns(w io.Writer, runs []runregistry.RunRecord) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Run ID", "Job", "Scope", "State", "Phase", "Completed", "Failed", "Started"})
	for _, r := range runs {
		started := ""
		if r.StartedAt != nil {
			started = r.StartedAt.Local().Format(time.DateTime)
		}
		tw.AppendRow(table.Row{r.RunID, r.Job, r.Scope, r.State, r.Phase, r.Completed, len(r.Failed), started})
	}
	tw.Render()
}

func renderRun(w io.Writer, r *runregistry.RunRecord) {
	tw := newTable(w)
	tw.SetTitle("Run " + r.RunID)
	rows := []table.Row{
		{"Job", r.Job},
		{"Scope", r.Scope},
		{"State", r.State},
		{"Phase", r.Phase},
		{"Manifest", r.ManifestPath},
		{"PID", r.PID},
		{"Enumerated", r.Enumerated},
		{"Already done", r.AlreadyDone},
		{"Pending", r.Pending},
		{"Completed", r.Completed},
		{"Failed", strings.Join(r.Failed, ", ")},
		{"Retries", r.Retries},
	}
	if r.StartedAt != nil {
		rows = append(rows, table.Row{"Started", r.StartedAt.Local().Format(time.DateTime)})
	}
	if r.EndedAt != nil {
		rows = append(rows, table.Row{"Ended", r.EndedAt.Local().Format(time.DateTime)})
	}
	if r.EventsPath != "" {
		rows = append(rows, table.Row{"Events", r.EventsPath})
	}
	if r.Error != "" {
		rows = append(rows, table.Row{"Error", r.Error})
	}
	tw.AppendRows(rows)
	tw.Render()
}

func unionKeys(maps ...map[string]int) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
