package pipeline

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/3leaps/gamesync/pkg/ledger"
	"github.com/3leaps/gamesync/pkg/record"
	"github.com/3leaps/gamesync/pkg/sink"
)

// Divergence reports how one sink disagrees with the ledger.
type Divergence struct {
	Output string `json:"output"`

	// MissingFromSink are ledgered identifiers with no row in the sink.
	MissingFromSink []string `json:"missing_from_sink,omitempty"`

	// NotLedgered are identifiers with rows in the sink but no ledger entry,
	// typically left by a crash between sink flush and ledger append.
	NotLedgered []string `json:"not_ledgered,omitempty"`

	// Skipped is set when the sink has no identifier column.
	Skipped bool `json:"skipped,omitempty"`
}

// Clean reports whether the sink agrees with the ledger.
func (d Divergence) Clean() bool {
	return len(d.MissingFromSink) == 0 && len(d.NotLedgered) == 0
}

// Reconcile cross-checks every sink against the ledger.
//
// The ledger stays the resume authority; divergence is reported and logged,
// never repaired. Sinks that do not exist yet are compared as empty.
func Reconcile(ctx context.Context, led ledger.Ledger, w *sink.Writer, outputs []Output, idColumn string, logger *zap.Logger) ([]Divergence, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	done, err := led.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Divergence, 0, len(outputs))
	for _, o := range outputs {
		d := Divergence{Output: o.Table.Name}
		present, err := w.Identifiers(ctx, o.Table, idColumn)
		if errors.Is(err, record.ErrMissingColumn) {
			logger.Warn("Reconcile skipped, identifier column not found",
				zap.String("output", o.Table.Name),
				zap.String("path", o.Table.Path),
				zap.Error(err),
			)
			d.Skipped = true
			out = append(out, d)
			continue
		}
		if err != nil {
			return nil, err
		}

		for id := range done {
			if _, ok := present[id]; !ok {
				d.MissingFromSink = append(d.MissingFromSink, id)
			}
		}
		for id := range present {
			if _, ok := done[id]; !ok {
				d.NotLedgered = append(d.NotLedgered, id)
			}
		}
		sort.Strings(d.MissingFromSink)
		sort.Strings(d.NotLedgered)

		if !d.Clean() {
			logger.Warn("Sink diverges from ledger",
				zap.String("output", o.Table.Name),
				zap.Int("missing_from_sink", len(d.MissingFromSink)),
				zap.Int("not_ledgered", len(d.NotLedgered)),
			)
		}
		out = append(out, d)
	}
	return out, nil
}
