package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/plansession/pkg/plan"
)

// printer is a plan.Observer that writes transitions and operation outcomes
// to the command output.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(out io.Writer, jsonOutput bool) *printer {
	return &printer{out: out, json: jsonOutput, enc: json.NewEncoder(out)}
}

func (p *printer) OnTransition(t plan.Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = p.enc.Encode(struct {
			Event string `json:"event"`
			plan.Transition
		}{"transition", t})
		return
	}
	fmt.Fprintf(p.out, "%-6s %s -> %s\n", t.Kind, t.From, t.To)
}

func (p *printer) OnOperation(rec plan.OperationRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errMsg string
	if rec.Err != nil {
		errMsg = rec.Err.Error()
	}
	if p.json {
		_ = p.enc.Encode(struct {
			Event string `json:"event"`
			plan.OperationRecord
			Error string `json:"error,omitempty"`
		}{"operation", rec, errMsg})
		return
	}
	line := fmt.Sprintf("%-6s %s in %s", rec.Operation, rec.Outcome, rec.Duration.Round(time.Millisecond))
	if errMsg != "" {
		line += ": " + errMsg
	}
	fmt.Fprintln(p.out, line)
}

// summary writes the final snapshot of a session.
func (p *printer) summary(snap plan.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.out
	if p.json {
		return p.enc.Encode(struct {
			Event string `json:"event"`
			plan.Snapshot
		}{"summary", snap})
	}

	fmt.Fprintf(out, "\nsession %s\n", snap.SessionID)
	fmt.Fprintf(out, "  state:     %s\n", snap.State)
	fmt.Fprintf(out, "  action:    %s\n", snap.Action)
	if snap.DateRange.Start != "" || snap.DateRange.End != "" {
		fmt.Fprintf(out, "  range:     %s .. %s\n", snap.DateRange.Start, snap.DateRange.End)
	}

	c := snap.Changes
	fmt.Fprintf(out, "  added:     %d\n", len(c.Added))
	fmt.Fprintf(out, "  removed:   %d\n", len(c.Removed))
	if m := c.Modified; m != nil {
		fmt.Fprintf(out, "  modified:  %d direct, %d indirect, %d metadata\n",
			len(m.Direct), len(m.Indirect), len(m.Metadata))
	}
	fmt.Fprintf(out, "  backfills: %d\n", len(snap.Backfills))
	for _, b := range snap.Backfills {
		fmt.Fprintf(out, "    %s  %s  (%d batches)\n", b.ModelName, strings.Join(b.Interval, " .. "), b.Batches)
	}
	if len(snap.TestsReportErrors) > 0 {
		fmt.Fprintf(out, "  test errors: %d\n", len(snap.TestsReportErrors))
	}
	return nil
}
