// Package trace writes one CSV record per simulation tick.
package trace

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/floats"

	"github.com/gogpu/flowlines"
)

// Record is one traced tick.
type Record struct {
	Tick        uint64  `csv:"tick"`
	From        string  `csv:"from"`
	To          string  `csv:"to"`
	Iteration   uint32  `csv:"iteration"`
	Kernels     string  `csv:"kernels"`
	Reset       bool    `csv:"reset"`
	Reallocated bool    `csv:"reallocated"`
	Skipped     bool    `csv:"skipped"`
	DurationMS  float64 `csv:"duration_ms"`
}

// NewRecord converts a tick report and its wall-clock duration.
func NewRecord(r flowlines.TickReport, d time.Duration) Record {
	names := make([]string, len(r.Kernels))
	for i, k := range r.Kernels {
		names[i] = k.String()
	}
	return Record{
		Tick:        r.Tick,
		From:        r.From.String(),
		To:          r.To.String(),
		Iteration:   r.Iteration,
		Kernels:     strings.Join(names, "+"),
		Reset:       r.Reset,
		Reallocated: r.Reallocated,
		Skipped:     r.Skipped,
		DurationMS:  float64(d) / float64(time.Millisecond),
	}
}

// Writer appends records to a CSV stream. The header is written with the
// first record. A nil *Writer discards everything.
type Writer struct {
	out           io.Writer
	headerWritten bool
	durations     []float64
}

// NewWriter returns a Writer on out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	if w == nil {
		return nil
	}
	records := []Record{rec}
	if !w.headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, w.out); err != nil {
			return fmt.Errorf("trace: writing record: %w", err)
		}
		w.headerWritten = true
	} else {
		if err := gocsv.MarshalWithoutHeaders(records, w.out); err != nil {
			return fmt.Errorf("trace: writing record: %w", err)
		}
	}
	w.durations = append(w.durations, rec.DurationMS)
	return nil
}

// Summary aggregates the tick durations written so far.
type Summary struct {
	Ticks  int
	MeanMS float64
	MinMS  float64
	MaxMS  float64
}

func (s Summary) String() string {
	return fmt.Sprintf("%d ticks, mean %.3fms, min %.3fms, max %.3fms", s.Ticks, s.MeanMS, s.MinMS, s.MaxMS)
}

// Summary returns the duration statistics of the written records.
func (w *Writer) Summary() Summary {
	if w == nil || len(w.durations) == 0 {
		return Summary{}
	}
	n := len(w.durations)
	return Summary{
		Ticks:  n,
		MeanMS: floats.Sum(w.durations) / float64(n),
		MinMS:  floats.Min(w.durations),
		MaxMS:  floats.Max(w.durations),
	}
}
