// Package models contains the aggregate views built from a trace: memory usage, pixmap cache, statistics,
// flame graph and debug messages. Each model is a dispatch.Consumer that builds its state from the events
// routed to it, and exposes its items in a form suitable for drawing on a timeline.
package models

import (
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/dispatch"
)

var local = message.NewPrinter(language.AmericanEnglish)

// Detail is one line of the description of a timeline item.
type Detail struct {
	Key   string
	Value string
}

// Model is a consumer of trace events.
type Model interface {
	dispatch.Consumer
	// Features returns the features the model wants to receive events for.
	Features() trace.Feature
}

// Timeline is the surface that timeline views draw from. Items are ordered by start time.
type Timeline interface {
	Model
	Len() int
	Start(i int) trace.Timestamp
	Duration(i int) trace.Timestamp
	// Row returns the row the i-th item is drawn in.
	Row(i int) int
	// Rows returns the number of rows.
	Rows() int
	RowLabel(row int) string
	Label(i int) string
	Details(i int) []Detail
	// ColorClass returns a small integer that items of similar kind share, for picking colors.
	ColorClass(i int) int
}

var (
	_ Timeline = (*MemoryUsage)(nil)
	_ Timeline = (*PixmapCache)(nil)
	_ Timeline = (*DebugMessages)(nil)
	_ Model    = (*Statistics)(nil)
	_ Model    = (*FlameGraph)(nil)
)

// FormatDuration formats d for humans, rounding it to a precision that fits its magnitude.
func FormatDuration(d trace.Timestamp) string {
	td := time.Duration(d)
	switch {
	case td < time.Millisecond:
	case td < time.Second:
		td = td.Round(time.Microsecond)
	default:
		td = td.Round(time.Millisecond)
	}
	return td.String()
}

// FormatBytes formats a byte count with digit grouping.
func FormatBytes(n int64) string {
	return local.Sprintf("%d bytes", n)
}

// Announce registers each model with d for the features it handles.
func Announce(d *dispatch.Dispatcher, ms ...Model) {
	for _, m := range ms {
		d.Announce(m.Features(), m)
	}
}
