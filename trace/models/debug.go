package models

import (
	"honnef.co/go/qmltrace/trace"
)

type DebugMessage struct {
	Ts    trace.Timestamp
	Level int32
	Text  string
	// Location is where the message was emitted, if known.
	Location string
}

var debugLevelNames = [...]string{
	trace.DebugLevelDebug:    "Debug Message",
	trace.DebugLevelWarning:  "Warning Message",
	trace.DebugLevelCritical: "Critical Message",
	trace.DebugLevelFatal:    "Fatal Message",
	trace.DebugLevelInfo:     "Info Message",
}

func DebugLevelName(level int32) string {
	if level < 0 || int(level) >= len(debugLevelNames) {
		return "Unknown Message"
	}
	return debugLevelNames[level]
}

// DebugMessages collects the messages the profiled application logged. Every level has its own row.
type DebugMessages struct {
	messages []DebugMessage
}

func NewDebugMessages() *DebugMessages { return &DebugMessages{} }

func (m *DebugMessages) Features() trace.Feature  { return trace.FeatureDebugMessages }
func (m *DebugMessages) Initialize()              {}
func (m *DebugMessages) Finalize(trace.Timestamp) {}
func (m *DebugMessages) Clear()                   { m.messages = nil }

func (m *DebugMessages) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if typ.Message != trace.MessageDebug {
		return
	}
	msg := DebugMessage{Ts: ev.Ts, Level: typ.Detail, Text: ev.Str}
	if loc, ok := typ.Location.Get(); ok {
		msg.Location = loc.String()
	}
	m.messages = append(m.messages, msg)
}

func (m *DebugMessages) Messages() []DebugMessage { return m.messages }

func (m *DebugMessages) Len() int                     { return len(m.messages) }
func (m *DebugMessages) Start(i int) trace.Timestamp  { return m.messages[i].Ts }
func (m *DebugMessages) Duration(int) trace.Timestamp { return 0 }
func (m *DebugMessages) Row(i int) int                { return int(m.messages[i].Level) }
func (m *DebugMessages) Rows() int                    { return len(debugLevelNames) }
func (m *DebugMessages) RowLabel(row int) string      { return DebugLevelName(int32(row)) }
func (m *DebugMessages) Label(i int) string           { return m.messages[i].Text }
func (m *DebugMessages) ColorClass(i int) int         { return int(m.messages[i].Level) }

func (m *DebugMessages) Details(i int) []Detail {
	msg := &m.messages[i]
	ds := []Detail{
		{"Type", DebugLevelName(msg.Level)},
		{"Message", msg.Text},
	}
	if msg.Location != "" {
		ds = append(ds, Detail{"Location", msg.Location})
	}
	return ds
}
