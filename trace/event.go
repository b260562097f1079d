package trace

import (
	"fmt"
	"strings"
)

// MaxArgs is the number of numeric argument slots in an event.
const MaxArgs = 5

// Event is one recorded occurrence of an event type.
type Event struct {
	Ts Timestamp
	// Type is the index of the event's type in the TypeTable.
	Type  int32
	NArgs uint8
	Args  [MaxArgs]int64 // type-specific arguments, see the Arg* constants
	Str   string         // type-specific string payload, for example the text of a debug message
}

// Argument slots.
const (
	// ArgRangeStage holds the Stage of a range event.
	ArgRangeStage = 0

	// ArgMemoryAmount holds the signed number of bytes allocated (positive) or freed (negative).
	ArgMemoryAmount = 0

	ArgPixmapWidth  = 0
	ArgPixmapHeight = 1
	// ArgPixmapCount holds the reference count or cache count, depending on the detail type.
	ArgPixmapCount = 2

	ArgAnimationFrameRate  = 0
	ArgAnimationCount      = 1
	ArgAnimationThreadType = 2

	ArgInputType  = 0
	ArgInputData1 = 1
	ArgInputData2 = 2
)

// NewRangeEvent returns a range event of the given stage.
func NewRangeEvent(ts Timestamp, typ int32, stage Stage) Event {
	ev := Event{Ts: ts, Type: typ, NArgs: 1}
	ev.Args[ArgRangeStage] = int64(stage)
	return ev
}

// NewEvent returns an event with the given numeric arguments. It panics if more than MaxArgs arguments are
// passed.
func NewEvent(ts Timestamp, typ int32, args ...int64) Event {
	if len(args) > MaxArgs {
		panic(fmt.Sprintf("too many arguments: %d", len(args)))
	}
	ev := Event{Ts: ts, Type: typ, NArgs: uint8(len(args))}
	copy(ev.Args[:], args)
	return ev
}

// Stage returns the range stage stored in the event. It is only meaningful for events of range types.
func (ev *Event) Stage() Stage {
	if ev.NArgs == 0 {
		return StageNone
	}
	return Stage(ev.Args[ArgRangeStage])
}

// Arg returns the i-th argument, or 0 if the event carries fewer arguments.
func (ev *Event) Arg(i int) int64 {
	if i >= int(ev.NArgs) {
		return 0
	}
	return ev.Args[i]
}

func (ev *Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d type=%d", ev.Ts, ev.Type)
	if ev.NArgs > 0 {
		fmt.Fprintf(&sb, " args=%v", ev.Args[:ev.NArgs])
	}
	if ev.Str != "" {
		fmt.Fprintf(&sb, " str=%q", ev.Str)
	}
	return sb.String()
}

// Range is a completed range: a start and end event of the same type, matched up.
type Range struct {
	Start Timestamp
	End   Timestamp
	Type  int32
	// Depth is the nesting depth of the range within its execution context, starting at 0.
	Depth int32
}

func (r Range) Duration() Timestamp { return r.End - r.Start }
