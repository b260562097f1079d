// Package reconcile turns the raw stream of profiler messages into well-formed events.
//
// The profiled application reports ranges as a start message, any number of data and location messages that
// describe the range, and an end message. The type of a range is therefore only known some time after its
// start. The Reconciler keeps a stack of open ranges per execution context, resolves their types once they
// can no longer change, and emits matched start and end events.
package reconcile

import (
	"golang.org/x/exp/slices"

	"honnef.co/go/qmltrace/container"
	myslices "honnef.co/go/qmltrace/slices"
	"honnef.co/go/qmltrace/trace"
)

// Record is one message as received from the profiled application.
type Record struct {
	Ts trace.Timestamp
	// Context identifies the execution context (for example, an engine or a thread) the message originated
	// in. Ranges nest independently in each context.
	Context   uint32
	Message   trace.Message
	RangeType trace.RangeType
	Detail    int32
	Location  container.Option[trace.Location]
	// Data is the range's data for MessageRangeStart and MessageRangeData, and the event's string payload
	// for other messages.
	Data  string
	NArgs uint8
	Args  [trace.MaxArgs]int64
}

// Sink receives reconciled events. Range start events are emitted late, once the range's type is known, so
// events aren't necessarily emitted in timestamp order.
type Sink interface {
	Event(ev trace.Event, typ *trace.EventType)
}

type SinkFunc func(ev trace.Event, typ *trace.EventType)

func (fn SinkFunc) Event(ev trace.Event, typ *trace.EventType) { fn(ev, typ) }

type pending struct {
	start trace.Timestamp
	typ   trace.EventType
	// idx is the index of the resolved type, or -1 while the type may still change.
	idx int32
}

type Reconciler struct {
	types  *trace.TypeTable
	sink   Sink
	stacks map[uint32][]*pending
	maxTs  trace.Timestamp
	// absorbed counts structurally inconsistent messages that were repaired or dropped.
	absorbed int

	// OnRange, if set, is called for every completed range.
	OnRange func(r trace.Range)
}

func New(types *trace.TypeTable, sink Sink) *Reconciler {
	return &Reconciler{
		types:  types,
		sink:   sink,
		stacks: map[uint32][]*pending{},
		maxTs:  trace.NoTimestamp,
	}
}

// MaxTimestamp returns the largest timestamp seen so far, or trace.NoTimestamp.
func (rc *Reconciler) MaxTimestamp() trace.Timestamp { return rc.maxTs }

// Absorbed returns the number of inconsistent messages that were repaired or dropped.
func (rc *Reconciler) Absorbed() int { return rc.absorbed }

// Open returns the number of ranges that have started but not ended, across all contexts.
func (rc *Reconciler) Open() int {
	n := 0
	for _, st := range rc.stacks {
		n += len(st)
	}
	return n
}

func (rc *Reconciler) Feed(rec Record) {
	if rec.Ts > rc.maxTs {
		rc.maxTs = rec.Ts
	}

	switch rec.Message {
	case trace.MessageRangeStart:
		st := rc.stacks[rec.Context]
		if len(st) > 0 {
			// The parent can't change anymore once a child has started.
			rc.resolve(st[len(st)-1])
		}
		rc.stacks[rec.Context] = append(st, &pending{
			start: rec.Ts,
			typ: trace.EventType{
				Message:   trace.MessageNone,
				RangeType: rec.RangeType,
				Detail:    rec.Detail,
				Location:  rec.Location,
				Data:      rec.Data,
			},
			idx: -1,
		})

	case trace.MessageRangeData, trace.MessageRangeLocation:
		st := rc.stacks[rec.Context]
		if len(st) == 0 {
			rc.absorbed++
			return
		}
		top := st[len(st)-1]
		if top.idx >= 0 {
			// Already resolved, too late to change the type.
			rc.absorbed++
			return
		}
		if rec.Message == trace.MessageRangeData {
			top.typ.Data = rec.Data
		} else {
			top.typ.Location = rec.Location
		}

	case trace.MessageRangeEnd:
		rc.end(rec)

	case trace.MessageComplete:
		rc.Finalize(trace.NoTimestamp)

	default:
		typ := trace.EventType{
			Message:   rec.Message,
			RangeType: trace.RangeNone,
			Detail:    rec.Detail,
			Location:  rec.Location,
		}
		idx := rc.types.Intern(typ)
		rc.emit(trace.Event{Ts: rec.Ts, Type: idx, NArgs: rec.NArgs, Args: rec.Args, Str: rec.Data})
	}
}

func (rc *Reconciler) end(rec Record) {
	st := rc.stacks[rec.Context]
	if len(st) == 0 {
		rc.absorbed++
		return
	}

	match := myslices.LastIndexFunc(st, func(p *pending) bool { return p.typ.RangeType == rec.RangeType })
	if match == -1 {
		// Nothing matches; close the innermost range rather than failing.
		match = len(st) - 1
		rc.absorbed++
	} else if match != len(st)-1 {
		// Ranges above the match were never ended. Close them implicitly.
		rc.absorbed += len(st) - 1 - match
	}

	for i := len(st) - 1; i >= match; i-- {
		rc.close(st[i], int32(i), rec.Ts)
		st[i] = nil
	}
	rc.stacks[rec.Context] = st[:match]
}

func (rc *Reconciler) resolve(p *pending) {
	if p.idx >= 0 {
		return
	}
	p.idx = rc.types.Intern(p.typ)
	rc.emit(trace.NewRangeEvent(p.start, p.idx, trace.StageStart))
}

func (rc *Reconciler) close(p *pending, depth int32, ts trace.Timestamp) {
	rc.resolve(p)
	rc.emit(trace.NewRangeEvent(ts, p.idx, trace.StageEnd))
	if rc.OnRange != nil {
		rc.OnRange(trace.Range{Start: p.start, End: ts, Type: p.idx, Depth: depth})
	}
}

func (rc *Reconciler) emit(ev trace.Event) {
	typ, err := rc.types.Get(ev.Type)
	if err != nil {
		// Only possible if the table was reset concurrently.
		rc.absorbed++
		return
	}
	rc.sink.Event(ev, &typ)
}

// Finalize closes all open ranges, innermost first, at the given timestamp. If at is trace.NoTimestamp, the
// largest timestamp seen so far is used.
func (rc *Reconciler) Finalize(at trace.Timestamp) {
	if at == trace.NoTimestamp {
		at = rc.maxTs
	}
	ctxs := make([]uint32, 0, len(rc.stacks))
	for ctx := range rc.stacks {
		ctxs = append(ctxs, ctx)
	}
	slices.Sort(ctxs)
	for _, ctx := range ctxs {
		st := rc.stacks[ctx]
		for i := len(st) - 1; i >= 0; i-- {
			ts := at
			if ts < st[i].start {
				ts = st[i].start
			}
			rc.close(st[i], int32(i), ts)
		}
		delete(rc.stacks, ctx)
	}
}

// Reset discards all state.
func (rc *Reconciler) Reset() {
	rc.stacks = map[uint32][]*pending{}
	rc.maxTs = trace.NoTimestamp
	rc.absorbed = 0
}
