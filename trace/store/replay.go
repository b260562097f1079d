package store

import (
	"context"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"golang.org/x/exp/mmap"
	"golang.org/x/exp/slices"

	myslices "honnef.co/go/qmltrace/slices"
	"honnef.co/go/qmltrace/trace"
)

// Visitor receives replayed events together with their types.
type Visitor func(ev trace.Event, typ *trace.EventType) error

// cursor iterates over the events of one block.
type cursor struct {
	ev    trace.Event
	block int
	r     *trace.WireReader
}

// Replay calls fn for every flushed event in timestamp order. Events with equal timestamps are delivered in
// the order they were appended.
//
// If start and end are both not trace.NoTimestamp, the replay is restricted to [start, end]:
//
//   - Ranges that began before start and are still open at start are delivered with their start moved to
//     start. Ranges that are still open after end are closed at end.
//   - Memory and pixmap cache events outside the window are moved to the nearest bound, so that the state
//     they describe is preserved.
//   - All other events outside the window are dropped.
//
// Replay reopens the backing file for reading; if that fails, it returns an error wrapping trace.ErrIO and
// the store remains usable. A cancelled context aborts the replay with trace.ErrCancelled.
func (s *Store) Replay(ctx context.Context, start, end trace.Timestamp, fn Visitor) error {
	s.mu.Lock()
	blocks := slices.Clone(s.blocks)
	s.mu.Unlock()

	types := s.types.All()
	f := newFilter(start, end, types, fn)

	if len(blocks) == 0 {
		return f.finish()
	}

	r, err := mmap.Open(s.path)
	if err != nil {
		return trace.ErrIO.Wrapf(err, "couldn't reopen event store")
	}
	defer r.Close()

	// Activate blocks in order of their first timestamp, so that only blocks overlapping the current position
	// are decoded at any time.
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case blocks[a].minTs < blocks[b].minTs:
			return -1
		case blocks[a].minTs > blocks[b].minTs:
			return 1
		default:
			return 0
		}
	})

	h := trace.NewHeap(func(a, b *cursor) bool {
		if a.ev.Ts != b.ev.Ts {
			return a.ev.Ts < b.ev.Ts
		}
		return a.block < b.block
	})

	activate := func(bi int) error {
		b := blocks[bi]
		compressed := make([]byte, b.size)
		if _, err := r.ReadAt(compressed, b.off); err != nil {
			return trace.ErrIO.Wrapf(err, "couldn't read block at offset %d", b.off)
		}
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			return trace.ErrCorruptData.Wrapf(err, "couldn't decompress block at offset %d", b.off)
		}
		c := &cursor{block: bi, r: trace.NewWireReader(data)}
		if c.r.Len() == 0 {
			return nil
		}
		if c.ev, err = c.r.Event(); err != nil {
			return err
		}
		h.Push(c)
		return nil
	}

	next := 0
	n := 0
	for {
		for next < len(order) && (h.Len() == 0 || blocks[order[next]].minTs <= h.Peek().ev.Ts) {
			if err := ctx.Err(); err != nil {
				return trace.Cancelled(err)
			}
			if err := activate(order[next]); err != nil {
				return err
			}
			next++
		}
		if h.Len() == 0 {
			break
		}

		c := h.Peek()
		if err := f.event(c.ev); err != nil {
			return err
		}
		if c.r.Len() == 0 {
			h.Pop()
		} else {
			var err error
			if c.ev, err = c.r.Event(); err != nil {
				return err
			}
			h.Fix(0)
		}

		n++
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return trace.Cancelled(err)
			}
		}
	}

	if err := f.finish(); err != nil {
		return err
	}
	if f.absorbed > 0 {
		s.log.Warn("absorbed inconsistent range events during replay", zap.Int("count", f.absorbed))
	}
	return nil
}

// filter applies the time range restriction to a stream of events in timestamp order. Ranges of different
// execution contexts interleave in the log, so ends are matched to starts by type rather than by position.
type filter struct {
	start, end trace.Timestamp
	active     bool
	types      []trace.EventType
	fn         Visitor

	crossed bool
	// stash holds the starts of ranges that began before the window.
	stash []trace.Event
	// open holds the starts of delivered ranges that haven't been closed yet.
	open []trace.Event
	// after holds the types of ranges that began after the window and haven't ended yet.
	after    []int32
	absorbed int
}

func sameType(idx int32) func(ev trace.Event) bool {
	return func(ev trace.Event) bool { return ev.Type == idx }
}

func newFilter(start, end trace.Timestamp, types []trace.EventType, fn Visitor) *filter {
	return &filter{
		start:  start,
		end:    end,
		active: start != trace.NoTimestamp && end != trace.NoTimestamp,
		types:  types,
		fn:     fn,
	}
}

func (f *filter) typeOf(ev *trace.Event) (*trace.EventType, error) {
	if ev.Type < 0 || int(ev.Type) >= len(f.types) {
		return nil, trace.ErrCorruptData.WithMessagef("event at %d refers to type %d, have %d types", ev.Ts, ev.Type, len(f.types))
	}
	return &f.types[ev.Type], nil
}

func (f *filter) deliver(ev trace.Event, typ *trace.EventType) error {
	if typ.IsRange() && f.active {
		switch ev.Stage() {
		case trace.StageStart:
			f.open = append(f.open, ev)
		case trace.StageEnd:
			f.open, _ = myslices.RemoveLastFunc(f.open, sameType(ev.Type))
		}
	}
	return f.fn(ev, typ)
}

func (f *filter) cross() error {
	if f.crossed {
		return nil
	}
	f.crossed = true
	for _, ev := range f.stash {
		ev.Ts = f.start
		typ, err := f.typeOf(&ev)
		if err != nil {
			return err
		}
		if err := f.deliver(ev, typ); err != nil {
			return err
		}
	}
	f.stash = nil
	return nil
}

func (f *filter) event(ev trace.Event) error {
	typ, err := f.typeOf(&ev)
	if err != nil {
		return err
	}
	if !f.active {
		return f.fn(ev, typ)
	}

	if ev.Ts < f.start {
		switch {
		case typ.IsRange():
			switch ev.Stage() {
			case trace.StageStart:
				f.stash = append(f.stash, ev)
			case trace.StageEnd:
				var ok bool
				if f.stash, ok = myslices.RemoveLastFunc(f.stash, sameType(ev.Type)); !ok {
					f.absorbed++
				}
			}
			return nil
		case typ.IsStateful():
			ev.Ts = f.start
			return f.fn(ev, typ)
		default:
			return nil
		}
	}

	if err := f.cross(); err != nil {
		return err
	}

	if ev.Ts > f.end {
		switch {
		case typ.IsRange():
			switch ev.Stage() {
			case trace.StageStart:
				f.after = append(f.after, ev.Type)
			case trace.StageEnd:
				var ok bool
				if f.after, ok = myslices.RemoveLastFunc(f.after, func(idx int32) bool { return idx == ev.Type }); ok {
					return nil
				}
				if myslices.LastIndexFunc(f.open, sameType(ev.Type)) != -1 {
					ev.Ts = f.end
					return f.deliver(ev, typ)
				}
				f.absorbed++
			}
			return nil
		case typ.IsStateful():
			ev.Ts = f.end
			return f.fn(ev, typ)
		default:
			return nil
		}
	}

	return f.deliver(ev, typ)
}

// finish delivers stashed starts that were never crossed and closes ranges left open by the restriction.
func (f *filter) finish() error {
	if !f.active {
		return nil
	}
	if err := f.cross(); err != nil {
		return err
	}
	for len(f.open) > 0 {
		start := f.open[len(f.open)-1]
		ev := trace.NewRangeEvent(f.end, start.Type, trace.StageEnd)
		typ, err := f.typeOf(&ev)
		if err != nil {
			return err
		}
		if err := f.deliver(ev, typ); err != nil {
			return err
		}
	}
	return nil
}
