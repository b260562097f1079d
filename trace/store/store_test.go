package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"honnef.co/go/qmltrace/trace"
)

const (
	typJS = iota
	typMemory
	typDebug
	typCompile
)

func newTestStore(t *testing.T, threshold int) *Store {
	t.Helper()
	types := trace.NewTypeTable()
	types.Append(trace.EventType{Message: trace.MessageNone, RangeType: trace.RangeJavascript, Data: "f"})
	types.Append(trace.EventType{Message: trace.MessageMemory, RangeType: trace.RangeNone, Detail: trace.SmallItem})
	types.Append(trace.EventType{Message: trace.MessageDebug, RangeType: trace.RangeNone})
	types.Append(trace.EventType{Message: trace.MessageNone, RangeType: trace.RangeCompiling, Data: "main.qml"})
	s, err := New(types, Options{Dir: t.TempDir(), FlushThreshold: threshold})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type seen struct {
	Ts    trace.Timestamp
	Type  int32
	Stage trace.Stage
}

func replay(t *testing.T, s *Store, start, end trace.Timestamp) []seen {
	t.Helper()
	var out []seen
	err := s.Replay(context.Background(), start, end, func(ev trace.Event, typ *trace.EventType) error {
		st := trace.StageNone
		if typ.IsRange() {
			st = ev.Stage()
		}
		out = append(out, seen{ev.Ts, ev.Type, st})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func appendAll(t *testing.T, s *Store, events ...trace.Event) {
	t.Helper()
	for _, ev := range events {
		if err := s.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
}

func start(ts trace.Timestamp) trace.Event { return trace.NewRangeEvent(ts, typJS, trace.StageStart) }
func end(ts trace.Timestamp) trace.Event   { return trace.NewRangeEvent(ts, typJS, trace.StageEnd) }
func memory(ts trace.Timestamp, amount int64) trace.Event {
	return trace.NewEvent(ts, typMemory, amount)
}
func debug(ts trace.Timestamp) trace.Event {
	return trace.Event{Ts: ts, Type: typDebug, Str: "msg"}
}

func TestReplayMergesBlocks(t *testing.T) {
	s := newTestStore(t, 3)
	// Three blocks with overlapping time ranges; within each block events are out of order.
	appendAll(t, s,
		debug(30), debug(10), debug(20),
		memory(15, 1), memory(5, 2), memory(30, 3),
		debug(1),
	)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 7 {
		t.Errorf("Count()=%d, want 7", s.Count())
	}

	got := replay(t, s, trace.NoTimestamp, trace.NoTimestamp)
	want := []seen{
		{1, typDebug, 0},
		{5, typMemory, 0},
		{10, typDebug, 0},
		{15, typMemory, 0},
		{20, typDebug, 0},
		// Equal timestamps keep their append order across blocks.
		{30, typDebug, 0},
		{30, typMemory, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replay differs (-want +got):\n%s", diff)
	}
}

func TestReplayIgnoresUnflushed(t *testing.T) {
	s := newTestStore(t, 100)
	appendAll(t, s, debug(1), debug(2))
	if got := replay(t, s, trace.NoTimestamp, trace.NoTimestamp); len(got) != 0 {
		t.Errorf("replay saw %d unflushed events", len(got))
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := replay(t, s, trace.NoTimestamp, trace.NoTimestamp); len(got) != 2 {
		t.Errorf("replay saw %d events, want 2", len(got))
	}
}

func TestReplayRestricted(t *testing.T) {
	s := newTestStore(t, 4)
	appendAll(t, s,
		start(0),
		start(5), memory(5, 1000), debug(6), end(8),
		start(20), end(30),
		start(40),
		memory(60, -10), debug(60), start(60), end(65),
		end(70),
		end(100),
	)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	got := replay(t, s, 10, 50)
	want := []seen{
		{10, typMemory, 0},
		{10, typJS, trace.StageStart},
		{20, typJS, trace.StageStart},
		{30, typJS, trace.StageEnd},
		{40, typJS, trace.StageStart},
		{50, typMemory, 0},
		{50, typJS, trace.StageEnd},
		{50, typJS, trace.StageEnd},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restricted replay differs (-want +got):\n%s", diff)
	}

	// A bound of NoTimestamp disables the restriction.
	if got := replay(t, s, 10, trace.NoTimestamp); len(got) != 14 {
		t.Errorf("half-open restriction delivered %d events, want all 14", len(got))
	}
}

func TestReplayRestrictedClosesAtEnd(t *testing.T) {
	s := newTestStore(t, 10)
	appendAll(t, s, start(0), memory(2, 100), start(20))
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	got := replay(t, s, 10, 50)
	want := []seen{
		{10, typMemory, 0},
		{10, typJS, trace.StageStart},
		{20, typJS, trace.StageStart},
		{50, typJS, trace.StageEnd},
		{50, typJS, trace.StageEnd},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restricted replay differs (-want +got):\n%s", diff)
	}

	// The stream ends before the window starts.
	got = replay(t, s, 100, 200)
	want = []seen{
		{100, typMemory, 0},
		{100, typJS, trace.StageStart},
		{100, typJS, trace.StageStart},
		{200, typJS, trace.StageEnd},
		{200, typJS, trace.StageEnd},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restricted replay differs (-want +got):\n%s", diff)
	}
}

func TestReplayRestrictedInterleavedContexts(t *testing.T) {
	// Compilation runs in its own context, so its ranges interleave with JavaScript ranges without nesting.
	compile := func(ts trace.Timestamp, stage trace.Stage) trace.Event {
		return trace.NewRangeEvent(ts, typCompile, stage)
	}
	s := newTestStore(t, 3)
	appendAll(t, s,
		compile(0, trace.StageStart), start(2), compile(4, trace.StageEnd), end(20),
		start(30), compile(60, trace.StageStart), end(70), compile(80, trace.StageEnd),
	)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	got := replay(t, s, 10, 50)
	want := []seen{
		{10, typJS, trace.StageStart},
		{20, typJS, trace.StageEnd},
		{30, typJS, trace.StageStart},
		{50, typJS, trace.StageEnd},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restricted replay differs (-want +got):\n%s", diff)
	}
}

func TestReplayCancelled(t *testing.T) {
	s := newTestStore(t, 1)
	appendAll(t, s, debug(1), debug(2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Replay(ctx, trace.NoTimestamp, trace.NoTimestamp, func(trace.Event, *trace.EventType) error { return nil })
	if !errors.Is(err, trace.ErrCancelled) {
		t.Errorf("got error %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v doesn't wrap context.Canceled", err)
	}
}

func TestReplayReopenFailure(t *testing.T) {
	s := newTestStore(t, 1)
	appendAll(t, s, debug(1))
	if err := os.Remove(s.Path()); err != nil {
		t.Fatal(err)
	}
	err := s.Replay(context.Background(), trace.NoTimestamp, trace.NoTimestamp, func(trace.Event, *trace.EventType) error { return nil })
	if !errors.Is(err, trace.ErrIO) {
		t.Errorf("got error %v, want ErrIO", err)
	}
}

func TestReplayUnknownType(t *testing.T) {
	s := newTestStore(t, 1)
	appendAll(t, s, trace.NewEvent(1, 42))
	err := s.Replay(context.Background(), trace.NoTimestamp, trace.NoTimestamp, func(trace.Event, *trace.EventType) error { return nil })
	if !errors.Is(err, trace.ErrCorruptData) {
		t.Errorf("got error %v, want ErrCorruptData", err)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 1)
	appendAll(t, s, debug(1), debug(2))
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Count() != 0 {
		t.Errorf("Count()=%d after Clear", s.Count())
	}
	appendAll(t, s, debug(3))
	if got := replay(t, s, trace.NoTimestamp, trace.NoTimestamp); len(got) != 1 || got[0].Ts != 3 {
		t.Errorf("replay after Clear = %v", got)
	}
}

func BenchmarkReplay(b *testing.B) {
	types := trace.NewTypeTable()
	types.Append(trace.EventType{Message: trace.MessageDebug, RangeType: trace.RangeNone})
	types.Append(trace.EventType{Message: trace.MessageNone, RangeType: trace.RangeCompiling, Data: "main.qml"})
	s, err := New(types, Options{Dir: b.TempDir(), FlushThreshold: 4096})
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	for i := 0; i < 100000; i++ {
		s.Append(trace.NewEvent(trace.Timestamp(i), 0, int64(i)))
	}
	s.Flush()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Replay(context.Background(), trace.NoTimestamp, trace.NoTimestamp, func(trace.Event, *trace.EventType) error { return nil })
	}
}
