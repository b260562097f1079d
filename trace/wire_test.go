package trace

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"honnef.co/go/qmltrace/container"
)

func TestCorruptedInputs(t *testing.T) {
	tests := []string{
		"",
		"\x00",
		"\x00\x02",
		// invalid flags
		"\x10\x02\x02",
		// too many arguments
		"\x07\x02\x02\x00",
		// truncated string length
		"\x08\x02\x02\xff\xff\xff",
		// string longer than input
		"\x08\x02\x02\x10abc",
		// type index doesn't fit in 32 bits
		"\x00\x02\xff\xff\xff\xff\x7f",
	}
	for _, data := range tests {
		_, err := NewWireReader([]byte(data)).Event()
		if err == nil {
			t.Fatalf("no error on input: %q", data)
		}
		if !errors.Is(err, ErrCorruptData) {
			t.Errorf("error on input %q is %v, want ErrCorruptData", data, err)
		}
	}
}

func TestWireEvents(t *testing.T) {
	events := []Event{
		NewRangeEvent(0, 0, StageStart),
		NewRangeEvent(1500, 0, StageEnd),
		NewEvent(-3, 12, -1024),
		NewEvent(1<<40, 7, 1, 2, 3, 4, 5),
		{Ts: 99, Type: 3, Str: "hello, world"},
	}
	var buf []byte
	for i := range events {
		buf = AppendEvent(buf, &events[i])
	}

	r := NewWireReader(buf)
	var got []Event
	for r.Len() > 0 {
		ev, err := r.Event()
		if err != nil {
			t.Fatalf("unexpected error at offset %d: %s", r.Offset(), err)
		}
		got = append(got, ev)
	}
	if diff := cmp.Diff(events, got); diff != "" {
		t.Errorf("decoded events differ (-want +got):\n%s", diff)
	}
}

func TestWireTypeWithLocation(t *testing.T) {
	typ := EventType{
		Message:     MessageNone,
		RangeType:   RangeBinding,
		Detail:      2,
		Location:    container.Some(Location{File: "qrc:/main.qml", Line: 12, Column: 5}),
		Data:        "width * 2",
		DisplayName: "main.qml:12",
	}
	buf := AppendType(nil, &typ)
	got, err := NewWireReader(buf).Type()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(typ, got, cmp.AllowUnexported(container.Option[Location]{})); diff != "" {
		t.Errorf("decoded type differs (-want +got):\n%s", diff)
	}
}

func TestWireTypeInvalidCategory(t *testing.T) {
	buf := []byte{byte(MessageNone) + 1, 0, 0, 0, 0, 0}
	if _, err := NewWireReader(buf).Type(); !errors.Is(err, ErrCorruptData) {
		t.Errorf("got error %v, want ErrCorruptData", err)
	}
}

func FuzzWireReader(f *testing.F) {
	ev := NewEvent(100, 3, 1, -1)
	ev.Str = "x"
	f.Add(AppendEvent(nil, &ev))
	typ := EventType{RangeType: RangeJavascript, Message: MessageNone, Data: "f()"}
	f.Add(AppendType(nil, &typ))
	note := Note{Type: 1, CollapsedRow: -1, Start: 5, Duration: 10, Text: "slow"}
	f.Add(AppendNote(nil, &note))

	f.Fuzz(func(t *testing.T, in []byte) {
		// Decoding must terminate without crashing, whatever the input.
		r := NewWireReader(in)
		for r.Len() > 0 {
			if _, err := r.Event(); err != nil {
				break
			}
		}
		NewWireReader(in).Type()
		NewWireReader(in).Note()
	})
}

func BenchmarkWireEvent(b *testing.B) {
	var buf []byte
	for i := 0; i < 1000; i++ {
		ev := NewEvent(Timestamp(i*100), int32(i%17), int64(i), int64(-i))
		buf = AppendEvent(buf, &ev)
	}
	b.SetBytes(int64(len(buf)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := NewWireReader(buf)
		for r.Len() > 0 {
			if _, err := r.Event(); err != nil {
				b.Fatal(err)
			}
		}
	}
}
