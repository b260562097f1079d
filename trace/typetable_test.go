package trace

import (
	"errors"
	"sync"
	"testing"

	"honnef.co/go/qmltrace/container"
)

type fakeResolver struct {
	mu       sync.Mutex
	requests []Location
	dones    []func(string, bool)
}

func (r *fakeResolver) RequestResolve(loc Location, done func(string, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, loc)
	r.dones = append(r.dones, done)
}

func bindingAt(file string, line int32) EventType {
	return EventType{
		Message:   MessageNone,
		RangeType: RangeBinding,
		Location:  container.Some(Location{File: file, Line: line, Column: 1}),
	}
}

func TestTypeTableIntern(t *testing.T) {
	tt := NewTypeTable()
	a := tt.Intern(bindingAt("main.qml", 3))
	b := tt.Intern(bindingAt("main.qml", 4))
	c := tt.Intern(bindingAt("main.qml", 3))
	if a != 0 || b != 1 || c != 0 {
		t.Errorf("Intern returned %d, %d, %d, want 0, 1, 0", a, b, c)
	}
	if tt.Len() != 2 {
		t.Errorf("Len()=%d, want 2", tt.Len())
	}

	// Append never deduplicates.
	if idx := tt.Append(bindingAt("main.qml", 3)); idx != 2 {
		t.Errorf("Append returned %d, want 2", idx)
	}
}

func TestTypeTableDisplayName(t *testing.T) {
	tt := NewTypeTable()
	tests := []struct {
		typ  EventType
		want string
	}{
		{bindingAt("qrc:/ui/main.qml", 12), "main.qml:12"},
		{EventType{Message: MessageNone, RangeType: RangeJavascript, Data: "onClicked"}, "onClicked"},
		{EventType{Message: MessageNone, RangeType: RangeCompiling}, "<Compiling>"},
		{EventType{Message: MessageMemory, RangeType: RangeNone, Detail: HeapPage}, "<MemoryAllocation>"},
		{EventType{Message: MessageDebug, RangeType: RangeNone, DisplayName: "custom"}, "custom"},
	}
	for _, tc := range tests {
		idx := tt.Append(tc.typ)
		got, err := tt.Get(idx)
		if err != nil {
			t.Fatal(err)
		}
		if got.DisplayName != tc.want {
			t.Errorf("DisplayName of %v = %q, want %q", tc.typ, got.DisplayName, tc.want)
		}
	}
}

func TestTypeTableGetOutOfRange(t *testing.T) {
	tt := NewTypeTable()
	tt.Append(EventType{Message: MessageDebug, RangeType: RangeNone})
	for _, idx := range []int32{-1, 1, 100} {
		if _, err := tt.Get(idx); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Get(%d) error = %v, want ErrOutOfRange", idx, err)
		}
	}
	if err := tt.Rewrite(5, "x", "y"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Rewrite(5) error = %v, want ErrOutOfRange", err)
	}
}

func TestTypeTableRewriteNotifies(t *testing.T) {
	tt := NewTypeTable()
	idx := tt.Append(bindingAt("main.qml", 1))
	var changed []int32
	tt.OnChange(func(i int32) { changed = append(changed, i) })

	if err := tt.Rewrite(idx, "width binding", "parent.width"); err != nil {
		t.Fatal(err)
	}
	got, _ := tt.Get(idx)
	if got.DisplayName != "width binding" || got.Data != "parent.width" {
		t.Errorf("got %q/%q after rewrite, want %q/%q", got.DisplayName, got.Data, "width binding", "parent.width")
	}
	if len(changed) != 1 || changed[0] != idx {
		t.Errorf("listener saw %v, want [%d]", changed, idx)
	}
}

func TestTypeTableResolve(t *testing.T) {
	tt := NewTypeTable()
	r := &fakeResolver{}
	tt.SetResolver(r)
	var changed []int32
	tt.OnChange(func(i int32) { changed = append(changed, i) })

	a := tt.Append(bindingAt("main.qml", 7))
	// Same location, different type: shares the outstanding request.
	sig := bindingAt("main.qml", 7)
	sig.RangeType = RangeHandlingSignal
	b := tt.Append(sig)
	// Not eligible for resolution.
	tt.Append(EventType{Message: MessageNone, RangeType: RangeJavascript, Location: container.Some(Location{File: "main.qml", Line: 7})})
	tt.Append(EventType{Message: MessageNone, RangeType: RangeBinding})

	if len(r.requests) != 1 {
		t.Fatalf("got %d resolve requests, want 1", len(r.requests))
	}
	r.dones[0]("width: 100", true)

	for _, idx := range []int32{a, b} {
		typ, _ := tt.Get(idx)
		if typ.Data != "width: 100" {
			t.Errorf("type %d has data %q, want %q", idx, typ.Data, "width: 100")
		}
	}
	if len(changed) != 2 {
		t.Errorf("listener called %d times, want 2", len(changed))
	}

	// The request completed, so a new type at the same location asks again.
	tt.Append(bindingAt("main.qml", 7))
	if len(r.requests) != 2 {
		t.Errorf("got %d resolve requests, want 2", len(r.requests))
	}
}

func TestTypeTableResolveAfterReset(t *testing.T) {
	tt := NewTypeTable()
	r := &fakeResolver{}
	tt.SetResolver(r)
	tt.Append(bindingAt("main.qml", 7))
	tt.Reset()
	idx := tt.Append(EventType{Message: MessageDebug, RangeType: RangeNone})

	// Completing a request from before the reset must not touch the new trace.
	r.dones[0]("stale", true)
	typ, _ := tt.Get(idx)
	if typ.Data != "" {
		t.Errorf("stale resolve result was applied: %q", typ.Data)
	}
}

func TestFeatureOfType(t *testing.T) {
	tests := []struct {
		typ  EventType
		want Feature
	}{
		{EventType{Message: MessageEvent, RangeType: RangeNone, Detail: EventKey}, FeatureInputEvents},
		{EventType{Message: MessageEvent, RangeType: RangeNone, Detail: EventAnimationFrame}, FeatureAnimations},
		{EventType{Message: MessageEvent, RangeType: RangeNone, Detail: 99}, FeatureNone},
		{EventType{Message: MessageMemory, RangeType: RangeNone}, FeatureMemory},
		{EventType{Message: MessagePixmapCache, RangeType: RangeNone}, FeaturePixmapCache},
		{EventType{Message: MessageNone, RangeType: RangeJavascript}, FeatureJavaScript},
		{EventType{Message: MessageNone, RangeType: RangeHandlingSignal}, FeatureHandlingSignal},
		{EventType{Message: MessageNone, RangeType: RangeNone}, FeatureNone},
	}
	for _, tc := range tests {
		if got := tc.typ.Feature(); got != tc.want {
			t.Errorf("Feature(%s/%s)=%s, want %s", tc.typ.Message, tc.typ.RangeType, got, tc.want)
		}
	}
}

func TestFeatureString(t *testing.T) {
	if got, want := (FeatureMemory | FeatureBinding).String(), "memory|binding"; got != want {
		t.Errorf("String()=%q, want %q", got, want)
	}
	f, ok := ParseFeature("scenegraph")
	if !ok || f != FeatureSceneGraph {
		t.Errorf("ParseFeature(scenegraph)=%v, %t", f, ok)
	}
	if n := len(FeatureAll.Features()); n != 13 {
		t.Errorf("FeatureAll has %d features, want 13", n)
	}
}
