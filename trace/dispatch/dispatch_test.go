package dispatch

import (
	"testing"

	"honnef.co/go/qmltrace/trace"
)

type recorder struct {
	name string
	log  *[]string
}

func (r recorder) Initialize() { *r.log = append(*r.log, r.name+":init") }
func (r recorder) LoadEvent(ev trace.Event, typ *trace.EventType) {
	*r.log = append(*r.log, r.name+":"+typ.Name())
}
func (r recorder) Finalize(end trace.Timestamp) { *r.log = append(*r.log, r.name+":finalize") }
func (r recorder) Clear()                       { *r.log = append(*r.log, r.name+":clear") }

var (
	memoryType = trace.EventType{Message: trace.MessageMemory, RangeType: trace.RangeNone}
	jsType     = trace.EventType{Message: trace.MessageNone, RangeType: trace.RangeJavascript}
	bindType   = trace.EventType{Message: trace.MessageNone, RangeType: trace.RangeBinding}
	noneType   = trace.EventType{Message: trace.MessageEvent, RangeType: trace.RangeNone, Detail: 42}
)

func TestDispatchRouting(t *testing.T) {
	var log []string
	d := New()
	d.Announce(trace.FeatureMemory, recorder{"mem", &log})
	d.Announce(trace.FeatureJavaScript|trace.FeatureBinding, recorder{"stats", &log})
	d.Announce(trace.FeatureMemory|trace.FeatureJavaScript, recorder{"flame", &log})

	d.Initialize()
	d.Dispatch(trace.Event{}, &memoryType)
	d.Dispatch(trace.Event{}, &jsType)
	d.Dispatch(trace.Event{}, &bindType)
	d.Dispatch(trace.Event{}, &noneType)
	d.Finalize(100)

	want := []string{
		"mem:init", "stats:init", "flame:init",
		"mem:MemoryAllocation", "flame:MemoryAllocation",
		"stats:Javascript", "flame:Javascript",
		"stats:Binding",
		"mem:finalize", "stats:finalize", "flame:finalize",
	}
	if len(log) != len(want) {
		t.Fatalf("got %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("got %v, want %v", log, want)
		}
	}

	if got, want := d.Features(), trace.FeatureMemory|trace.FeatureJavaScript|trace.FeatureBinding; got != want {
		t.Errorf("Features()=%s, want %s", got, want)
	}
}

func TestLateAnnouncement(t *testing.T) {
	var n int
	d := New()
	d.Dispatch(trace.Event{}, &jsType)
	d.AnnounceFuncs(trace.FeatureJavaScript, Funcs{OnEvent: func(trace.Event, *trace.EventType) { n++ }})
	d.Dispatch(trace.Event{}, &jsType)
	d.Initialize()
	d.Finalize(0)
	if n != 1 {
		t.Errorf("late consumer saw %d events, want 1", n)
	}
}

func TestFeatureNotifications(t *testing.T) {
	d := New()
	var changes []trace.Feature
	d.OnFeaturesChanged(func(available, visible trace.Feature) {
		changes = append(changes, available)
	})

	d.Dispatch(trace.Event{}, &memoryType)
	d.Dispatch(trace.Event{}, &memoryType)
	d.Dispatch(trace.Event{}, &jsType)
	if len(changes) != 2 {
		t.Fatalf("got %d notifications, want 2", len(changes))
	}
	if got, want := d.AvailableFeatures(), trace.FeatureMemory|trace.FeatureJavaScript; got != want {
		t.Errorf("AvailableFeatures()=%s, want %s", got, want)
	}

	d.SetVisibleFeatures(trace.FeatureMemory)
	d.SetVisibleFeatures(trace.FeatureMemory)
	if len(changes) != 3 {
		t.Errorf("got %d notifications after changing visibility, want 3", len(changes))
	}
	if d.VisibleFeatures() != trace.FeatureMemory {
		t.Errorf("VisibleFeatures()=%s", d.VisibleFeatures())
	}

	d.Clear()
	if d.AvailableFeatures() != trace.FeatureNone || changes[len(changes)-1] != trace.FeatureNone {
		t.Errorf("Clear didn't reset available features")
	}
}
