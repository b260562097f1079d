// Package dispatch routes events to the consumers interested in them.
//
// Consumers announce the features they handle. Every event is delivered to the consumers that announced
// the event type's feature, in announcement order.
package dispatch

import (
	"honnef.co/go/qmltrace/trace"
)

// Consumer builds some view of the trace from the events routed to it.
type Consumer interface {
	// Initialize is called before events are delivered.
	Initialize()
	LoadEvent(ev trace.Event, typ *trace.EventType)
	// Finalize is called after the last event. end is the end of the trace, or of the restricted range.
	Finalize(end trace.Timestamp)
	// Clear discards all state.
	Clear()
}

// Funcs adapts a set of functions to the Consumer interface. Nil functions are skipped.
type Funcs struct {
	OnInitialize func()
	OnEvent      func(ev trace.Event, typ *trace.EventType)
	OnFinalize   func(end trace.Timestamp)
	OnClear      func()
}

func (fs *Funcs) Initialize() {
	if fs.OnInitialize != nil {
		fs.OnInitialize()
	}
}

func (fs *Funcs) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if fs.OnEvent != nil {
		fs.OnEvent(ev, typ)
	}
}

func (fs *Funcs) Finalize(end trace.Timestamp) {
	if fs.OnFinalize != nil {
		fs.OnFinalize(end)
	}
}

func (fs *Funcs) Clear() {
	if fs.OnClear != nil {
		fs.OnClear()
	}
}

type registration struct {
	features trace.Feature
	consumer Consumer
}

// Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	consumers []registration
	// byFeature maps a feature's bit position to the consumers interested in it.
	byFeature [64][]Consumer

	available trace.Feature
	visible   trace.Feature
	listeners []func(available, visible trace.Feature)
}

func New() *Dispatcher {
	return &Dispatcher{visible: trace.FeatureAll}
}

// Announce registers c for the features in mask. A consumer registered late receives only the events
// dispatched after its registration.
func (d *Dispatcher) Announce(mask trace.Feature, c Consumer) {
	d.consumers = append(d.consumers, registration{mask, c})
	for bit := 0; bit < len(d.byFeature); bit++ {
		if mask&(1<<bit) != 0 {
			d.byFeature[bit] = append(d.byFeature[bit], c)
		}
	}
}

// AnnounceFuncs is a convenience wrapper around Announce.
func (d *Dispatcher) AnnounceFuncs(mask trace.Feature, fs Funcs) {
	d.Announce(mask, &fs)
}

// Features returns the union of all announced features.
func (d *Dispatcher) Features() trace.Feature {
	var f trace.Feature
	for _, r := range d.consumers {
		f |= r.features
	}
	return f
}

// Dispatch delivers ev to the consumers of its type's feature. Events of types without a feature are only
// recorded as having been seen.
func (d *Dispatcher) Dispatch(ev trace.Event, typ *trace.EventType) {
	f := typ.Feature()
	if f == trace.FeatureNone {
		return
	}
	if d.available&f == 0 {
		d.available |= f
		d.notify()
	}
	for _, c := range d.byFeature[bitOf(f)] {
		c.LoadEvent(ev, typ)
	}
}

func bitOf(f trace.Feature) int {
	for i := 0; i < 64; i++ {
		if f == 1<<i {
			return i
		}
	}
	panic("not a single feature")
}

// Initialize calls Initialize on every consumer, in announcement order.
func (d *Dispatcher) Initialize() {
	for _, r := range d.consumers {
		r.consumer.Initialize()
	}
}

// Finalize calls Finalize on every consumer, in announcement order.
func (d *Dispatcher) Finalize(end trace.Timestamp) {
	for _, r := range d.consumers {
		r.consumer.Finalize(end)
	}
}

// Clear calls Clear on every consumer and forgets which features have been seen.
func (d *Dispatcher) Clear() {
	for _, r := range d.consumers {
		r.consumer.Clear()
	}
	if d.available != trace.FeatureNone {
		d.available = trace.FeatureNone
		d.notify()
	}
}

// AvailableFeatures returns the features of all events dispatched since the last Clear.
func (d *Dispatcher) AvailableFeatures() trace.Feature { return d.available }

// SetAvailableFeatures records features as seen without dispatching events, for example when loading a trace
// file that lists them up front.
func (d *Dispatcher) SetAvailableFeatures(f trace.Feature) {
	if f == d.available {
		return
	}
	d.available = f
	d.notify()
}

// VisibleFeatures returns the features the user chose to look at.
func (d *Dispatcher) VisibleFeatures() trace.Feature { return d.visible }

func (d *Dispatcher) SetVisibleFeatures(f trace.Feature) {
	if f == d.visible {
		return
	}
	d.visible = f
	d.notify()
}

// OnFeaturesChanged registers fn to be called whenever the available or visible features change.
func (d *Dispatcher) OnFeaturesChanged(fn func(available, visible trace.Feature)) {
	d.listeners = append(d.listeners, fn)
}

func (d *Dispatcher) notify() {
	for _, fn := range d.listeners {
		fn(d.available, d.visible)
	}
}
