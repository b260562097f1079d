package models

import (
	"sort"

	"golang.org/x/exp/slices"

	"honnef.co/go/qmltrace/container"
	"honnef.co/go/qmltrace/mem"
	myslices "honnef.co/go/qmltrace/slices"
	"honnef.co/go/qmltrace/trace"
)

// RootType is the pseudo type index of the program itself, which calls all top-level ranges.
const RootType int32 = -1

type Statistic struct {
	Calls int
	Total trace.Timestamp
	// Self is Total minus the time spent in nested ranges.
	Self trace.Timestamp
	// Recursive is the time spent in calls that were nested in another call of the same type.
	Recursive trace.Timestamp
	Min       trace.Timestamp
	Max       trace.Timestamp
	Average   float64
	Median    float64
	// PercentOfTotal and PercentSelf relate Total and Self to the duration of all top-level ranges.
	PercentOfTotal float64
	PercentSelf    float64
	// BindingLoop is set if a range of this type started while another range of the same type was active.
	BindingLoop bool

	durations []trace.Timestamp
}

// TypeStatistic is a Statistic together with the type it describes.
type TypeStatistic struct {
	Type        int32
	EventType   trace.EventType
	Statistic
}

// CallStatistic describes calls from one type (the caller) to another (the callee).
type CallStatistic struct {
	Caller int32
	Callee int32
	Calls  int
	// Total doesn't include recursive calls, which would otherwise be counted twice.
	Total     trace.Timestamp
	Recursive bool
}

type statFrame struct {
	start trace.Timestamp
	typ   int32
}

type callKey struct {
	caller, callee int32
}

// Statistics aggregates range durations per type and builds the call tree.
type Statistics struct {
	stats []Statistic
	types []trace.EventType
	seen  []bool
	calls map[callKey]*CallStatistic
	loops container.Set[int32]

	// Compilation happens on its own and doesn't nest with other ranges.
	callStack    []statFrame
	compileStack []statFrame
	rootDuration trace.Timestamp
}

func NewStatistics() *Statistics {
	s := &Statistics{}
	s.Clear()
	return s
}

func (s *Statistics) Features() trace.Feature {
	return trace.FeatureJavaScript | trace.FeaturePainting | trace.FeatureCompiling | trace.FeatureCreating |
		trace.FeatureBinding | trace.FeatureHandlingSignal
}

func (s *Statistics) Initialize() {}

func (s *Statistics) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if !typ.IsRange() {
		return
	}
	stack := &s.callStack
	if typ.RangeType == trace.RangeCompiling {
		stack = &s.compileStack
	}

	switch ev.Stage() {
	case trace.StageStart:
		for _, f := range *stack {
			if f.typ == ev.Type {
				s.loops.Add(ev.Type)
				break
			}
		}
		*stack = append(*stack, statFrame{start: ev.Ts, typ: ev.Type})
		n := int(ev.Type) + 1
		s.stats = mem.EnsureLen(s.stats, n)
		s.types = mem.EnsureLen(s.types, n)
		s.seen = mem.EnsureLen(s.seen, n)
		s.types[ev.Type] = *typ
		s.seen[ev.Type] = true

	case trace.StageEnd:
		st := *stack
		match := myslices.LastIndexFunc(st, func(f statFrame) bool { return f.typ == ev.Type })
		if match == -1 {
			return
		}
		// Frames above the match were never closed; drop them.
		frame := st[match]
		*stack = st[:match]
		s.close(*stack, frame, ev.Ts)
	}
}

// close accounts for a call of frame's type that ended at end. st holds the frames that are still open.
func (s *Statistics) close(st []statFrame, frame statFrame, end trace.Timestamp) {
	d := end - frame.start
	if d < 0 {
		d = 0
	}
	stat := &s.stats[frame.typ]
	stat.Calls++
	stat.Total += d
	stat.Self += d
	stat.durations = append(stat.durations, d)
	if stat.Calls == 1 || d < stat.Min {
		stat.Min = d
	}
	if d > stat.Max {
		stat.Max = d
	}

	recursive := false
	for _, f := range st {
		if f.typ == frame.typ {
			recursive = true
			stat.Recursive += d
			break
		}
	}

	caller := myslices.Last(st, statFrame{typ: RootType}).typ
	if caller == RootType {
		s.rootDuration += d
	} else {
		s.stats[caller].Self -= d
	}

	key := callKey{caller, frame.typ}
	cs, ok := s.calls[key]
	if !ok {
		cs = &CallStatistic{Caller: caller, Callee: frame.typ}
		s.calls[key] = cs
	}
	cs.Calls++
	if recursive {
		cs.Recursive = true
	} else {
		cs.Total += d
	}
}

func (s *Statistics) Finalize(end trace.Timestamp) {
	// Ranges still open at the end of the trace or restriction are closed there.
	for _, stack := range [][]statFrame{s.callStack, s.compileStack} {
		for {
			frame, rest, ok := myslices.Pop(stack)
			if !ok {
				break
			}
			stack = rest
			s.close(stack, frame, end)
		}
	}

	for i := range s.stats {
		stat := &s.stats[i]
		stat.BindingLoop = s.loops.Has(int32(i))
		if stat.Calls == 0 {
			continue
		}
		stat.Average = float64(stat.Total) / float64(stat.Calls)
		stat.Median = median(stat.durations)
		if s.rootDuration > 0 {
			stat.PercentOfTotal = float64(stat.Total) * 100 / float64(s.rootDuration)
			stat.PercentSelf = float64(stat.Self) * 100 / float64(s.rootDuration)
		}
	}
	s.callStack = nil
	s.compileStack = nil
}

// median returns the middle value of values, or the mean of the two middle values if there is an even number
// of them. values gets sorted.
func median(values []trace.Timestamp) float64 {
	if len(values) == 0 {
		return 0
	}
	slices.Sort(values)
	if len(values)%2 == 0 {
		mid := len(values) / 2
		return float64(values[mid]+values[mid-1]) / 2
	}
	return float64(values[len(values)/2])
}

func (s *Statistics) Clear() {
	s.stats = nil
	s.types = nil
	s.seen = nil
	s.calls = map[callKey]*CallStatistic{}
	s.loops = container.Set[int32]{}
	s.callStack = nil
	s.compileStack = nil
	s.rootDuration = 0
}

// RootDuration returns the summed duration of all top-level ranges.
func (s *Statistics) RootDuration() trace.Timestamp { return s.rootDuration }

// Get returns the statistics of the type with index idx.
func (s *Statistics) Get(idx int32) (Statistic, bool) {
	if idx < 0 || int(idx) >= len(s.stats) || !s.seen[idx] {
		return Statistic{}, false
	}
	return s.stats[idx], true
}

// IsBindingLoop reports whether ranges of the type with index idx took part in a binding loop.
func (s *Statistics) IsBindingLoop(idx int32) bool {
	return s.loops.Has(idx)
}

// All returns the statistics of all types that had at least one range, ordered by total time, longest first.
func (s *Statistics) All() []TypeStatistic {
	var out []TypeStatistic
	for i := range s.stats {
		if !s.seen[i] {
			continue
		}
		out = append(out, TypeStatistic{Type: int32(i), EventType: s.types[i], Statistic: s.stats[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Total > out[j].Total
	})
	return out
}

// Callees returns the calls made by ranges of type idx, or by the program if idx is RootType.
func (s *Statistics) Callees(idx int32) []CallStatistic {
	return s.relatives(func(k callKey) bool { return k.caller == idx })
}

// Callers returns the calls made to ranges of type idx.
func (s *Statistics) Callers(idx int32) []CallStatistic {
	return s.relatives(func(k callKey) bool { return k.callee == idx })
}

func (s *Statistics) relatives(pred func(callKey) bool) []CallStatistic {
	var out []CallStatistic
	for k, cs := range s.calls {
		if pred(k) {
			out = append(out, *cs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		if out[i].Caller != out[j].Caller {
			return out[i].Caller < out[j].Caller
		}
		return out[i].Callee < out[j].Callee
	})
	return out
}

// Details describes the statistics of type idx.
func (s *Statistics) Details(idx int32) []Detail {
	stat, ok := s.Get(idx)
	if !ok {
		return nil
	}
	typ := &s.types[idx]
	ds := []Detail{
		{"Name", typ.DisplayName},
		{"Type", typ.Name()},
		{"Calls", local.Sprintf("%d", stat.Calls)},
		{"Total Time", FormatDuration(stat.Total)},
		{"Self Time", FormatDuration(stat.Self)},
		{"Time in Percent", local.Sprintf("%.2f %%", stat.PercentOfTotal)},
		{"Mean Time", FormatDuration(trace.Timestamp(stat.Average))},
		{"Median Time", FormatDuration(trace.Timestamp(stat.Median))},
		{"Shortest Time", FormatDuration(stat.Min)},
		{"Longest Time", FormatDuration(stat.Max)},
	}
	if stat.Recursive > 0 {
		ds = append(ds, Detail{"Recursion", FormatDuration(stat.Recursive)})
	}
	if stat.BindingLoop {
		ds = append(ds, Detail{"Binding Loop", "yes"})
	}
	if typ.Data != "" && typ.Data != typ.DisplayName {
		ds = append(ds, Detail{"Details", typ.Data})
	}
	return ds
}
