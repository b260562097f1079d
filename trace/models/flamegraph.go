package models

import (
	"sort"

	myslices "honnef.co/go/qmltrace/slices"
	"honnef.co/go/qmltrace/trace"
)

type FlameFrame struct {
	Parent *FlameFrame
	// Type is the type index of the frame's ranges, or RootType for the root frame.
	Type     int32
	Duration trace.Timestamp
	Calls    int
	// Memory and Allocations count the memory allocated while the frame was the innermost active range.
	Memory      int64
	Allocations int
	// Children is sorted by duration, longest first. It is populated by Finalize.
	Children []*FlameFrame

	// immediate children indexed by type
	children map[int32]*FlameFrame
}

func newFlameFrame(parent *FlameFrame, typ int32) *FlameFrame {
	return &FlameFrame{
		Parent:   parent,
		Type:     typ,
		children: map[int32]*FlameFrame{},
	}
}

type flameEntry struct {
	frame *FlameFrame
	start trace.Timestamp
}

// FlameGraph merges all call paths with the same sequence of types into one frame.
type FlameGraph struct {
	root  *FlameFrame
	types map[int32]trace.EventType

	callStack    []flameEntry
	compileStack []flameEntry
}

func NewFlameGraph() *FlameGraph {
	fg := &FlameGraph{}
	fg.Clear()
	return fg
}

func (fg *FlameGraph) Features() trace.Feature {
	return trace.FeatureJavaScript | trace.FeaturePainting | trace.FeatureCompiling | trace.FeatureCreating |
		trace.FeatureBinding | trace.FeatureHandlingSignal | trace.FeatureMemory
}

func (fg *FlameGraph) Initialize() {}

func (fg *FlameGraph) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if typ.Message == trace.MessageMemory {
		// Heap pages are allocated by the engine, not by any particular range.
		if typ.Detail == trace.HeapPage {
			return
		}
		amount := ev.Arg(trace.ArgMemoryAmount)
		if amount <= 0 {
			return
		}
		f := myslices.Last(fg.callStack, flameEntry{frame: fg.root}).frame
		f.Memory += amount
		f.Allocations++
		return
	}
	if !typ.IsRange() {
		return
	}

	stack := &fg.callStack
	if typ.RangeType == trace.RangeCompiling {
		stack = &fg.compileStack
	}
	switch ev.Stage() {
	case trace.StageStart:
		parent := myslices.Last(*stack, flameEntry{frame: fg.root}).frame
		child, ok := parent.children[ev.Type]
		if !ok {
			child = newFlameFrame(parent, ev.Type)
			parent.children[ev.Type] = child
		}
		child.Calls++
		fg.types[ev.Type] = *typ
		*stack = append(*stack, flameEntry{frame: child, start: ev.Ts})

	case trace.StageEnd:
		st := *stack
		if i := myslices.LastIndexFunc(st, func(e flameEntry) bool { return e.frame.Type == ev.Type }); i != -1 {
			fg.close(st[i], ev.Ts)
			*stack = st[:i]
		}
	}
}

func (fg *FlameGraph) close(e flameEntry, end trace.Timestamp) {
	d := end - e.start
	if d < 0 {
		d = 0
	}
	e.frame.Duration += d
	if e.frame.Parent == fg.root {
		fg.root.Duration += d
	}
}

func (fg *FlameGraph) Finalize(end trace.Timestamp) {
	for _, stack := range [][]flameEntry{fg.callStack, fg.compileStack} {
		for {
			e, rest, ok := myslices.Pop(stack)
			if !ok {
				break
			}
			fg.close(e, end)
			stack = rest
		}
	}
	fg.callStack = nil
	fg.compileStack = nil

	var doSort func(frame *FlameFrame)
	doSort = func(frame *FlameFrame) {
		children := make([]*FlameFrame, 0, len(frame.children))
		for _, child := range frame.children {
			doSort(child)
			children = append(children, child)
		}
		sort.Slice(children, func(i, j int) bool {
			if children[i].Duration != children[j].Duration {
				return children[i].Duration > children[j].Duration
			}
			return children[i].Type < children[j].Type
		})
		frame.Children = children
	}
	doSort(fg.root)
}

func (fg *FlameGraph) Clear() {
	fg.root = newFlameFrame(nil, RootType)
	fg.types = map[int32]trace.EventType{}
	fg.callStack = nil
	fg.compileStack = nil
}

// Root returns the root frame, whose children are the top-level ranges.
func (fg *FlameGraph) Root() *FlameFrame { return fg.root }

// Name returns the display name of the frame's type.
func (fg *FlameGraph) Name(f *FlameFrame) string {
	if f.Type == RootType {
		return "program"
	}
	typ := fg.types[f.Type]
	return typ.DisplayName
}

// Walk calls fn for every frame below the root in depth-first order, stopping early if fn returns false.
func (fg *FlameGraph) Walk(fn func(f *FlameFrame, depth int) bool) {
	var walk func(f *FlameFrame, depth int) bool
	walk = func(f *FlameFrame, depth int) bool {
		for _, child := range f.Children {
			if !fn(child, depth) || !walk(child, depth+1) {
				return false
			}
		}
		return true
	}
	walk(fg.root, 0)
}

func (fg *FlameGraph) Details(f *FlameFrame) []Detail {
	ds := []Detail{
		{"Name", fg.Name(f)},
		{"Calls", local.Sprintf("%d", f.Calls)},
		{"Total Time", FormatDuration(f.Duration)},
	}
	if fg.root.Duration > 0 {
		ds = append(ds, Detail{"Time in Percent", local.Sprintf("%.2f %%", float64(f.Duration)*100/float64(fg.root.Duration))})
	}
	if f.Allocations > 0 {
		ds = append(ds,
			Detail{"Memory", FormatBytes(f.Memory)},
			Detail{"Allocations", local.Sprintf("%d", f.Allocations)})
	}
	if typ, ok := fg.types[f.Type]; ok && typ.Data != "" && typ.Data != typ.DisplayName {
		ds = append(ds, Detail{"Details", typ.Data})
	}
	return ds
}
