package models

import (
	"honnef.co/go/qmltrace/trace"
)

const (
	// MemoryRowHeap shows the size of the JavaScript heap: heap pages and large items.
	MemoryRowHeap = 0
	// MemoryRowUsage shows memory used by small and large items.
	MemoryRowUsage = 1
)

// MemoryItem is an interval during which the heap size or memory usage stayed constant, apart from the
// allocations merged into it.
type MemoryItem struct {
	Start    trace.Timestamp
	Duration trace.Timestamp
	Row      int
	// Detail is the memory detail type of the event that opened the interval.
	Detail int32
	// Size is the heap size or memory usage at the end of the interval.
	Size          int64
	Allocated     int64
	Deallocated   int64
	Allocations   int
	Deallocations int
	// Origin is the type of the range the allocations happened in, or -1.
	Origin int32
	// open is set until the interval has been given a duration.
	open bool
}

func (it *MemoryItem) update(amount int64) {
	it.Size += amount
	if amount < 0 {
		it.Deallocated -= amount
		it.Deallocations++
	} else {
		it.Allocated += amount
		it.Allocations++
	}
}

type memoryFrame struct {
	origin int32
	start  trace.Timestamp
}

// MemoryUsage tracks the size of the JavaScript heap and the memory used by objects over time. Consecutive
// allocations that happen in the same range, or outside of ranges in the same direction, are merged into one
// item.
type MemoryUsage struct {
	items []MemoryItem
	names map[int32]string

	rangeStack []memoryFrame
	// continueUsage and continueHeap are cleared by every range event, so that allocations are only merged
	// when no range started or ended in between.
	continueUsage bool
	continueHeap  bool
	currentUsage  int64
	currentSize   int64
	usageIndex    int
	heapIndex     int
	maxSize       int64
}

func NewMemoryUsage() *MemoryUsage {
	m := &MemoryUsage{}
	m.Clear()
	return m
}

func (m *MemoryUsage) Features() trace.Feature {
	// Range events are needed to attribute allocations to their origin.
	return trace.FeatureMemory | trace.FeatureJavaScript | trace.FeatureBinding | trace.FeatureHandlingSignal |
		trace.FeatureCreating | trace.FeatureCompiling
}

func (m *MemoryUsage) Initialize() {}

func (m *MemoryUsage) LoadEvent(ev trace.Event, typ *trace.EventType) {
	if typ.Message != trace.MessageMemory {
		if !typ.IsRange() {
			return
		}
		m.continueUsage = false
		m.continueHeap = false
		switch ev.Stage() {
		case trace.StageStart:
			m.rangeStack = append(m.rangeStack, memoryFrame{origin: ev.Type, start: ev.Ts})
			m.names[ev.Type] = typ.DisplayName
		case trace.StageEnd:
			if n := len(m.rangeStack); n > 0 && m.rangeStack[n-1].origin == ev.Type {
				m.rangeStack = m.rangeStack[:n-1]
			}
		}
		return
	}

	amount := ev.Arg(trace.ArgMemoryAmount)
	origin := int32(-1)
	if n := len(m.rangeStack); n > 0 {
		origin = m.rangeStack[n-1].origin
	}

	if typ.Detail == trace.SmallItem || typ.Detail == trace.LargeItem {
		if m.continueUsage && m.canContinue(m.usageIndex, amount) {
			m.items[m.usageIndex].update(amount)
			m.currentUsage = m.items[m.usageIndex].Size
		} else {
			m.usageIndex = m.open(ev.Ts, MemoryRowUsage, typ.Detail, m.currentUsage, amount, origin, m.usageIndex)
			m.currentUsage = m.items[m.usageIndex].Size
			m.continueUsage = true
		}
	}

	if typ.Detail == trace.HeapPage || typ.Detail == trace.LargeItem {
		if m.continueHeap && m.canContinue(m.heapIndex, amount) && m.items[m.heapIndex].Detail == typ.Detail {
			m.items[m.heapIndex].update(amount)
			m.currentSize = m.items[m.heapIndex].Size
		} else {
			m.heapIndex = m.open(ev.Ts, MemoryRowHeap, typ.Detail, m.currentSize, amount, origin, m.heapIndex)
			m.currentSize = m.items[m.heapIndex].Size
			m.continueHeap = true
		}
		if m.currentSize > m.maxSize {
			m.maxSize = m.currentSize
		}
	}
}

// canContinue reports whether an allocation of amount can be merged into the item at idx.
func (m *MemoryUsage) canContinue(idx int, amount int64) bool {
	if idx < 0 {
		return false
	}
	last := &m.items[idx]
	if len(m.rangeStack) == 0 {
		// Outside of ranges, only merge allocations going in the same direction.
		if amount < 0 {
			return last.Allocations == 0
		}
		return last.Deallocations == 0
	}
	top := m.rangeStack[len(m.rangeStack)-1]
	return last.Origin == top.origin && last.Start > top.start
}

// open starts a new item with the given base size and closes the previous item of the same row.
func (m *MemoryUsage) open(ts trace.Timestamp, row int, detail int32, base, amount int64, origin int32, prev int) int {
	if prev >= 0 {
		m.close(prev, ts-1)
	}
	it := MemoryItem{
		Start:  ts,
		Row:    row,
		Detail: detail,
		Size:   base,
		Origin: origin,
		open:   true,
	}
	it.update(amount)
	m.items = append(m.items, it)
	return len(m.items) - 1
}

func (m *MemoryUsage) close(idx int, end trace.Timestamp) {
	it := &m.items[idx]
	if !it.open {
		return
	}
	it.Duration = end - it.Start
	if it.Duration < 0 {
		it.Duration = 0
	}
	it.open = false
}

func (m *MemoryUsage) Finalize(end trace.Timestamp) {
	if m.usageIndex >= 0 {
		m.close(m.usageIndex, end)
	}
	if m.heapIndex >= 0 {
		m.close(m.heapIndex, end)
	}
	m.rangeStack = nil
	m.continueUsage = false
	m.continueHeap = false
}

func (m *MemoryUsage) Clear() {
	m.items = nil
	m.names = map[int32]string{}
	m.rangeStack = nil
	m.continueUsage = false
	m.continueHeap = false
	m.currentUsage = 0
	m.currentSize = 0
	m.usageIndex = -1
	m.heapIndex = -1
	m.maxSize = 0
}

// Items returns the memory items, ordered by start time.
func (m *MemoryUsage) Items() []MemoryItem { return m.items }

// MaxSize returns the largest heap size seen.
func (m *MemoryUsage) MaxSize() int64 { return m.maxSize }

// HeapSize returns the heap size at the end of the last item.
func (m *MemoryUsage) HeapSize() int64 { return m.currentSize }

// Usage returns the memory usage at the end of the last item.
func (m *MemoryUsage) Usage() int64 { return m.currentUsage }

func (m *MemoryUsage) Len() int                       { return len(m.items) }
func (m *MemoryUsage) Start(i int) trace.Timestamp    { return m.items[i].Start }
func (m *MemoryUsage) Duration(i int) trace.Timestamp { return m.items[i].Duration }
func (m *MemoryUsage) Row(i int) int                  { return m.items[i].Row }
func (m *MemoryUsage) Rows() int                      { return 2 }
func (m *MemoryUsage) ColorClass(i int) int           { return int(m.items[i].Detail) }

func (m *MemoryUsage) RowLabel(row int) string {
	if row == MemoryRowHeap {
		return "Memory Allocation"
	}
	return "Memory Usage"
}

func (m *MemoryUsage) Label(i int) string {
	it := &m.items[i]
	switch {
	case it.Allocations > 0 && it.Deallocations > 0:
		return "Memory Allocated and Freed"
	case it.Deallocations > 0:
		return "Memory Freed"
	case it.Row == MemoryRowHeap && it.Detail == trace.HeapPage:
		return "Heap Allocation"
	default:
		return "Memory Allocated"
	}
}

func (m *MemoryUsage) Details(i int) []Detail {
	it := &m.items[i]
	ds := []Detail{
		{"Type", m.Label(i)},
		{"Total", FormatBytes(it.Size)},
	}
	if it.Allocations > 0 {
		ds = append(ds,
			Detail{"Allocated", FormatBytes(it.Allocated)},
			Detail{"Allocations", local.Sprintf("%d", it.Allocations)})
	}
	if it.Deallocations > 0 {
		ds = append(ds,
			Detail{"Deallocated", FormatBytes(it.Deallocated)},
			Detail{"Deallocations", local.Sprintf("%d", it.Deallocations)})
	}
	if it.Origin >= 0 {
		ds = append(ds, Detail{"Location", m.names[it.Origin]})
	}
	ds = append(ds, Detail{"Duration", FormatDuration(it.Duration)})
	return ds
}
