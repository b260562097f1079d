package codec

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"honnef.co/go/qmltrace/container"
	ptrace "honnef.co/go/qmltrace/trace"
)

// qtdVersion is the only version of the XML format we read and write.
const qtdVersion = "1.02"

type qtdEvent struct {
	XMLName     xml.Name `xml:"event"`
	Index       int32    `xml:"index,attr"`
	DisplayName string   `xml:"displayname"`
	Type        string   `xml:"type"`
	Filename    *string  `xml:"filename,omitempty"`
	Line        *int32   `xml:"line,omitempty"`
	Column      *int32   `xml:"column,omitempty"`
	Details     string   `xml:"details,omitempty"`

	// The detail type is stored in an element whose name depends on the message.
	BindingType      *int32 `xml:"bindingType,omitempty"`
	CacheEventType   *int32 `xml:"cacheEventType,omitempty"`
	SGEventType      *int32 `xml:"sgEventType,omitempty"`
	MemoryEventType  *int32 `xml:"memoryEventType,omitempty"`
	MouseEvent       *int32 `xml:"mouseEvent,omitempty"`
	KeyEvent         *int32 `xml:"keyEvent,omitempty"`
	AnimationFrame   *int32 `xml:"animationFrame,omitempty"`
	Level            *int32 `xml:"level,omitempty"`
	Quick3DEventType *int32 `xml:"quick3dEventType,omitempty"`
}

type qtdRange struct {
	XMLName    xml.Name   `xml:"range"`
	StartTime  int64      `xml:"startTime,attr"`
	Duration   *int64     `xml:"duration,attr,omitempty"`
	EventIndex int32      `xml:"eventIndex,attr"`
	Attrs      []xml.Attr `xml:",any,attr"`
}

type qtdNote struct {
	XMLName      xml.Name `xml:"note"`
	StartTime    int64    `xml:"startTime,attr"`
	Duration     int64    `xml:"duration,attr"`
	EventIndex   int32    `xml:"eventIndex,attr"`
	CollapsedRow int32    `xml:"collapsedRow,attr"`
	Text         string   `xml:",chardata"`
}

// argNames returns the attribute names of the numeric arguments of events of type t.
func argNames(t *ptrace.EventType) []string {
	switch t.Message {
	case ptrace.MessageEvent:
		if t.Detail == ptrace.EventAnimationFrame {
			return []string{"framerate", "animationcount", "thread"}
		}
		return []string{"type", "data1", "data2"}
	case ptrace.MessagePixmapCache:
		return []string{"width", "height", "refCount"}
	case ptrace.MessageMemory:
		return []string{"amount"}
	case ptrace.MessageSceneGraph:
		return []string{"timing1", "timing2", "timing3", "timing4", "timing5"}
	case ptrace.MessageQuick3D:
		return []string{"data1", "data2", "data3", "data4", "data5"}
	default:
		return nil
	}
}

// detailField returns the field of e that holds the detail type of events of type t.
func detailField(e *qtdEvent, t *ptrace.EventType) **int32 {
	switch t.Message {
	case ptrace.MessageEvent:
		switch t.Detail {
		case ptrace.EventKey:
			return &e.KeyEvent
		case ptrace.EventAnimationFrame:
			return &e.AnimationFrame
		default:
			return &e.MouseEvent
		}
	case ptrace.MessagePixmapCache:
		return &e.CacheEventType
	case ptrace.MessageSceneGraph:
		return &e.SGEventType
	case ptrace.MessageMemory:
		return &e.MemoryEventType
	case ptrace.MessageDebug:
		return &e.Level
	case ptrace.MessageQuick3D:
		return &e.Quick3DEventType
	}
	if t.RangeType == ptrace.RangeBinding || t.Detail != 0 {
		return &e.BindingType
	}
	return nil
}

func newQtdEvent(idx int32, t *ptrace.EventType) qtdEvent {
	e := qtdEvent{
		Index:       idx,
		DisplayName: t.DisplayName,
		Type:        t.Name(),
		Details:     t.Data,
	}
	if loc, ok := t.Location.Get(); ok {
		e.Filename = &loc.File
		e.Line = &loc.Line
		e.Column = &loc.Column
	}
	if f := detailField(&e, t); f != nil {
		d := t.Detail
		*f = &d
	}
	return e
}

func (e *qtdEvent) eventType() (ptrace.EventType, error) {
	t := ptrace.EventType{
		Message:     ptrace.MessageNone,
		RangeType:   ptrace.RangeNone,
		DisplayName: e.DisplayName,
		Data:        e.Details,
	}
	if rt, ok := ptrace.ParseRangeType(e.Type); ok {
		t.RangeType = rt
	} else if m, ok := ptrace.ParseMessage(e.Type); ok {
		t.Message = m
	} else if n, err := strconv.Atoi(e.Type); err == nil && n >= 0 && n < int(ptrace.RangeNone) {
		// Old files stored the range type as a number.
		t.RangeType = ptrace.RangeType(n)
	} else {
		return t, ptrace.ErrCorruptData.WithMessagef("event %d has unknown type %q", e.Index, e.Type)
	}
	if e.Filename != nil {
		loc := ptrace.Location{File: *e.Filename}
		if e.Line != nil {
			loc.Line = *e.Line
		}
		if e.Column != nil {
			loc.Column = *e.Column
		}
		t.Location = container.Some(loc)
	}
	for _, d := range []*int32{
		e.BindingType, e.CacheEventType, e.SGEventType, e.MemoryEventType, e.MouseEvent, e.KeyEvent,
		e.AnimationFrame, e.Level, e.Quick3DEventType,
	} {
		if d != nil {
			t.Detail = *d
			break
		}
	}
	if t.DisplayName == "" {
		t.DisplayName = t.DefaultDisplayName()
	}
	return t, nil
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func tsAttr(name string, ts ptrace.Timestamp) xml.Attr {
	return attr(name, strconv.FormatInt(int64(ts), 10))
}

// qtdItem is an element of the profilerDataModel: a complete range, or a single non-range event.
type qtdItem struct {
	start, end ptrace.Timestamp
	ev         ptrace.Event
	isRange    bool
	seq        int
}

func saveQtd(ctx context.Context, w io.Writer, src Source, opts Options) error {
	p := &progresser{fn: opts.Progress}
	bw := bufio.NewWriter(w)
	enc := xml.NewEncoder(bw)
	enc.Indent("", "  ")
	start, end := src.TraceTime()
	types := src.AllTypes()

	if _, err := io.WriteString(bw, xml.Header); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	root := xml.StartElement{
		Name: xml.Name{Local: "trace"},
		Attr: []xml.Attr{attr("version", qtdVersion), tsAttr("traceStart", start), tsAttr("traceEnd", end)},
	}
	eventData := xml.StartElement{
		Name: xml.Name{Local: "eventData"},
		Attr: []xml.Attr{tsAttr("totalTime", end-start)},
	}
	if err := encodeTokens(enc, root, eventData); err != nil {
		return err
	}
	for i := range types {
		if err := enc.Encode(newQtdEvent(int32(i), &types[i])); err != nil {
			return ptrace.ErrIO.Wrap(err)
		}
	}
	dataModel := xml.StartElement{Name: xml.Name{Local: "profilerDataModel"}}
	if err := encodeTokens(enc, eventData.End(), dataModel); err != nil {
		return err
	}
	p.stage(stageTypes)(1)

	// Pair up range starts and ends. The XML format stores ranges as a start time and a duration.
	var items []qtdItem
	open := map[int32][]int{}
	seq := 0
	err := src.ReplayEvents(ctx, func(ev ptrace.Event) error {
		if ev.Type < 0 || int(ev.Type) >= len(types) {
			return ptrace.ErrCorruptData.WithMessagef("event at %d refers to type %d, have %d types", ev.Ts, ev.Type, len(types))
		}
		t := &types[ev.Type]
		seq++
		if !t.IsRange() {
			items = append(items, qtdItem{start: ev.Ts, end: ev.Ts, ev: ev, seq: seq})
			return nil
		}
		switch ev.Stage() {
		case ptrace.StageStart:
			items = append(items, qtdItem{start: ev.Ts, end: ptrace.NoTimestamp, ev: ev, isRange: true, seq: seq})
			open[ev.Type] = append(open[ev.Type], len(items)-1)
		case ptrace.StageEnd:
			stack := open[ev.Type]
			if len(stack) == 0 {
				opts.Logger.Debug("dropping unmatched range end", zap.Int64("ts", int64(ev.Ts)), zap.Int32("type", ev.Type))
				return nil
			}
			items[stack[len(stack)-1]].end = ev.Ts
			open[ev.Type] = stack[:len(stack)-1]
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].end == ptrace.NoTimestamp {
			items[i].end = max(end, items[i].start)
		}
	}
	// Starting times ascending, ending times descending, so that enclosing ranges precede the ranges they
	// contain.
	slices.SortStableFunc(items, func(a, b qtdItem) int {
		switch {
		case a.start != b.start:
			return cmpTs(a.start, b.start)
		case a.end != b.end:
			return cmpTs(b.end, a.end)
		default:
			return a.seq - b.seq
		}
	})

	progress := p.stage(stageEvents)
	for i, it := range items {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			progress(float64(i) / float64(len(items)))
		}
		r := qtdRange{StartTime: int64(it.start), EventIndex: it.ev.Type}
		if it.isRange {
			d := int64(it.end - it.start)
			r.Duration = &d
		} else {
			names := argNames(&types[it.ev.Type])
			for j := 0; j < int(it.ev.NArgs) && j < len(names); j++ {
				r.Attrs = append(r.Attrs, attr(names[j], strconv.FormatInt(it.ev.Args[j], 10)))
			}
			if it.ev.Str != "" {
				r.Attrs = append(r.Attrs, attr("text", it.ev.Str))
			}
		}
		if err := enc.Encode(r); err != nil {
			return ptrace.ErrIO.Wrap(err)
		}
	}

	noteData := xml.StartElement{Name: xml.Name{Local: "noteData"}}
	if err := encodeTokens(enc, dataModel.End(), noteData); err != nil {
		return err
	}
	for _, n := range src.AllNotes() {
		qn := qtdNote{
			StartTime:    int64(n.Start),
			Duration:     int64(n.Duration),
			EventIndex:   n.Type,
			CollapsedRow: n.CollapsedRow,
			Text:         n.Text,
		}
		if err := enc.Encode(qn); err != nil {
			return ptrace.ErrIO.Wrap(err)
		}
	}
	p.stage(stageNotes)(1)
	if err := encodeTokens(enc, noteData.End(), root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	if _, err := io.WriteString(bw, "\n"); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	if err := bw.Flush(); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	return nil
}

func cmpTs(a, b ptrace.Timestamp) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func encodeTokens(enc *xml.Encoder, toks ...xml.Token) error {
	for _, tok := range toks {
		if err := enc.EncodeToken(tok); err != nil {
			return ptrace.ErrIO.Wrap(err)
		}
	}
	return nil
}

type pendingEnd struct {
	ts  ptrace.Timestamp
	typ int32
	seq int
}

// qtdLoader turns the elements of an XML trace back into a stream of events.
type qtdLoader struct {
	sink Sink
	log  *zap.Logger

	// types read from eventData, by their index in the file
	fileTypes map[int32]ptrace.EventType
	// dense type indices, by index in the file
	indices  map[int32]int32
	types    []ptrace.EventType
	hasTypes bool

	// Ends of ranges that have been started, ordered by time. Of two ranges ending at the same time, the one
	// that started later ends first.
	ends *ptrace.Heap[pendingEnd]
	seq  int
}

func (l *qtdLoader) finishTypes() error {
	if l.hasTypes {
		return nil
	}
	idxs := make([]int32, 0, len(l.fileTypes))
	for idx := range l.fileTypes {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	l.types = make([]ptrace.EventType, len(idxs))
	for i, idx := range idxs {
		l.indices[idx] = int32(i)
		l.types[i] = l.fileTypes[idx]
	}
	l.hasTypes = true
	return l.sink.SetTypes(l.types)
}

func (l *qtdLoader) flushEnds(until ptrace.Timestamp) error {
	for l.ends.Len() > 0 && l.ends.Peek().ts <= until {
		e := l.ends.Pop()
		if err := l.sink.AddEvent(ptrace.NewRangeEvent(e.ts, e.typ, ptrace.StageEnd)); err != nil {
			return err
		}
	}
	return nil
}

func (l *qtdLoader) typeIndex(fileIdx int32) (int32, error) {
	idx, ok := l.indices[fileIdx]
	if !ok {
		return 0, ptrace.ErrCorruptData.WithMessagef("reference to unknown event %d", fileIdx)
	}
	return idx, nil
}

func (l *qtdLoader) addRange(r *qtdRange) error {
	idx, err := l.typeIndex(r.EventIndex)
	if err != nil {
		return err
	}
	start := ptrace.Timestamp(r.StartTime)
	if err := l.flushEnds(start); err != nil {
		return err
	}
	t := &l.types[idx]
	if t.IsRange() {
		var d int64
		if r.Duration != nil {
			d = *r.Duration
		}
		if d < 0 {
			return ptrace.ErrCorruptData.WithMessagef("range at %d has negative duration %d", start, d)
		}
		l.seq++
		l.ends.Push(pendingEnd{ts: start + ptrace.Timestamp(d), typ: idx, seq: l.seq})
		return l.sink.AddEvent(ptrace.NewRangeEvent(start, idx, ptrace.StageStart))
	}

	ev := ptrace.Event{Ts: start, Type: idx}
	names := argNames(t)
	for _, a := range r.Attrs {
		if a.Name.Local == "text" {
			ev.Str = a.Value
			continue
		}
		for i, name := range names {
			if a.Name.Local != name {
				continue
			}
			v, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return ptrace.ErrCorruptData.Wrapf(err, "attribute %s of event at %d", name, start)
			}
			ev.Args[i] = v
			if uint8(i+1) > ev.NArgs {
				ev.NArgs = uint8(i + 1)
			}
		}
	}
	return l.sink.AddEvent(ev)
}

func parseTsAttr(se *xml.StartElement, name string) (ptrace.Timestamp, bool, error) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			v, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return 0, false, ptrace.ErrCorruptData.Wrapf(err, "attribute %s", name)
			}
			return ptrace.Timestamp(v), true, nil
		}
	}
	return 0, false, nil
}

func loadQtd(ctx context.Context, cr *countingReader, size int64, sink Sink, opts Options) error {
	p := &progresser{fn: opts.Progress}
	dec := xml.NewDecoder(bufio.NewReader(cr))
	l := &qtdLoader{
		sink:      sink,
		log:       opts.Logger,
		fileTypes: map[int32]ptrace.EventType{},
		indices:   map[int32]int32{},
		ends: ptrace.NewHeap(func(a, b pendingEnd) bool {
			if a.ts != b.ts {
				return a.ts < b.ts
			}
			return a.seq > b.seq
		}),
	}

	// Ranges and notes follow the event data; both count towards the events stage.
	var eventProgress func()
	report := func() {
		if eventProgress == nil {
			if !l.hasTypes {
				return
			}
			p.stage(stageTypes)(1)
			eventProgress = p.bytesStage(stageEvents, cr, size)
		}
		eventProgress()
	}

	seenTrace := false
	elements := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ptrace.ErrCorruptData.Wrap(err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			if ee, ok := tok.(xml.EndElement); ok && ee.Name.Local == "eventData" {
				if err := l.finishTypes(); err != nil {
					return err
				}
				report()
			}
			continue
		}

		elements++
		if elements%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			report()
		}

		if !seenTrace {
			if se.Name.Local != "trace" {
				return ptrace.ErrVersionMismatch.WithMessagef("missing trace element, found %q", se.Name.Local)
			}
			version := ""
			for _, a := range se.Attr {
				if a.Name.Local == "version" {
					version = a.Value
				}
			}
			if version != qtdVersion {
				return ptrace.ErrVersionMismatch.WithMessagef("unsupported file version %q, want %q", version, qtdVersion)
			}
			start, _, err := parseTsAttr(&se, "traceStart")
			if err != nil {
				return err
			}
			end, _, err := parseTsAttr(&se, "traceEnd")
			if err != nil {
				return err
			}
			sink.SetTraceTime(start, end)
			seenTrace = true
			continue
		}

		switch se.Name.Local {
		case "event":
			if l.hasTypes {
				return ptrace.ErrCorruptData.WithMessagef("event element after event data")
			}
			var e qtdEvent
			if err := dec.DecodeElement(&e, &se); err != nil {
				return ptrace.ErrCorruptData.Wrap(err)
			}
			t, err := e.eventType()
			if err != nil {
				return err
			}
			if _, ok := l.fileTypes[e.Index]; ok {
				return ptrace.ErrCorruptData.WithMessagef("duplicate event index %d", e.Index)
			}
			l.fileTypes[e.Index] = t

		case "range":
			if err := l.finishTypes(); err != nil {
				return err
			}
			var r qtdRange
			if err := dec.DecodeElement(&r, &se); err != nil {
				return ptrace.ErrCorruptData.Wrap(err)
			}
			if err := l.addRange(&r); err != nil {
				return err
			}

		case "note":
			if err := l.finishTypes(); err != nil {
				return err
			}
			var n qtdNote
			if err := dec.DecodeElement(&n, &se); err != nil {
				return ptrace.ErrCorruptData.Wrap(err)
			}
			idx, err := l.typeIndex(n.EventIndex)
			if err != nil {
				return err
			}
			sink.AddNote(ptrace.Note{
				Type:         idx,
				CollapsedRow: n.CollapsedRow,
				Start:        ptrace.Timestamp(n.StartTime),
				Duration:     ptrace.Timestamp(n.Duration),
				Text:         n.Text,
			})
		}
	}
	if !seenTrace {
		return ptrace.ErrVersionMismatch.WithMessagef("missing trace element")
	}
	if err := l.finishTypes(); err != nil {
		return err
	}
	if err := l.flushEnds(ptrace.Timestamp(1<<63 - 1)); err != nil {
		return err
	}
	l.log.Debug("read XML trace", zap.Int("elements", elements), zap.Int("types", len(l.types)))
	return nil
}
