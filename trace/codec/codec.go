// Package codec reads and writes trace files.
//
// Two formats are supported: an XML format (.qtd) that is meant to be readable by humans and other tools, and a
// compact binary format (.qzt) made of independently compressed chunks. Both store the trace's time range, its
// event types, its notes and its events.
package codec

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	ptrace "honnef.co/go/qmltrace/trace"
)

type Format uint8

const (
	FormatQtd Format = iota + 1
	FormatQzt
)

func (f Format) String() string {
	switch f {
	case FormatQtd:
		return "qtd"
	case FormatQzt:
		return "qzt"
	default:
		return fmt.Sprintf("Format(%d)", f)
	}
}

// FormatFromPath picks the format from the file extension of path.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".qtd":
		return FormatQtd, nil
	case ".qzt":
		return FormatQzt, nil
	default:
		return 0, fmt.Errorf("unsupported trace file extension %q", filepath.Ext(path))
	}
}

// Compression is the compression method of the chunks of a .qzt file.
type Compression uint8

const (
	CompressionDeflate Compression = iota
	CompressionZstd
	CompressionXz
	CompressionNone
)

var compressionNames = [...]string{
	CompressionDeflate: "deflate",
	CompressionZstd:    "zstd",
	CompressionXz:      "xz",
	CompressionNone:    "none",
}

func (c Compression) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("Compression(%d)", c)
}

func ParseCompression(s string) (Compression, error) {
	for i, name := range compressionNames {
		if name == s {
			return Compression(i), nil
		}
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

// Source is a trace to be saved.
type Source interface {
	TraceTime() (start, end ptrace.Timestamp)
	AllTypes() []ptrace.EventType
	AllNotes() []ptrace.Note
	// ReplayEvents calls fn for every event, in timestamp order.
	ReplayEvents(ctx context.Context, fn func(ev ptrace.Event) error) error
}

// Sink receives a loaded trace. SetTypes is called before the first event is added.
type Sink interface {
	SetTraceTime(start, end ptrace.Timestamp)
	SetTypes(types []ptrace.EventType) error
	AddNote(n ptrace.Note)
	AddEvent(ev ptrace.Event) error
}

type Options struct {
	// Progress is called with values in [0, 1] as loading or saving progresses. The values never decrease.
	Progress func(float64)
	// Compression is the compression method used when saving .qzt files.
	Compression Compression
	// BatchSize is the size, in bytes of encoded events, at which event chunks are split.
	BatchSize int
	// Parallelism is the number of event chunks compressed concurrently.
	Parallelism int
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

const defaultBatchSize = 1 << 20

func (opts Options) withDefaults() Options {
	if opts.Progress == nil {
		opts.Progress = func(float64) {}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return opts
}

// Save writes the trace in src to w.
func Save(ctx context.Context, w io.Writer, format Format, src Source, opts Options) error {
	opts = opts.withDefaults()
	ctx, span := opts.Tracer.Start(ctx, "codec.Save")
	defer span.End()

	var err error
	switch format {
	case FormatQtd:
		err = saveQtd(ctx, w, src, opts)
	case FormatQzt:
		err = saveQzt(ctx, w, src, opts)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		span.RecordError(err)
		return ptrace.Cancelled(err)
	}
	opts.Progress(1)
	return nil
}

// Load reads a trace from r into sink. size is the number of bytes in r, used for reporting progress; it may be
// zero if unknown. An error leaves sink in an unspecified state.
func Load(ctx context.Context, r io.Reader, size int64, format Format, sink Sink, opts Options) error {
	opts = opts.withDefaults()
	ctx, span := opts.Tracer.Start(ctx, "codec.Load")
	defer span.End()

	cr := &countingReader{r: r}
	var err error
	switch format {
	case FormatQtd:
		err = loadQtd(ctx, cr, size, sink, opts)
	case FormatQzt:
		err = loadQzt(ctx, cr, size, sink, opts)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		span.RecordError(err)
		return ptrace.Cancelled(err)
	}
	opts.Progress(1)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(b []byte) (int, error) {
	n, err := cr.r.Read(b)
	cr.n += int64(n)
	return n, err
}

// Stages of loading and saving, weighted by how much of the work they usually account for.
const (
	stageTypes = iota
	stageNotes
	stageEvents
)

var stageWeights = [...]float64{
	stageTypes:  0.1,
	stageNotes:  0.05,
	stageEvents: 0.85,
}

// progresser maps the progress of individual stages onto overall progress, which never decreases.
type progresser struct {
	fn   func(float64)
	last float64
}

func (p *progresser) stage(stage int) func(float64) {
	var base float64
	for i := 0; i < stage; i++ {
		base += stageWeights[i]
	}
	return func(f float64) {
		if f > 1 {
			f = 1
		}
		v := base + f*stageWeights[stage]
		if v > p.last {
			p.last = v
			p.fn(v)
		}
	}
}

// bytesStage reports the progress of stage as the fraction of the remaining input that cr has consumed since
// bytesStage was called.
func (p *progresser) bytesStage(stage int, cr *countingReader, size int64) func() {
	report := p.stage(stage)
	from := cr.n
	return func() {
		if size <= from {
			return
		}
		report(float64(cr.n-from) / float64(size-from))
	}
}

// Trace is a trace held in memory. It is both a Source and a Sink.
type Trace struct {
	Start, End ptrace.Timestamp
	Types      []ptrace.EventType
	Notes      []ptrace.Note
	Events     []ptrace.Event
}

func (tr *Trace) TraceTime() (start, end ptrace.Timestamp) { return tr.Start, tr.End }
func (tr *Trace) AllTypes() []ptrace.EventType             { return tr.Types }
func (tr *Trace) AllNotes() []ptrace.Note                  { return tr.Notes }

func (tr *Trace) ReplayEvents(ctx context.Context, fn func(ev ptrace.Event) error) error {
	for i, ev := range tr.Events {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (tr *Trace) SetTraceTime(start, end ptrace.Timestamp) { tr.Start, tr.End = start, end }
func (tr *Trace) AddNote(n ptrace.Note)                    { tr.Notes = append(tr.Notes, n) }

func (tr *Trace) SetTypes(types []ptrace.EventType) error {
	tr.Types = types
	return nil
}

func (tr *Trace) AddEvent(ev ptrace.Event) error {
	tr.Events = append(tr.Events, ev)
	return nil
}
