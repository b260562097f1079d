// Package session ties the parts of the profiler core together.
//
// A Session owns the event type table, the event store, the range reconciler, the notes and the dispatcher
// that feeds the models. Events received from the profiled application are fed through the reconciler into
// the store. Finalizing, restricting, or loading a trace replays the store into the models from scratch.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"honnef.co/go/qmltrace/config"
	ptrace "honnef.co/go/qmltrace/trace"
	"honnef.co/go/qmltrace/trace/codec"
	"honnef.co/go/qmltrace/trace/dispatch"
	"honnef.co/go/qmltrace/trace/models"
	"honnef.co/go/qmltrace/trace/reconcile"
	"honnef.co/go/qmltrace/trace/store"
)

type Option func(*Session)

func WithLogger(log *zap.Logger) Option { return func(s *Session) { s.log = log } }
func WithTracer(t trace.Tracer) Option  { return func(s *Session) { s.tracer = t } }

// WithRegisterer registers the session's metrics with reg. Without it, metrics are collected but not
// exported.
func WithRegisterer(reg prometheus.Registerer) Option { return func(s *Session) { s.reg = reg } }

// WithResolver sets the resolver for source locations of bindings and signal handlers.
func WithResolver(r ptrace.Resolver) Option { return func(s *Session) { s.resolver = r } }

// WithProgress sets a function that is called with the progress of loading and saving files.
func WithProgress(fn func(float64)) Option { return func(s *Session) { s.progress = fn } }

// Session is safe for concurrent use. Consumers are called with the session's lock held and must not call
// back into the session.
type Session struct {
	id       uuid.UUID
	cfg      *config.Config
	log      *zap.Logger
	tracer   trace.Tracer
	reg      prometheus.Registerer
	metrics  *metrics
	resolver ptrace.Resolver
	progress func(float64)

	mu    sync.Mutex
	cur   *state
	rc    *reconcile.Reconciler
	disp  *dispatch.Dispatcher
	rangeStart, rangeEnd ptrace.Timestamp
	// appendErr is the first error that occurred while appending reconciled events to the store.
	appendErr     error
	typeListeners []func(idx int32)
}

// New returns an empty session. A nil cfg means the default configuration.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	visible, err := cfg.VisibleFeatures()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         uuid.New(),
		cfg:        cfg,
		disp:       dispatch.New(),
		rangeStart: ptrace.NoTimestamp,
		rangeEnd:   ptrace.NoTimestamp,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	s.log = s.log.With(zap.String("session", s.id.String()))
	s.metrics = newMetrics(s.reg, s.id.String())
	s.disp.SetVisibleFeatures(visible)

	st, err := s.newState()
	if err != nil {
		return nil, err
	}
	s.install(st)
	return s, nil
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string { return s.id.String() }

// state is the data of one trace. Loading a file builds a new state and swaps it in once loading succeeded.
type state struct {
	types      *ptrace.TypeTable
	store      *store.Store
	notes      ptrace.Notes
	start, end ptrace.Timestamp
}

var (
	_ codec.Source = (*state)(nil)
	_ codec.Sink   = (*state)(nil)
)

func (st *state) TraceTime() (start, end ptrace.Timestamp) { return st.start, st.end }
func (st *state) AllTypes() []ptrace.EventType             { return st.types.All() }
func (st *state) AllNotes() []ptrace.Note                  { return st.notes.All() }
func (st *state) SetTraceTime(start, end ptrace.Timestamp) { st.start, st.end = start, end }
func (st *state) AddNote(n ptrace.Note)                    { st.notes.Add(n) }
func (st *state) AddEvent(ev ptrace.Event) error           { return st.store.Append(ev) }

func (st *state) ReplayEvents(ctx context.Context, fn func(ev ptrace.Event) error) error {
	return st.store.Replay(ctx, ptrace.NoTimestamp, ptrace.NoTimestamp, func(ev ptrace.Event, _ *ptrace.EventType) error {
		return fn(ev)
	})
}

func (st *state) SetTypes(types []ptrace.EventType) error {
	for _, t := range types {
		st.types.Append(t)
	}
	return nil
}

// extend widens the trace's time range to include ts.
func (st *state) extend(ts ptrace.Timestamp) {
	if st.start == ptrace.NoTimestamp || ts < st.start {
		st.start = ts
	}
	if st.end == ptrace.NoTimestamp || ts > st.end {
		st.end = ts
	}
}

func (s *Session) newState() (*state, error) {
	types := ptrace.NewTypeTable()
	es, err := store.New(types, s.cfg.StoreOptions(s.log))
	if err != nil {
		return nil, err
	}
	return &state{
		types: types,
		store: es,
		start: ptrace.NoTimestamp,
		end:   ptrace.NoTimestamp,
	}, nil
}

// install makes st the current trace. The caller must hold s.mu, or have exclusive access to s.
func (s *Session) install(st *state) {
	s.cur = st
	if s.resolver != nil {
		st.types.SetResolver(s.resolver)
	}
	for _, fn := range s.typeListeners {
		st.types.OnChange(fn)
	}
	s.rc = reconcile.New(st.types, reconcile.SinkFunc(s.appendEvent))
	s.appendErr = nil
	s.rangeStart, s.rangeEnd = ptrace.NoTimestamp, ptrace.NoTimestamp
	s.metrics.types.Set(float64(st.types.Len()))
}

// appendEvent stores a reconciled event and routes it to the announced consumers. While a restriction is
// active, the consumers only see the window; new events reach them with the next replay.
func (s *Session) appendEvent(ev ptrace.Event, typ *ptrace.EventType) {
	if err := s.cur.store.Append(ev); err != nil {
		if s.appendErr == nil {
			s.appendErr = err
		}
		return
	}
	s.cur.extend(ev.Ts)
	s.metrics.events.Inc()
	if !s.restricted() {
		s.disp.Dispatch(ev, typ)
	}
}

// Feed passes a message received from the profiled application to the reconciler. It returns the first error
// that occurred while storing events; once an error occurred, the trace is incomplete.
func (s *Session) Feed(rec reconcile.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rc.Feed(rec)
	s.metrics.types.Set(float64(s.cur.types.Len()))
	return s.appendErr
}

// Finalize closes all ranges that are still open at the largest timestamp seen and reloads the trace into
// the models in timestamp order.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rc.Finalize(ptrace.NoTimestamp)
	if n := s.rc.Absorbed(); n > 0 {
		s.log.Warn("repaired or dropped inconsistent range messages", zap.Int("count", n))
	}
	if s.appendErr != nil {
		return s.appendErr
	}
	if err := s.cur.store.Flush(); err != nil {
		return err
	}
	return s.replayLocked(ctx)
}

// Announce registers c for the events of the features in mask. Events fed after the registration are routed
// to c as they arrive; earlier events are not delivered until the next Finalize, Restrict or Load.
func (s *Session) Announce(mask ptrace.Feature, c dispatch.Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disp.Announce(mask, c)
}

// AnnounceModels registers each model for the features it handles.
func (s *Session) AnnounceModels(ms ...models.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	models.Announce(s.disp, ms...)
}

// Restrict reloads the models with the events in [start, end]. Passing ptrace.NoTimestamp for either bound
// lifts the restriction. If the event store can't be read, all trace data is discarded.
func (s *Session) Restrict(ctx context.Context, start, end ptrace.Timestamp) error {
	if start != ptrace.NoTimestamp && end != ptrace.NoTimestamp && start > end {
		return ptrace.ErrOutOfRange.WithMessagef("restriction start %d is after end %d", start, end)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeStart, s.rangeEnd = start, end
	return s.replayLocked(ctx)
}

// Restriction returns the bounds set by Restrict.
func (s *Session) Restriction() (start, end ptrace.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeStart, s.rangeEnd
}

func (s *Session) restricted() bool {
	return s.rangeStart != ptrace.NoTimestamp && s.rangeEnd != ptrace.NoTimestamp
}

// replayLocked rebuilds the models from the event store. The caller must hold s.mu.
func (s *Session) replayLocked(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.Replay", trace.WithAttributes(
		attribute.Int64("start", int64(s.rangeStart)),
		attribute.Int64("end", int64(s.rangeEnd)),
	))
	defer span.End()
	t0 := time.Now()

	s.disp.Clear()
	s.disp.Initialize()
	err := s.cur.store.Replay(ctx, s.rangeStart, s.rangeEnd, func(ev ptrace.Event, typ *ptrace.EventType) error {
		s.disp.Dispatch(ev, typ)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.disp.Clear()
		switch {
		case errors.Is(err, ptrace.ErrCancelled):
			s.metrics.replays.WithLabelValues("cancelled").Inc()
		case errors.Is(err, ptrace.ErrIO):
			s.metrics.replays.WithLabelValues("error").Inc()
			// The models can't be brought back to a consistent state without the store.
			s.log.Error("couldn't replay events, discarding trace", zap.Error(err))
			if cerr := s.clearLocked(); cerr != nil {
				s.log.Error("couldn't clear trace", zap.Error(cerr))
			}
		default:
			s.metrics.replays.WithLabelValues("error").Inc()
		}
		return err
	}

	end := s.cur.end
	if s.restricted() {
		end = s.rangeEnd
	}
	s.disp.Finalize(end)
	s.metrics.replays.WithLabelValues("ok").Inc()
	s.log.Info("loaded events into models",
		zap.Int("events", s.cur.store.Count()),
		zap.Stringer("features", s.disp.AvailableFeatures()),
		zap.Duration("elapsed", time.Since(t0)))
	return nil
}

func (s *Session) codecOptions() codec.Options {
	opts := s.cfg.CodecOptions(s.log)
	opts.Tracer = s.tracer
	opts.Progress = s.progress
	return opts
}

// Load replaces the current trace with the trace stored in the file at path. The file format is picked by
// the file's extension. If loading fails or is cancelled, the current trace is left untouched.
func (s *Session) Load(ctx context.Context, path string) error {
	ctx, span := s.tracer.Start(ctx, "session.Load", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	t0 := time.Now()

	format, err := codec.FormatFromPath(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return ptrace.ErrIO.Wrap(err)
	}

	st, err := s.newState()
	if err != nil {
		return err
	}
	err = codec.Load(ctx, f, fi.Size(), format, st, s.codecOptions())
	if err == nil {
		err = st.store.Flush()
	}
	if err != nil {
		span.RecordError(err)
		if cerr := st.store.Close(); cerr != nil {
			s.log.Warn("couldn't remove event store", zap.Error(cerr))
		}
		if errors.Is(err, ptrace.ErrCancelled) {
			s.log.Info("loading cancelled", zap.String("path", path))
		} else {
			s.log.Error("couldn't load trace", zap.String("path", path), zap.Error(err))
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur
	s.install(st)
	if err := old.store.Close(); err != nil {
		s.log.Warn("couldn't remove event store", zap.Error(err))
	}
	s.metrics.loadDuration.Observe(time.Since(t0).Seconds())
	s.log.Info("loaded trace",
		zap.String("path", path),
		zap.Stringer("format", format),
		zap.Int("types", st.types.Len()),
		zap.Int("events", st.store.Count()),
		zap.Int("notes", st.notes.Len()))
	// The trace has been replaced; a late cancellation shouldn't leave it without models.
	return s.replayLocked(context.WithoutCancel(ctx))
}

// LoadAsync runs Load in the background. Cancelling the future cancels loading.
func (s *Session) LoadAsync(path string) *Future[error] {
	return NewFuture(context.Background(), func(ctx context.Context) error {
		return s.Load(ctx, path)
	})
}

// Save writes the trace to the file at path, in the format picked by the file's extension. The file is
// replaced atomically; if saving fails or is cancelled, an existing file at path is left untouched.
func (s *Session) Save(ctx context.Context, path string) (err error) {
	ctx, span := s.tracer.Start(ctx, "session.Save", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	t0 := time.Now()

	format, err := codec.FormatFromPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cur.store.Flush(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := codec.Save(ctx, tmp, format, s.cur, s.codecOptions()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}

	s.metrics.saveDuration.Observe(time.Since(t0).Seconds())
	s.log.Info("saved trace", zap.String("path", path), zap.Stringer("format", format))
	return nil
}

// SaveAsync runs Save in the background. Cancelling the future cancels saving.
func (s *Session) SaveAsync(path string) *Future[error] {
	return NewFuture(context.Background(), func(ctx context.Context) error {
		return s.Save(ctx, path)
	})
}

// Clear discards the trace: events, types, notes and the models' state.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Session) clearLocked() error {
	s.rc.Reset()
	s.cur.types.Reset()
	s.cur.notes.Clear()
	s.cur.start, s.cur.end = ptrace.NoTimestamp, ptrace.NoTimestamp
	s.rangeStart, s.rangeEnd = ptrace.NoTimestamp, ptrace.NoTimestamp
	s.appendErr = nil
	s.disp.Clear()
	s.metrics.types.Set(0)
	return s.cur.store.Clear()
}

// Close releases the event store. The session must not be used afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.store.Close()
}

// SetResolver sets the resolver for source locations of types registered from now on.
func (s *Session) SetResolver(r ptrace.Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
	s.cur.types.SetResolver(r)
}

// OnTypeChange registers fn to be called with the index of every type whose display name or data got
// rewritten, for example by the resolver.
func (s *Session) OnTypeChange(fn func(idx int32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typeListeners = append(s.typeListeners, fn)
	s.cur.types.OnChange(fn)
}

func (s *Session) Types() []ptrace.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.types.All()
}

func (s *Session) Type(idx int32) (ptrace.EventType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.types.Get(idx)
}

// TraceTime returns the time range of the trace, or ptrace.NoTimestamp twice for an empty trace.
func (s *Session) TraceTime() (start, end ptrace.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.TraceTime()
}

// EventCount returns the number of stored events.
func (s *Session) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.store.Count()
}

// Features returns the features of the events loaded into the models, and the features the user chose to
// look at.
func (s *Session) Features() (available, visible ptrace.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disp.AvailableFeatures(), s.disp.VisibleFeatures()
}

func (s *Session) SetVisibleFeatures(f ptrace.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disp.SetVisibleFeatures(f)
}

// OnFeaturesChanged registers fn to be called whenever the available or visible features change.
func (s *Session) OnFeaturesChanged(fn func(available, visible ptrace.Feature)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disp.OnFeaturesChanged(fn)
}

func (s *Session) Notes() []ptrace.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.notes.All()
}

// AddNote adds a note and returns its index.
func (s *Session) AddNote(n ptrace.Note) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Type < 0 || int(n.Type) >= s.cur.types.Len() {
		return 0, ptrace.ErrOutOfRange.WithMessagef("note refers to type %d, have %d types", n.Type, s.cur.types.Len())
	}
	return s.cur.notes.Add(n), nil
}

// SetNoteText changes the text of the i-th note. An empty text removes the note.
func (s *Session) SetNoteText(i int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.notes.SetText(i, text)
}

func (s *Session) RemoveNote(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.notes.Remove(i)
}

// NoteRange finds the range the i-th note is attached to. It reports false if no range fits the note.
func (s *Session) NoteRange(ctx context.Context, i int) (ptrace.Range, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.cur.notes.Get(i)
	if err != nil {
		return ptrace.Range{}, false, err
	}
	if err := s.cur.store.Flush(); err != nil {
		return ptrace.Range{}, false, err
	}

	var (
		candidates []ptrace.Range
		// open ranges in order of their start, and for each type the indices into open of its open ranges
		open   []ptrace.Range
		byType = map[int32][]int{}
	)
	err = s.cur.store.Replay(ctx, ptrace.NoTimestamp, ptrace.NoTimestamp, func(ev ptrace.Event, typ *ptrace.EventType) error {
		if !typ.IsRange() {
			return nil
		}
		switch ev.Stage() {
		case ptrace.StageStart:
			byType[ev.Type] = append(byType[ev.Type], len(open))
			open = append(open, ptrace.Range{Start: ev.Ts, End: ptrace.NoTimestamp, Type: ev.Type, Depth: int32(len(open))})
		case ptrace.StageEnd:
			idxs := byType[ev.Type]
			if len(idxs) == 0 {
				return nil
			}
			j := idxs[len(idxs)-1]
			byType[ev.Type] = idxs[:len(idxs)-1]
			r := open[j]
			r.End = ev.Ts
			if r.Type == n.Type {
				candidates = append(candidates, r)
			}
			// Ranges nest, so the ended range is normally the innermost one.
			if j == len(open)-1 {
				open = open[:j]
			} else {
				open[j].Type = -1
			}
			for len(open) > 0 && open[len(open)-1].Type == -1 {
				open = open[:len(open)-1]
			}
		}
		return nil
	})
	if err != nil {
		return ptrace.Range{}, false, err
	}
	best := n.Match(candidates)
	if best == -1 {
		return ptrace.Range{}, false, nil
	}
	return candidates[best], true, nil
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(%s, %s)", s.id, s.cur.store)
}
