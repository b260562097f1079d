// Package store implements the append-only, disk-backed log of trace events.
//
// Events are buffered in memory and written to a temporary file in blocks. Each block is sorted by timestamp
// and compressed with snappy. Replaying the log merges the blocks back into a single stream ordered by
// timestamp, optionally restricted to a time range.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"honnef.co/go/qmltrace/mem"
	"honnef.co/go/qmltrace/trace"
)

const DefaultFlushThreshold = 1 << 16

type Options struct {
	// Dir is the directory the backing file is created in. It defaults to os.TempDir.
	Dir string
	// FlushThreshold is the number of buffered events that triggers a flush.
	FlushThreshold int
	Logger         *zap.Logger
}

type block struct {
	off   int64
	size  int
	count int
	minTs trace.Timestamp
	maxTs trace.Timestamp
}

// Store is the event log. Append and Flush may be called concurrently with Replay; events that haven't been
// flushed yet are invisible to Replay. Appends must not be made concurrently with each other.
type Store struct {
	types *trace.TypeTable
	opts  Options
	log   *zap.Logger
	path  string

	mu     sync.Mutex
	f      *os.File
	blocks []block
	size   int64
	tail   mem.BucketSlice[trace.Event]
	count  int
	buf    []byte
}

// New creates an empty store whose events refer to types in types.
func New(types *trace.TypeTable, opts Options) (*Store, error) {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	path := filepath.Join(opts.Dir, "qmltrace-"+uuid.New().String()+".events")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, trace.ErrIO.Wrapf(err, "couldn't create event store")
	}
	return &Store{
		types: types,
		opts:  opts,
		log:   opts.Logger.With(zap.String("store", path)),
		path:  path,
		f:     f,
	}, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string { return s.path }

// Append adds an event to the log. It flushes when the number of buffered events reaches the flush
// threshold.
func (s *Store) Append(ev trace.Event) error {
	s.mu.Lock()
	s.tail.Append(ev)
	s.count++
	full := s.tail.Len() >= s.opts.FlushThreshold
	s.mu.Unlock()

	if full {
		return s.Flush()
	}
	return nil
}

// Count returns the number of events appended, flushed or not.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Flush writes all buffered events to the backing file as a new block.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.tail.Len()
	if n == 0 {
		return nil
	}
	if s.f == nil {
		return trace.ErrIO.WithMessagef("event store is closed")
	}

	events := make([]trace.Event, n)
	for i := range events {
		events[i] = s.tail.Get(i)
	}
	slices.SortStableFunc(events, func(a, b trace.Event) int {
		switch {
		case a.Ts < b.Ts:
			return -1
		case a.Ts > b.Ts:
			return 1
		default:
			return 0
		}
	})

	s.buf = s.buf[:0]
	for i := range events {
		s.buf = trace.AppendEvent(s.buf, &events[i])
	}
	data := snappy.Encode(nil, s.buf)
	if _, err := s.f.WriteAt(data, s.size); err != nil {
		return trace.ErrIO.Wrapf(err, "couldn't write block at offset %d", s.size)
	}

	s.blocks = append(s.blocks, block{
		off:   s.size,
		size:  len(data),
		count: n,
		minTs: events[0].Ts,
		maxTs: events[n-1].Ts,
	})
	s.size += int64(len(data))
	s.tail.Reset()
	s.log.Debug("flushed block",
		zap.Int("events", n),
		zap.Int("bytes", len(data)),
		zap.Int("blocks", len(s.blocks)))
	return nil
}

// Clear discards all events. The backing file is truncated and reused.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = nil
	s.size = 0
	s.count = 0
	s.tail.Reset()
	if s.f == nil {
		return nil
	}
	if err := s.f.Truncate(0); err != nil {
		return trace.ErrIO.Wrapf(err, "couldn't truncate event store")
	}
	return nil
}

// Close releases the backing file and deletes it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if rerr := os.Remove(s.path); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return trace.ErrIO.Wrapf(err, "couldn't close event store")
	}
	return nil
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("store(%s, %d events, %d blocks)", s.path, s.count, len(s.blocks))
}
