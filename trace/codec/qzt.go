package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/highwayhash"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ptrace "honnef.co/go/qmltrace/trace"
)

// A .qzt file starts with a fixed header:
//
//	magic        11 bytes "QMLPROFILER"
//	version      uint32
//	compression  byte
//	trace start  int64
//	trace end    int64
//
// followed by chunks:
//
//	kind         byte
//	length       uint32
//	checksum     uint64, HighwayHash-64 of the compressed payload
//	payload      length bytes, compressed
//
// All integers in the header are little endian. Payloads decompress to a uvarint count followed by that many
// records in the wire format. The file ends with an empty chunkEnd chunk. The types chunk must come before
// any notes or events chunks.

const (
	qztMagic = "QMLPROFILER"
	// qztVersion is the newest version of the format we know how to read.
	qztVersion uint32 = 1

	qztHeaderSize   = len(qztMagic) + 4 + 1 + 8 + 8
	chunkHeaderSize = 1 + 4 + 8

	maxChunkSize = 1 << 30
)

type chunkKind uint8

const (
	chunkEnd chunkKind = iota
	chunkTypes
	chunkNotes
	chunkEvents
)

var hashKey = [32]byte{
	0x71, 0x6d, 0x6c, 0x74, 0x72, 0x61, 0x63, 0x65, 0x2d, 0x63, 0x68, 0x75, 0x6e, 0x6b, 0x2d, 0x63,
	0x68, 0x65, 0x63, 0x6b, 0x73, 0x75, 0x6d, 0x2d, 0x6b, 0x65, 0x79, 0x2d, 0x30, 0x30, 0x30, 0x31,
}

func checksum(b []byte) uint64 { return highwayhash.Sum64(b, hashKey[:]) }

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
})

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxChunkSize))
})

func compress(c Compression, b []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case CompressionNone:
		return b, nil
	case CompressionDeflate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case CompressionZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(b, nil), nil
	case CompressionXz:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, ptrace.ErrCorruptData.WithMessagef("unknown compression %d", c)
	}
	return buf.Bytes(), nil
}

func decompress(c Compression, b []byte) ([]byte, error) {
	var r io.Reader
	switch c {
	case CompressionNone:
		return b, nil
	case CompressionDeflate:
		r = flate.NewReader(bytes.NewReader(b))
	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(b, nil)
		if err != nil {
			return nil, ptrace.ErrCorruptData.Wrap(err)
		}
		return out, nil
	case CompressionXz:
		xr, err := xz.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, ptrace.ErrCorruptData.Wrap(err)
		}
		r = xr
	default:
		return nil, ptrace.ErrCorruptData.WithMessagef("unknown compression %d", c)
	}
	out, err := io.ReadAll(io.LimitReader(r, maxChunkSize+1))
	if err != nil {
		return nil, ptrace.ErrCorruptData.Wrap(err)
	}
	if len(out) > maxChunkSize {
		return nil, ptrace.ErrCorruptData.WithMessagef("chunk decompresses to more than %d bytes", maxChunkSize)
	}
	return out, nil
}

func writeChunk(w io.Writer, kind chunkKind, payload []byte) error {
	var hdr [chunkHeaderSize]byte
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[5:], checksum(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	if _, err := w.Write(payload); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	return nil
}

type eventBatch struct {
	count   int
	encoded []byte
}

func saveQzt(ctx context.Context, w io.Writer, src Source, opts Options) error {
	p := &progresser{fn: opts.Progress}
	bw := bufio.NewWriter(w)
	start, end := src.TraceTime()

	hdr := make([]byte, 0, qztHeaderSize)
	hdr = append(hdr, qztMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, qztVersion)
	hdr = append(hdr, byte(opts.Compression))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(start))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(end))
	if _, err := bw.Write(hdr); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}

	types := src.AllTypes()
	buf := binary.AppendUvarint(nil, uint64(len(types)))
	for i := range types {
		buf = ptrace.AppendType(buf, &types[i])
	}
	if err := compressAndWrite(bw, chunkTypes, opts.Compression, buf); err != nil {
		return err
	}
	p.stage(stageTypes)(1)

	notes := src.AllNotes()
	buf = binary.AppendUvarint(buf[:0], uint64(len(notes)))
	for i := range notes {
		buf = ptrace.AppendNote(buf, &notes[i])
	}
	if err := compressAndWrite(bw, chunkNotes, opts.Compression, buf); err != nil {
		return err
	}
	p.stage(stageNotes)(1)

	eventProgress := p.stage(stageEvents)
	var pending []eventBatch
	var cur eventBatch
	flush := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		compressed := make([][]byte, len(pending))
		var eg errgroup.Group
		for i, b := range pending {
			i, b := i, b
			eg.Go(func() error {
				payload := binary.AppendUvarint(make([]byte, 0, len(b.encoded)+binary.MaxVarintLen64), uint64(b.count))
				payload = append(payload, b.encoded...)
				c, err := compress(opts.Compression, payload)
				compressed[i] = c
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		for _, c := range compressed {
			if err := writeChunk(bw, chunkEvents, c); err != nil {
				return err
			}
		}
		opts.Logger.Debug("wrote event chunks", zap.Int("chunks", len(pending)))
		pending = pending[:0]
		return nil
	}

	err := src.ReplayEvents(ctx, func(ev ptrace.Event) error {
		if ev.Type < 0 || int(ev.Type) >= len(types) {
			return ptrace.ErrCorruptData.WithMessagef("event at %d refers to type %d, have %d types", ev.Ts, ev.Type, len(types))
		}
		cur.encoded = ptrace.AppendEvent(cur.encoded, &ev)
		cur.count++
		if len(cur.encoded) >= opts.BatchSize {
			pending = append(pending, cur)
			cur = eventBatch{}
			if len(pending) >= opts.Parallelism {
				if err := flush(); err != nil {
					return err
				}
			}
			if end > start {
				eventProgress(float64(ev.Ts-start) / float64(end-start))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cur.count > 0 {
		pending = append(pending, cur)
	}
	if err := flush(); err != nil {
		return err
	}
	if err := writeChunk(bw, chunkEnd, nil); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return ptrace.ErrIO.Wrap(err)
	}
	return nil
}

func compressAndWrite(w io.Writer, kind chunkKind, c Compression, payload []byte) error {
	b, err := compress(c, payload)
	if err != nil {
		return err
	}
	return writeChunk(w, kind, b)
}

// readFull is like io.ReadFull but reports truncation as corrupt data.
func readFull(r io.Reader, b []byte, what string) error {
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ptrace.ErrCorruptData.WithMessagef("truncated %s", what)
		}
		return ptrace.ErrIO.Wrap(err)
	}
	return nil
}

func readChunk(r io.Reader, size int64) (chunkKind, []byte, error) {
	var hdr [chunkHeaderSize]byte
	if err := readFull(r, hdr[:], "chunk header"); err != nil {
		return 0, nil, err
	}
	kind := chunkKind(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:])
	sum := binary.LittleEndian.Uint64(hdr[5:])
	if n > maxChunkSize || (size > 0 && int64(n) > size) {
		return 0, nil, ptrace.ErrCorruptData.WithMessagef("chunk of %d bytes is too large", n)
	}
	payload := make([]byte, n)
	if err := readFull(r, payload, "chunk"); err != nil {
		return 0, nil, err
	}
	if checksum(payload) != sum {
		return 0, nil, ptrace.ErrCorruptData.WithMessagef("checksum mismatch in chunk of kind %d", kind)
	}
	return kind, payload, nil
}

func loadQzt(ctx context.Context, cr *countingReader, size int64, sink Sink, opts Options) error {
	p := &progresser{fn: opts.Progress}
	eventProgress := func() {}
	br := bufio.NewReader(cr)

	var hdr [qztHeaderSize]byte
	if err := readFull(br, hdr[:], "header"); err != nil {
		return err
	}
	if string(hdr[:len(qztMagic)]) != qztMagic {
		return ptrace.ErrVersionMismatch.WithMessagef("not a trace file")
	}
	b := hdr[len(qztMagic):]
	version := binary.LittleEndian.Uint32(b)
	if version == 0 || version > qztVersion {
		return ptrace.ErrVersionMismatch.WithMessagef("unsupported file version %d, newest supported version is %d", version, qztVersion)
	}
	comp := Compression(b[4])
	if comp > CompressionNone {
		return ptrace.ErrCorruptData.WithMessagef("unknown compression %d", comp)
	}
	start := ptrace.Timestamp(binary.LittleEndian.Uint64(b[5:]))
	end := ptrace.Timestamp(binary.LittleEndian.Uint64(b[13:]))
	sink.SetTraceTime(start, end)

	var numTypes int
	haveTypes := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind, payload, err := readChunk(br, size)
		if err != nil {
			return err
		}
		if kind == chunkEnd {
			break
		}
		if kind > chunkEvents {
			opts.Logger.Debug("skipping unknown chunk", zap.Uint8("kind", uint8(kind)), zap.Int("bytes", len(payload)))
			continue
		}
		data, err := decompress(comp, payload)
		if err != nil {
			return err
		}
		r := ptrace.NewWireReader(data)
		count, err := r.Uvarint()
		if err != nil {
			return err
		}
		// Every record takes at least one byte.
		if count > uint64(r.Len()) {
			return ptrace.ErrCorruptData.WithMessagef("chunk claims %d records in %d bytes", count, r.Len())
		}
		if kind != chunkTypes && !haveTypes {
			return ptrace.ErrCorruptData.WithMessagef("chunk of kind %d precedes types", kind)
		}

		switch kind {
		case chunkTypes:
			if haveTypes {
				return ptrace.ErrCorruptData.WithMessagef("duplicate types chunk")
			}
			types := make([]ptrace.EventType, 0, count)
			for i := uint64(0); i < count; i++ {
				t, err := r.Type()
				if err != nil {
					return err
				}
				types = append(types, t)
			}
			if err := sink.SetTypes(types); err != nil {
				return err
			}
			numTypes = len(types)
			haveTypes = true
			p.stage(stageTypes)(1)
			eventProgress = p.bytesStage(stageEvents, cr, size)

		case chunkNotes:
			for i := uint64(0); i < count; i++ {
				n, err := r.Note()
				if err != nil {
					return err
				}
				if n.Type < 0 || int(n.Type) >= numTypes {
					return ptrace.ErrCorruptData.WithMessagef("note refers to type %d, have %d types", n.Type, numTypes)
				}
				sink.AddNote(n)
			}
			p.stage(stageNotes)(1)
			eventProgress = p.bytesStage(stageEvents, cr, size)

		case chunkEvents:
			for i := uint64(0); i < count; i++ {
				ev, err := r.Event()
				if err != nil {
					return err
				}
				if ev.Type < 0 || int(ev.Type) >= numTypes {
					return ptrace.ErrCorruptData.WithMessagef("event at %d refers to type %d, have %d types", ev.Ts, ev.Type, numTypes)
				}
				if err := sink.AddEvent(ev); err != nil {
					return err
				}
			}
			eventProgress()
		}
		if r.Len() != 0 {
			return ptrace.ErrCorruptData.WithMessagef("%d trailing bytes in chunk of kind %d", r.Len(), kind)
		}
		opts.Logger.Debug("read chunk", zap.Uint8("kind", uint8(kind)), zap.Uint64("records", count))
	}
	if !haveTypes {
		return ptrace.ErrCorruptData.WithMessagef("missing types chunk")
	}
	return nil
}
