package trace

import (
	"encoding/binary"
	"math"

	"honnef.co/go/qmltrace/container"
)

// The wire format is shared by the on-disk event store and the binary trace file format. All integers are
// varints; signed values are zigzag encoded.
//
// Event:    flags byte (bits 0-2 number of arguments, bit 3 string present), ts, type, args..., [string]
// Type:     message byte, range type byte, detail, flags byte (bit 0 location present), [file, line, column],
//           data, display name
// Note:     type, collapsed row, start, duration, text
// String:   uvarint length followed by the bytes

const (
	eventFlagArgsMask = 0x7
	eventFlagString   = 0x8

	typeFlagLocation = 0x1
)

// maxStringLen bounds string lengths read from untrusted input.
const maxStringLen = 1 << 28

func AppendEvent(b []byte, ev *Event) []byte {
	flags := ev.NArgs & eventFlagArgsMask
	if ev.Str != "" {
		flags |= eventFlagString
	}
	b = append(b, flags)
	b = binary.AppendVarint(b, int64(ev.Ts))
	b = binary.AppendVarint(b, int64(ev.Type))
	for _, arg := range ev.Args[:ev.NArgs] {
		b = binary.AppendVarint(b, arg)
	}
	if ev.Str != "" {
		b = AppendString(b, ev.Str)
	}
	return b
}

func AppendType(b []byte, t *EventType) []byte {
	b = append(b, byte(t.Message), byte(t.RangeType))
	b = binary.AppendVarint(b, int64(t.Detail))
	if loc, ok := t.Location.Get(); ok {
		b = append(b, typeFlagLocation)
		b = AppendString(b, loc.File)
		b = binary.AppendVarint(b, int64(loc.Line))
		b = binary.AppendVarint(b, int64(loc.Column))
	} else {
		b = append(b, 0)
	}
	b = AppendString(b, t.Data)
	b = AppendString(b, t.DisplayName)
	return b
}

func AppendNote(b []byte, n *Note) []byte {
	b = binary.AppendVarint(b, int64(n.Type))
	b = binary.AppendVarint(b, int64(n.CollapsedRow))
	b = binary.AppendVarint(b, int64(n.Start))
	b = binary.AppendVarint(b, int64(n.Duration))
	b = AppendString(b, n.Text)
	return b
}

func AppendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// WireReader decodes values in the wire format from a byte slice. Errors wrap ErrCorruptData and include the
// offset at which decoding failed.
type WireReader struct {
	buf []byte
	off int
}

func NewWireReader(buf []byte) *WireReader {
	return &WireReader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *WireReader) Len() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed so far.
func (r *WireReader) Offset() int { return r.off }

func (r *WireReader) Byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, ErrCorruptData.WithMessagef("failed to read byte at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *WireReader) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrCorruptData.WithMessagef("failed to read uvarint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *WireReader) Varint() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrCorruptData.WithMessagef("failed to read varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *WireReader) varint32() (int32, error) {
	off := r.off
	v, err := r.Varint()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, ErrCorruptData.WithMessagef("value %d at offset %d doesn't fit in 32 bits", v, off)
	}
	return int32(v), nil
}

func (r *WireReader) Str() (string, error) {
	off := r.off
	n, err := r.Uvarint()
	if err != nil {
		return "", err
	}
	if n > maxStringLen || n > uint64(r.Len()) {
		return "", ErrCorruptData.WithMessagef("string of length %d at offset %d exceeds input", n, off)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *WireReader) Event() (Event, error) {
	var ev Event
	off := r.off
	flags, err := r.Byte()
	if err != nil {
		return ev, err
	}
	if flags&^(eventFlagArgsMask|eventFlagString) != 0 {
		return ev, ErrCorruptData.WithMessagef("invalid event flags %#x at offset %d", flags, off)
	}
	nargs := flags & eventFlagArgsMask
	if nargs > MaxArgs {
		return ev, ErrCorruptData.WithMessagef("event at offset %d has %d arguments, at most %d allowed", off, nargs, MaxArgs)
	}
	ts, err := r.Varint()
	if err != nil {
		return ev, err
	}
	typ, err := r.varint32()
	if err != nil {
		return ev, err
	}
	ev.Ts = Timestamp(ts)
	ev.Type = typ
	ev.NArgs = nargs
	for i := 0; i < int(nargs); i++ {
		if ev.Args[i], err = r.Varint(); err != nil {
			return ev, err
		}
	}
	if flags&eventFlagString != 0 {
		if ev.Str, err = r.Str(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (r *WireReader) Type() (EventType, error) {
	var t EventType
	msg, err := r.Byte()
	if err != nil {
		return t, err
	}
	rt, err := r.Byte()
	if err != nil {
		return t, err
	}
	if Message(msg) > MessageNone || RangeType(rt) > RangeNone {
		return t, ErrCorruptData.WithMessagef("invalid type category %d/%d at offset %d", msg, rt, r.off-2)
	}
	t.Message = Message(msg)
	t.RangeType = RangeType(rt)
	if t.Detail, err = r.varint32(); err != nil {
		return t, err
	}
	flags, err := r.Byte()
	if err != nil {
		return t, err
	}
	if flags&typeFlagLocation != 0 {
		var loc Location
		if loc.File, err = r.Str(); err != nil {
			return t, err
		}
		if loc.Line, err = r.varint32(); err != nil {
			return t, err
		}
		if loc.Column, err = r.varint32(); err != nil {
			return t, err
		}
		t.Location = container.Some(loc)
	}
	if t.Data, err = r.Str(); err != nil {
		return t, err
	}
	if t.DisplayName, err = r.Str(); err != nil {
		return t, err
	}
	return t, nil
}

func (r *WireReader) Note() (Note, error) {
	var n Note
	var err error
	if n.Type, err = r.varint32(); err != nil {
		return n, err
	}
	if n.CollapsedRow, err = r.varint32(); err != nil {
		return n, err
	}
	start, err := r.Varint()
	if err != nil {
		return n, err
	}
	dur, err := r.Varint()
	if err != nil {
		return n, err
	}
	n.Start = Timestamp(start)
	n.Duration = Timestamp(dur)
	if n.Text, err = r.Str(); err != nil {
		return n, err
	}
	return n, nil
}
