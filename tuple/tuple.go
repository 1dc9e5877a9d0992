// Package tuple implements the self-describing binary format used both on
// the wire and as the canonical pre-image for all hashes. A tuple is a
// parenthesized sequence of type-tagged elements; multi-byte integers are
// big-endian. Floats are written in host byte order and must never appear
// in consensus payloads.
package tuple

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Kind is the single-byte type tag preceding each element.
type Kind byte

const (
	Start  Kind = '('
	End    Kind = ')'
	Null   Kind = 'n'
	I32    Kind = 'i'
	I64    Kind = 'I'
	U32    Kind = 'u'
	U64    Kind = 'U'
	F32    Kind = 'f'
	F64    Kind = 'F'
	Bool   Kind = 'b'
	String Kind = 's'
	Binary Kind = 'B'
	Nested Kind = Start
)

// Writer appends tuple elements to a growing byte buffer. Calls to Start and
// End must balance; the caller is responsible for well-formed nesting.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 128)}
}

// Bytes returns the encoded bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Start opens a tuple.
func (w *Writer) Start() {
	w.buf = append(w.buf, byte(Start))
}

// End closes the innermost open tuple.
func (w *Writer) End() {
	w.buf = append(w.buf, byte(End))
}

// WriteNull appends a null element.
func (w *Writer) WriteNull() {
	w.buf = append(w.buf, byte(Null))
}

// WriteI32 appends a signed 32-bit integer.
func (w *Writer) WriteI32(v int32) {
	w.buf = append(w.buf, byte(I32))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// WriteI64 appends a signed 64-bit integer.
func (w *Writer) WriteI64(v int64) {
	w.buf = append(w.buf, byte(I64))
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// WriteU32 appends an unsigned 32-bit integer.
func (w *Writer) WriteU32(v uint32) {
	w.buf = append(w.buf, byte(U32))
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteU64 appends an unsigned 64-bit integer.
func (w *Writer) WriteU64(v uint64) {
	w.buf = append(w.buf, byte(U64))
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteF32 appends a 32-bit float in host byte order.
func (w *Writer) WriteF32(v float32) {
	w.buf = append(w.buf, byte(F32))
	w.buf = binary.NativeEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// WriteF64 appends a 64-bit float in host byte order.
func (w *Writer) WriteF64(v float64) {
	w.buf = append(w.buf, byte(F64))
	w.buf = binary.NativeEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// WriteBool appends a boolean as a single byte.
func (w *Writer) WriteBool(v bool) {
	w.buf = append(w.buf, byte(Bool))
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteString appends a NUL-terminated UTF-8 string. The string must not
// contain interior NUL bytes.
func (w *Writer) WriteString(s string) {
	w.buf = append(w.buf, byte(String))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteBinary appends a length-prefixed byte slice.
func (w *Writer) WriteBinary(b []byte) {
	w.buf = append(w.buf, byte(Binary))
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type element struct {
	kind Kind
	data []byte // scalar payload bytes, excluding the tag
	sub  *Tuple // set iff kind == Nested
}

// Tuple is a parsed tuple. Elements reference the original input bytes, so
// the input must not be mutated while the Tuple is in use. Raw returns the
// verbatim byte span of the tuple, which is what gets hashed.
type Tuple struct {
	elems []element
	raw   []byte
}

// Parse reads one tuple from the front of data. It returns nil if data does
// not begin with a complete, well-formed tuple. Trailing bytes after the
// closing delimiter are ignored.
func Parse(data []byte) *Tuple {
	t, _ := parse(data)
	return t
}

func parse(data []byte) (*Tuple, int) {
	// The empty tuple "()" is two bytes.
	if len(data) < 2 || Kind(data[0]) != Start {
		return nil, 0
	}
	t := &Tuple{}
	i := 1
	for i < len(data) {
		kind := Kind(data[i])
		switch kind {
		case End:
			i++
			t.raw = data[:i]
			return t, i
		case Null:
			t.elems = append(t.elems, element{kind: kind})
			i++
		case I32, U32, F32:
			if i+5 > len(data) {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: kind, data: data[i+1 : i+5]})
			i += 5
		case I64, U64, F64:
			if i+9 > len(data) {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: kind, data: data[i+1 : i+9]})
			i += 9
		case Bool:
			if i+2 > len(data) {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: kind, data: data[i+1 : i+2]})
			i += 2
		case String:
			end := bytes.IndexByte(data[i+1:], 0)
			if end < 0 {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: kind, data: data[i+1 : i+1+end]})
			i += 1 + end + 1
		case Binary:
			if i+5 > len(data) {
				return nil, 0
			}
			size := int(binary.BigEndian.Uint32(data[i+1 : i+5]))
			if i+5+size > len(data) {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: kind, data: data[i+5 : i+5+size]})
			i += 5 + size
		case Start:
			sub, n := parse(data[i:])
			if sub == nil {
				return nil, 0
			}
			t.elems = append(t.elems, element{kind: Nested, sub: sub})
			i += n
		default:
			return nil, 0
		}
	}
	// Ran out of input before the closing delimiter.
	return nil, 0
}

// Size returns the number of direct elements. A sub-tuple counts as one
// element regardless of its own size.
func (t *Tuple) Size() int {
	return len(t.elems)
}

// Raw returns the verbatim encoded bytes of the tuple, including the
// opening and closing delimiters.
func (t *Tuple) Raw() []byte {
	return t.raw
}

// Type returns the kind of element i, or 0 if i is out of range.
func (t *Tuple) Type(i int) Kind {
	if i < 0 || i >= len(t.elems) {
		return 0
	}
	return t.elems[i].kind
}

// HasFloat reports whether any element, at any depth, is a float. Consensus
// payload validators reject such tuples because float encoding is not
// portable across hosts.
func (t *Tuple) HasFloat() bool {
	for _, e := range t.elems {
		switch e.kind {
		case F32, F64:
			return true
		case Nested:
			if e.sub.HasFloat() {
				return true
			}
		}
	}
	return false
}

// I32 returns element i as a signed 32-bit integer.
func (t *Tuple) I32(i int) (int32, bool) {
	if t.Type(i) != I32 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(t.elems[i].data)), true
}

// I64 returns element i as a signed 64-bit integer.
func (t *Tuple) I64(i int) (int64, bool) {
	if t.Type(i) != I64 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(t.elems[i].data)), true
}

// U32 returns element i as an unsigned 32-bit integer.
func (t *Tuple) U32(i int) (uint32, bool) {
	if t.Type(i) != U32 {
		return 0, false
	}
	return binary.BigEndian.Uint32(t.elems[i].data), true
}

// U64 returns element i as an unsigned 64-bit integer.
func (t *Tuple) U64(i int) (uint64, bool) {
	if t.Type(i) != U64 {
		return 0, false
	}
	return binary.BigEndian.Uint64(t.elems[i].data), true
}

// F32 returns element i as a 32-bit float.
func (t *Tuple) F32(i int) (float32, bool) {
	if t.Type(i) != F32 {
		return 0, false
	}
	return math.Float32frombits(binary.NativeEndian.Uint32(t.elems[i].data)), true
}

// F64 returns element i as a 64-bit float.
func (t *Tuple) F64(i int) (float64, bool) {
	if t.Type(i) != F64 {
		return 0, false
	}
	return math.Float64frombits(binary.NativeEndian.Uint64(t.elems[i].data)), true
}

// Bool returns element i as a boolean.
func (t *Tuple) Bool(i int) (bool, bool) {
	if t.Type(i) != Bool {
		return false, false
	}
	return t.elems[i].data[0] != 0, true
}

// String returns element i as a string.
func (t *Tuple) String(i int) (string, bool) {
	if t.Type(i) != String {
		return "", false
	}
	return string(t.elems[i].data), true
}

// Binary returns element i as a byte slice referencing the input buffer.
func (t *Tuple) Binary(i int) ([]byte, bool) {
	if t.Type(i) != Binary {
		return nil, false
	}
	return t.elems[i].data, true
}

// BinaryLen returns the length of binary element i, or -1 if the element is
// not binary.
func (t *Tuple) BinaryLen(i int) int {
	if t.Type(i) != Binary {
		return -1
	}
	return len(t.elems[i].data)
}

// Tuple returns element i as a nested tuple.
func (t *Tuple) Tuple(i int) (*Tuple, bool) {
	if t.Type(i) != Nested {
		return nil, false
	}
	return t.elems[i].sub, true
}
