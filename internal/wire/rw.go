// Package wire implements the length-prefixed binary TCP protocol: frame
// extraction, little-endian primitive encoding, and client/server command
// (de)serialization.
//
// The primitive Reader/Writer shape (bounds-checked, explicit little-endian
// accessors) follows the packet reader/writer idiom used for MMO-style
// binary protocols; ULEB128 varints reuse the standard library's
// encoding/binary implementation rather than a hand-rolled one.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrShortBuffer is returned when a Reader runs out of bytes mid-field.
var ErrShortBuffer = errors.New("wire: short buffer")

// Reader decodes primitives from a byte slice, advancing an internal cursor.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) require(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.buf[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return math.Float32frombits(bits), nil
}

// ReadUvarint decodes a ULEB128-encoded unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrShortBuffer
	}
	r.pos += n
	return v, nil
}

// ReadString decodes a ULEB128-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	if err := r.require(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes returns the remaining unread bytes without copying.
func (r *Reader) ReadBytes() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// ReadN returns the next n bytes without copying, advancing the cursor,
// or ErrShortBuffer if fewer than n bytes remain.
func (r *Reader) ReadN(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Drain discards all remaining bytes, used by the codec's unknown-opcode
// fallback so a malformed or future frame never desyncs the stream.
func (r *Reader) Drain() {
	r.pos = len(r.buf)
}

// Writer accumulates primitives into a growable byte buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func (w *Writer) WriteInt32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteInt64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteFloat32(v float32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteRawBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// ExtractFrame pulls one ULEB128-length-prefixed frame off the front of buf,
// returning the payload, the number of bytes consumed (0 if incomplete),
// and whether a complete frame was available.
func ExtractFrame(buf []byte) (payload []byte, consumed int, ok bool) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		// either empty or length still incomplete; binary.Uvarint returns
		// 0 on buffer-too-short, negative on overflow (malformed).
		if n < 0 {
			return nil, len(buf), true // drain a malformed varint as sentinel
		}
		return nil, 0, false
	}
	total := n + int(length)
	if len(buf) < total {
		return nil, 0, false
	}
	return buf[n:total], total, true
}

// EncodeFrame prepends a ULEB128 length prefix to payload.
func EncodeFrame(payload []byte) []byte {
	w := NewWriter()
	w.WriteUvarint(uint64(len(payload)))
	w.WriteRawBytes(payload)
	return w.Bytes()
}
