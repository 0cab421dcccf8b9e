// Package serialize implements the byte-level codec shared by all stored
// records: little-endian fixed-width integers, Satoshi-style var-ints and
// a cursor reader that can rewind, used to peek at table prefix bytes.
package serialize

import (
	"encoding/binary"
	"errors"
)

// ErrShortRead is the only error kind surfaced at this layer: a request
// for more bytes than remain in the reader.
var ErrShortRead = errors.New("serialize: read past end of buffer")

// Writer is an append-only byte buffer. The zero value is ready to use.
type Writer struct {
	buf []byte
}

func (w *Writer) PutUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint16BE and PutUint32BE exist for key material only: big-endian
// ordering keeps sorted iteration in height order.
func (w *Writer) PutUint16BE(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint32BE(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutVarInt writes v in the 1/3/5/9-byte Satoshi encoding.
func (w *Writer) PutVarInt(v uint64) {
	switch {
	case v < 0xfd:
		w.buf = append(w.buf, byte(v))
	case v <= 0xffff:
		w.buf = append(w.buf, 0xfd)
		w.PutUint16(uint16(v))
	case v <= 0xffffffff:
		w.buf = append(w.buf, 0xfe)
		w.PutUint32(uint32(v))
	default:
		w.buf = append(w.buf, 0xff)
		w.PutUint64(v)
	}
}

func (w *Writer) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutVarBytes writes a var-int length followed by the bytes.
func (w *Writer) PutVarBytes(b []byte) {
	w.PutVarInt(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the accumulated buffer. The slice aliases the writer's
// internal storage.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader is a cursor over a byte slice. It mirrors Writer and adds Rewind,
// used to peek at prefix bytes without consuming them.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) Position() int { return r.pos }

// Rewind moves the cursor back n bytes, clamping at the start.
func (r *Reader) Rewind(n int) {
	r.pos -= n
	if r.pos < 0 {
		r.pos = 0
	}
}

// Advance moves the cursor forward n bytes.
func (r *Reader) Advance(n int) error {
	if r.Remaining() < n {
		return ErrShortRead
	}
	r.pos += n
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortRead
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortRead
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) Uint16BE() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32BE() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortRead
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) VarInt() (uint64, error) {
	first, err := r.Uint8()
	if err != nil {
		return 0, err
	}
	switch first {
	case 0xfd:
		v, err := r.Uint16()
		return uint64(v), err
	case 0xfe:
		v, err := r.Uint32()
		return uint64(v), err
	case 0xff:
		return r.Uint64()
	default:
		return uint64(first), nil
	}
}

// Bytes consumes and copies the next n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortRead
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// BytesRef is like Bytes but aliases the underlying buffer.
func (r *Reader) BytesRef(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrShortRead
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *Reader) VarBytes() ([]byte, error) {
	n, err := r.VarInt()
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, ErrShortRead
	}
	return r.Bytes(int(n))
}

// RemainingBytes consumes everything left in the reader.
func (r *Reader) RemainingBytes() []byte {
	out := make([]byte, r.Remaining())
	copy(out, r.data[r.pos:])
	r.pos = len(r.data)
	return out
}
