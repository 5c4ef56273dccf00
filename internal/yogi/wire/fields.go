package wire

import (
	"encoding/binary"
	"yogi-branch/internal/yogi/yerr"
)

// FieldWriter accumulates the body of an info message.
type FieldWriter struct {
	buf []byte
}

// NewFieldWriter returns an empty FieldWriter.
func NewFieldWriter() *FieldWriter { return &FieldWriter{} }

// Bytes returns the accumulated buffer.
func (w *FieldWriter) Bytes() []byte { return w.buf }

// PutString writes s followed by a NUL terminator.
func (w *FieldWriter) PutString(s string) {
	w.buf = append(w.buf, []byte(s)...)
	w.buf = append(w.buf, 0)
}

// PutUint16 writes v big-endian.
func (w *FieldWriter) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 writes v big-endian.
func (w *FieldWriter) PutInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

// PutUint32 writes v big-endian.
func (w *FieldWriter) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 writes v big-endian.
func (w *FieldWriter) PutInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

// PutBool writes a single 0x00/0x01 byte.
func (w *FieldWriter) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// PutBytes appends raw bytes verbatim (used for the 16-byte uuid).
func (w *FieldWriter) PutBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// FieldReader sequentially decodes fields from a byte slice.
type FieldReader struct {
	buf []byte
	pos int
	err error
}

// NewFieldReader returns a FieldReader positioned at the start of buf.
func NewFieldReader(buf []byte) *FieldReader { return &FieldReader{buf: buf} }

// Err returns the first deserialization error encountered, if any.
func (r *FieldReader) Err() error { return r.err }

func (r *FieldReader) fail() {
	if r.err == nil {
		r.err = yerr.Err(yerr.DeserializeMsgFailed, "truncated field")
	}
}

// String reads a NUL-terminated UTF-8 string.
func (r *FieldReader) String() string {
	if r.err != nil {
		return ""
	}
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s
		}
	}
	r.fail()
	return ""
}

func (r *FieldReader) need(n int) []byte {
	if r.err != nil || r.pos+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Uint16 reads a big-endian uint16.
func (r *FieldReader) Uint16() uint16 {
	b := r.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Int32 reads a big-endian int32.
func (r *FieldReader) Int32() int32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Uint32 reads a big-endian uint32.
func (r *FieldReader) Uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Int64 reads a big-endian int64.
func (r *FieldReader) Int64() int64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Bool reads a single 0x00/0x01 byte.
func (r *FieldReader) Bool() bool {
	b := r.need(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

// Bytes reads n raw bytes verbatim.
func (r *FieldReader) Bytes(n int) []byte {
	b := r.need(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Remaining returns the bytes left in the buffer, unconsumed.
func (r *FieldReader) Remaining() []byte {
	if r.pos >= len(r.buf) {
		return nil
	}
	return r.buf[r.pos:]
}
