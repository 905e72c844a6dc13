package classfile

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrTruncated is returned when the input ends before a structure is complete.
var ErrTruncated = errors.New("truncated class file")

// reader is a sticky-error big-endian cursor. After the first failure every
// accessor returns zero and the error is reported once by the caller.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = errors.Wrapf(ErrTruncated, "need %d bytes at offset %#x", n, r.off)
		return false
	}
	return true
}

func (r *reader) u1() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u2() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u4() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u8() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func (r *reader) failf(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

// writer accumulates big-endian output.
type writer struct {
	b []byte
}

func (w *writer) u1(v uint8)  { w.b = append(w.b, v) }
func (w *writer) u2(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }
func (w *writer) u4(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }
func (w *writer) u8(v uint64) { w.b = binary.BigEndian.AppendUint64(w.b, v) }
func (w *writer) raw(v []byte) {
	w.b = append(w.b, v...)
}

func (w *writer) len16(n int, what string) error {
	if n > math.MaxUint16 {
		return errors.Errorf("too many %s: %d", what, n)
	}
	w.u2(uint16(n))
	return nil
}
