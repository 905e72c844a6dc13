// Package wire decodes the small varint-prefixed messages of the side
// channel: LEB128 varints and varlongs, UUIDs as two big-endian halves and
// length-prefixed UTF-8 strings.
package wire

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxStringLength is the default cap, in characters, of a string.
const MaxStringLength = 32767

var (
	ErrVarIntTooBig  = errors.New("varint is too big")
	ErrVarLongTooBig = errors.New("varlong is too big")
	ErrStringTooLong = errors.New("string too long")
)

// Reader is what the decoders read from. *bytes.Reader and *bufio.Reader
// satisfy it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadVarInt reads an unsigned LEB128 value of at most 32 bits. A fifth
// byte carrying bits past bit 31 is rejected rather than truncated.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var value uint32
	for shift := 0; ; shift += 7 {
		if shift >= 35 {
			return 0, ErrVarIntTooBig
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not read varint")
		}
		if shift == 28 && b&0x70 != 0 {
			return 0, ErrVarIntTooBig
		}
		value |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return int32(value), nil
		}
	}
}

// ReadVarLong reads an unsigned LEB128 value of at most 64 bits.
func ReadVarLong(r io.ByteReader) (int64, error) {
	var value uint64
	for shift := 0; ; shift += 7 {
		if shift >= 70 {
			return 0, ErrVarLongTooBig
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, errors.Wrap(err, "could not read varlong")
		}
		if shift == 63 && b&0x7e != 0 {
			return 0, ErrVarLongTooBig
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return int64(value), nil
		}
	}
}

// AppendVarInt appends v as an unsigned LEB128 value. Negative values take
// five bytes.
func AppendVarInt(buf []byte, v int32) []byte {
	return binary.AppendUvarint(buf, uint64(uint32(v)))
}

// AppendVarLong appends v as an unsigned LEB128 value.
func AppendVarLong(buf []byte, v int64) []byte {
	return binary.AppendUvarint(buf, uint64(v))
}

func WriteVarInt(w io.Writer, v int32) error {
	_, err := w.Write(AppendVarInt(nil, v))
	return err
}

func WriteVarLong(w io.Writer, v int64) error {
	_, err := w.Write(AppendVarLong(nil, v))
	return err
}

// VarIntSize is the encoded length of v.
func VarIntSize(v int32) int {
	n := 1
	for u := uint32(v); u >= 0x80; u >>= 7 {
		n++
	}
	return n
}

// ReadUUID reads the most significant half followed by the least
// significant half, both big-endian.
func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, errors.Wrap(err, "could not read uuid")
	}
	return id, nil
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

// ReadString reads a varint byte length and that many bytes of UTF-8. The
// string may hold at most limit characters; limit <= 0 uses MaxStringLength.
func ReadString(r Reader, limit int) (string, error) {
	if limit <= 0 {
		limit = MaxStringLength
	}
	n, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}
	if n < 0 || int(n) > limit*utf8.UTFMax {
		return "", errors.Wrapf(ErrStringTooLong, "%d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "could not read string")
	}
	if !utf8.Valid(buf) {
		return "", errors.New("string is not valid UTF-8")
	}
	if utf8.RuneCount(buf) > limit {
		return "", errors.Wrapf(ErrStringTooLong, "%d characters", utf8.RuneCount(buf))
	}
	return string(buf), nil
}

// WriteString writes s with a varint byte length.
func WriteString(w io.Writer, s string, limit int) error {
	if limit <= 0 {
		limit = MaxStringLength
	}
	if utf8.RuneCountInString(s) > limit {
		return errors.Wrapf(ErrStringTooLong, "%d characters", utf8.RuneCountInString(s))
	}
	buf := AppendVarInt(nil, int32(len(s)))
	_, err := w.Write(append(buf, s...))
	return err
}

func ReadBool(r io.ByteReader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, errors.Wrap(err, "could not read bool")
	}
	return b != 0, nil
}

func WriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}
