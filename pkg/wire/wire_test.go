package wire

import (
	"bytes"
	"math"
	"math/bits"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarInt(t *testing.T) {
	tests := []struct {
		value int32
		want  []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{2097151, []byte{0xff, 0xff, 0x7f}},
		{math.MaxInt32, []byte{0xff, 0xff, 0xff, 0xff, 0x07}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}
	for _, tt := range tests {
		got := AppendVarInt(nil, tt.value)
		assert.Equal(t, tt.want, got, "encode %d", tt.value)
		assert.Equal(t, len(tt.want), VarIntSize(tt.value))
		v, err := ReadVarInt(bytes.NewReader(got))
		require.NoError(t, err)
		assert.Equal(t, tt.value, v)
	}
}

// groups is the number of 7-bit groups needed for v.
func groups(v uint64) int {
	return max(1, (bits.Len64(v)+6)/7)
}

func TestVarIntRoundTrip(t *testing.T) {
	for shift := range 31 {
		for _, v := range []int32{1<<shift - 1, 1 << shift, 1<<shift | 1} {
			var buf bytes.Buffer
			require.NoError(t, WriteVarInt(&buf, v))
			assert.Equal(t, groups(uint64(v)), buf.Len(), "length of %d", v)
			got, err := ReadVarInt(&buf)
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	}
}

func TestVarLongRoundTrip(t *testing.T) {
	for shift := range 63 {
		for _, v := range []int64{1<<shift - 1, 1 << shift, 1<<shift | 1} {
			var buf bytes.Buffer
			require.NoError(t, WriteVarLong(&buf, v))
			assert.Equal(t, groups(uint64(v)), buf.Len(), "length of %d", v)
			got, err := ReadVarLong(&buf)
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	}
	b := AppendVarLong(nil, -1)
	assert.Len(t, b, 10)
	got, err := ReadVarLong(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
}

func TestVarIntErrors(t *testing.T) {
	_, err := ReadVarInt(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	assert.ErrorIs(t, err, ErrVarIntTooBig)

	_, err = ReadVarLong(bytes.NewReader(bytes.Repeat([]byte{0x80}, 11)))
	assert.ErrorIs(t, err, ErrVarLongTooBig)

	_, err = ReadVarInt(bytes.NewReader([]byte{0x80}))
	assert.Error(t, err, "truncated")

	// bits past 32 and 64 in the last byte
	_, err = ReadVarInt(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x1f}))
	assert.ErrorIs(t, err, ErrVarIntTooBig)
	_, err = ReadVarLong(bytes.NewReader(append(bytes.Repeat([]byte{0xff}, 9), 0x03)))
	assert.ErrorIs(t, err, ErrVarLongTooBig)

	// the widest legal encodings still decode
	v, err := ReadVarInt(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}))
	require.NoError(t, err)
	assert.Equal(t, int32(-1), v)
	l, err := ReadVarLong(bytes.NewReader(append(bytes.Repeat([]byte{0xff}, 9), 0x01)))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), l)
}

func TestString(t *testing.T) {
	for _, s := range []string{"", "hello", "héllo wörld", strings.Repeat("x", 300)} {
		var buf bytes.Buffer
		require.NoError(t, WriteString(&buf, s, 0))
		got, err := ReadString(bytes.NewReader(buf.Bytes()), 0)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	var buf bytes.Buffer
	assert.ErrorIs(t, WriteString(&buf, "toolong", 3), ErrStringTooLong)
	require.NoError(t, WriteString(&buf, "toolong", 0))
	_, err := ReadString(bytes.NewReader(buf.Bytes()), 3)
	assert.ErrorIs(t, err, ErrStringTooLong)

	// announced length past the end of the payload
	_, err = ReadString(bytes.NewReader([]byte{0x05, 'a'}), 0)
	assert.Error(t, err)
}

func TestUUID(t *testing.T) {
	id := uuid.MustParse("01234567-89ab-cdef-fedc-ba9876543210")
	var buf bytes.Buffer
	require.NoError(t, WriteUUID(&buf, id))
	assert.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10}, buf.Bytes())
	got, err := ReadUUID(&buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestHighlights(t *testing.T) {
	player := uuid.New()
	on, err := Encode(Highlight{Player: player, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xb6, 0x1f}, on[:2], "id 4022")

	m, err := Decode(on)
	require.NoError(t, err)
	assert.Equal(t, Highlight{Player: player, Enabled: true}, m)

	h := NewHighlights()
	require.NoError(t, h.Handle(on))
	assert.True(t, h.Contains(player))

	off, err := Encode(Highlight{Player: player})
	require.NoError(t, err)
	require.NoError(t, h.Handle(off))
	assert.False(t, h.Contains(player))
	assert.Zero(t, h.Len())

	other, err := Encode(Unknown{Type: 7, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	m, err = Decode(other)
	require.NoError(t, err)
	assert.Equal(t, Unknown{Type: 7, Payload: []byte{1, 2, 3}}, m)
	require.NoError(t, h.Handle(other))

	assert.Error(t, h.Handle(on[:5]), "truncated uuid")
}
