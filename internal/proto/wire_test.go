package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/msgtype"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := message.New(msgtype.SetChargerState, []byte{1}, []byte("x"))
	buf := Encode(m)
	assert.Len(t, buf, int(m.LineSize))

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.Body, got.Body)
	assert.Equal(t, m.Extra, got.Extra)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeRejectsOversizedLineSize(t *testing.T) {
	m := message.New(msgtype.StateQuery, nil, nil)
	buf := Encode(m)
	// Forge an oversized line_size_ in the header (offset 0..4).
	buf[0] = 0xff
	buf[1] = 0xff
	buf[2] = 0xff
	buf[3] = 0x00

	_, err := Decode(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfSync)
}

func TestDecodeRejectsSizeSmallerThanHeader(t *testing.T) {
	buf := make([]byte, msgtype.HeaderSize)
	// line_size_ = 12, size_ = 4 (< HeaderSize)
	buf[0], buf[4] = 12, 4
	_, err := Decode(buf)
	assert.Error(t, err)
}
