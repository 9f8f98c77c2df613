package ipc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/msgtype"
	"github.com/nemomobile/dsme/internal/proto"
)

func TestConnFeedReturnsCompleteMessages(t *testing.T) {
	c := &conn{id: 1}

	m := message.New(msgtype.ShutdownReq, nil, nil)
	wire := proto.Encode(m)

	msgs, err := c.feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgtype.ShutdownReq, msgs[0].Type)
}

func TestConnFeedBuffersPartialMessage(t *testing.T) {
	c := &conn{id: 1}

	m := message.New(msgtype.ShutdownReq, nil, nil)
	wire := proto.Encode(m)

	msgs, err := c.feed(wire[:5])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = c.feed(wire[5:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestConnFeedHandlesMultipleMessagesInOneRead(t *testing.T) {
	c := &conn{id: 1}

	m1 := message.New(msgtype.ShutdownReq, nil, nil)
	m2 := message.New(msgtype.RebootReq, nil, nil)
	wire := append(proto.Encode(m1), proto.Encode(m2)...)

	msgs, err := c.feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, msgtype.ShutdownReq, msgs[0].Type)
	assert.Equal(t, msgtype.RebootReq, msgs[1].Type)
}

func TestConnFeedRejectsOversizedLineSize(t *testing.T) {
	c := &conn{id: 1}

	m := message.New(msgtype.ShutdownReq, nil, nil)
	wire := proto.Encode(m)
	// Forge a line_size_ declaring more than the max message size.
	wire[0] = 0xff
	wire[1] = 0xff
	wire[2] = 0xff
	wire[3] = 0x7f

	_, err := c.feed(wire)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proto.ErrOutOfSync))
}

func TestConnFeedRejectsSizeSmallerThanHeader(t *testing.T) {
	c := &conn{id: 1}

	m := message.New(msgtype.ShutdownReq, nil, nil)
	wire := proto.Encode(m)
	// Declare size_ smaller than the header itself.
	wire[4] = 1
	wire[5] = 0
	wire[6] = 0
	wire[7] = 0

	_, err := c.feed(wire)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proto.ErrOutOfSync))
}
