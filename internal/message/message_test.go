package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/dsme/internal/msgtype"
)

func TestNewComputesSizes(t *testing.T) {
	m := New(msgtype.SetChargerState, []byte{1}, []byte("extra"))
	assert.Equal(t, uint32(msgtype.HeaderSize+1), m.Size)
	assert.Equal(t, uint32(msgtype.HeaderSize+1+5), m.LineSize)
	require.NoError(t, m.Validate())
}

func TestValidateRejectsUndersizedOrInconsistentMessage(t *testing.T) {
	bad := Message{Size: msgtype.HeaderSize - 1, LineSize: msgtype.HeaderSize}
	assert.Error(t, bad.Validate())

	bad2 := Message{Size: 20, LineSize: 10}
	assert.Error(t, bad2.Validate())
}

func TestRecipientMatches(t *testing.T) {
	assert.True(t, BroadcastRecipient.Matches(42))
	r := ToModule(7)
	assert.True(t, r.Matches(7))
	assert.False(t, r.Matches(8))
}
