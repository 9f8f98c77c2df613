package alarmmodule

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/dsme/internal/alarmstate"
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
)

type recordingSink struct {
	calls []bool
}

func (s *recordingSink) SetAlarmPending(pending bool) { s.calls = append(s.calls, pending) }

func newStore(t *testing.T) *alarmstate.Store {
	t.Helper()
	return alarmstate.New(filepath.Join(t.TempDir(), "alarm_queue_head"))
}

func setAlarmStateBody(pending bool, epoch int64) []byte {
	body := make([]byte, 9)
	if pending {
		body[0] = 1
	}
	binary.LittleEndian.PutUint64(body[1:9], uint64(epoch))
	return body
}

func TestInitRestoresPendingFromPersistedState(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(time.Unix(1000, 0)))

	sink := &recordingSink{}
	m := New(store, sink)
	require.NoError(t, m.Init(&modbase.Context{}))

	assert.Equal(t, []bool{true}, sink.calls)
}

func TestInitWithNoPersistedStateReportsNotPending(t *testing.T) {
	store := newStore(t)
	sink := &recordingSink{}
	m := New(store, sink)
	require.NoError(t, m.Init(&modbase.Context{}))

	assert.Equal(t, []bool{false}, sink.calls)
}

func TestHandleSetAlarmStatePersistsAndNotifiesSink(t *testing.T) {
	store := newStore(t)
	sink := &recordingSink{}
	m := New(store, sink)

	body := setAlarmStateBody(true, 2_000_000_000)
	msg := message.New(msgtype.SetAlarmState, body, nil)
	m.handleSetAlarmState(&modbase.Context{}, message.System, msg)

	assert.Equal(t, []bool{true}, sink.calls)
	when, pending, err := store.Load()
	require.NoError(t, err)
	assert.True(t, pending)
	assert.True(t, when.Equal(time.Unix(2_000_000_000, 0)))
}

func TestHandleSetAlarmStateClearsPersistedStateWhenNotPending(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(time.Unix(500, 0)))
	sink := &recordingSink{}
	m := New(store, sink)

	body := setAlarmStateBody(false, 0)
	msg := message.New(msgtype.SetAlarmState, body, nil)
	m.handleSetAlarmState(&modbase.Context{}, message.System, msg)

	assert.Equal(t, []bool{false}, sink.calls)
	_, pending, err := store.Load()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestHandleSetAlarmStateIgnoresShortBody(t *testing.T) {
	store := newStore(t)
	sink := &recordingSink{}
	m := New(store, sink)

	msg := message.New(msgtype.SetAlarmState, []byte{1, 2, 3}, nil)
	m.handleSetAlarmState(&modbase.Context{}, message.System, msg)

	assert.Empty(t, sink.calls)
}

func TestHandlersDeclaresExpectedSizeAndType(t *testing.T) {
	m := New(newStore(t), nil)
	decls := m.Handlers()
	require.Len(t, decls, 1)
	assert.Equal(t, msgtype.SetAlarmState, decls[0].Type)
	assert.Equal(t, uint32(BodySize), decls[0].Size)
}
