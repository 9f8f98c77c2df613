package supervisorloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminateSetsFlag(t *testing.T) {
	l := New(Options{})
	assert.False(t, l.terminating)
	l.Terminate()
	assert.True(t, l.terminating)
}

func TestWritePingWritesSingleByteP(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	l := New(Options{})
	l.toChild = w

	l.writePing()

	buf := make([]byte, 1)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('P'), buf[0])
}

func TestReadPongsReturnsTrueWhenDataAvailable(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, err = w.Write([]byte{'Q'})
	require.NoError(t, err)
	w.Close()

	l := New(Options{})
	l.fromChild = r

	assert.True(t, l.readPongs())
}

func TestReadPongsReturnsFalseOnImmediateEOF(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer r.Close()

	l := New(Options{})
	l.fromChild = r

	assert.False(t, l.readPongs())
}

func TestSleepHeartbeatReturnsNearTheConfiguredInterval(t *testing.T) {
	l := New(Options{HeartbeatInterval: 10 * time.Millisecond})

	start := time.Now()
	l.sleepHeartbeat()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestRunReturnsImmediatelyWhenAlreadyTerminating(t *testing.T) {
	l := New(Options{HeartbeatInterval: time.Millisecond})
	l.Terminate()

	abnormal := l.Run()
	assert.False(t, abnormal)
}

func TestRunDeclaresAbnormalExitAfterMaxMissedPongs(t *testing.T) {
	l := New(Options{HeartbeatInterval: 2 * time.Millisecond, MaxMissedPongs: 1})

	fromR, fromW, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, fromW.Close()) // immediate EOF: every readPongs() call reports no data
	defer fromR.Close()
	l.fromChild = fromR

	toR, toW, err := os.Pipe()
	require.NoError(t, err)
	defer toR.Close()
	defer toW.Close()
	l.toChild = toW

	abnormal := l.Run()
	assert.True(t, abnormal)
	assert.Equal(t, 1, l.missedPongs)
}
