package wdog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableOf(t *testing.T, entries ...struct {
	Path        string
	Timeout     int
	DisableFlag string
}) []struct {
	Path        string
	Timeout     int
	DisableFlag string
} {
	t.Helper()
	return entries
}

func tmpFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte{0, 0}, 0o644))
	return path
}

func TestNewSkipsEntryDisabledByRDFlags(t *testing.T) {
	a := tmpFile(t, "a")
	b := tmpFile(t, "b")
	table := tableOf(t,
		struct {
			Path        string
			Timeout     int
			DisableFlag string
		}{Path: a, Timeout: 0, DisableFlag: "no-a"},
		struct {
			Path        string
			Timeout     int
			DisableFlag string
		}{Path: b, Timeout: 0, DisableFlag: "no-b"},
	)

	s := New(table, "no-a")
	var openErrs int
	ok := s.Init(func(string, error) { openErrs++ })
	require.True(t, ok)
	assert.Equal(t, 0, openErrs)
	assert.Equal(t, 1, s.Opened())
}

func TestInitSkipsMissingPathSilently(t *testing.T) {
	table := tableOf(t, struct {
		Path        string
		Timeout     int
		DisableFlag string
	}{Path: "/no/such/watchdog/device", Timeout: 0, DisableFlag: "no-x"})

	s := New(table, "")
	var called bool
	ok := s.Init(func(string, error) { called = true })
	assert.False(t, ok)
	assert.False(t, called)
	assert.Equal(t, 0, s.Opened())
}

func TestInitOpensExistingAndReportsTrue(t *testing.T) {
	a := tmpFile(t, "a")
	table := tableOf(t,
		struct {
			Path        string
			Timeout     int
			DisableFlag string
		}{Path: "/no/such/device", Timeout: 0, DisableFlag: "no-x"},
		struct {
			Path        string
			Timeout     int
			DisableFlag string
		}{Path: a, Timeout: 0, DisableFlag: "no-y"},
	)

	s := New(table, "")
	ok := s.Init(nil)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Opened())
}

func TestKickAndQuitWriteExpectedBytesAndCloseDescriptors(t *testing.T) {
	a := tmpFile(t, "a")
	table := tableOf(t, struct {
		Path        string
		Timeout     int
		DisableFlag string
	}{Path: a, Timeout: 0, DisableFlag: "no-a"})

	s := New(table, "")
	require.True(t, s.Init(nil))
	require.Equal(t, 1, s.Opened())

	s.Kick()
	s.Quit()

	assert.Equal(t, 0, s.Opened())
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, byte('*'), data[0])
	assert.Equal(t, byte('V'), data[1])
}

func TestKickFromSignalHandlerWithNoEntriesIsNoOp(t *testing.T) {
	s := &Set{}
	assert.NotPanics(t, func() { s.KickFromSignalHandler() })
}
