package statemachine

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemomobile/dsme/internal/evloop"
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
	"github.com/nemomobile/dsme/internal/runlevel"
	"github.com/nemomobile/dsme/internal/timer"
)

// scheduledEntry is one recorded ScheduleAt/ScheduleEvery call.
type scheduledEntry struct {
	cb       func()
	canceled bool
}

// fakeScheduler records every scheduled callback in order without ever
// firing it on its own; tests fire entries explicitly via fire/fireLast.
// Handles returned across the package boundary are always the zero value
// (the evloop.TimerHandle.entry field is unexported), so CancelTimer
// cancels the most recently scheduled entry not already canceled, whether
// or not it has fired — sufficient since
// these tests never have more than one outstanding grace timer per path.
type fakeScheduler struct {
	entries []*scheduledEntry
}

func (f *fakeScheduler) ScheduleAt(deadline time.Time, cb func()) evloop.TimerHandle {
	f.entries = append(f.entries, &scheduledEntry{cb: cb})
	return evloop.TimerHandle{}
}

func (f *fakeScheduler) ScheduleEvery(first time.Time, interval time.Duration, cb func()) evloop.TimerHandle {
	f.entries = append(f.entries, &scheduledEntry{cb: cb})
	return evloop.TimerHandle{}
}

func (f *fakeScheduler) CancelTimer(evloop.TimerHandle) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if !f.entries[i].canceled {
			f.entries[i].canceled = true
			return
		}
	}
}

func (f *fakeScheduler) fire(i int) {
	e := f.entries[i]
	if !e.canceled {
		e.cb()
	}
}

func (f *fakeScheduler) fireLast() {
	f.fire(len(f.entries) - 1)
}

type hostRecorder struct {
	broadcasts []message.Message
}

func (h *hostRecorder) Broadcast(msg message.Message)         { h.broadcasts = append(h.broadcasts, msg) }
func (h *hostRecorder) BroadcastInternal(msg message.Message) { h.broadcasts = append(h.broadcasts, msg) }
func (h *hostRecorder) EndpointSend(to uint64, msg message.Message) {
	h.broadcasts = append(h.broadcasts, msg)
}

func (h *hostRecorder) types() []msgtype.ID {
	out := make([]msgtype.ID, len(h.broadcasts))
	for i, m := range h.broadcasts {
		out[i] = m.Type
	}
	return out
}

func boolMsg(typ msgtype.ID, v bool) message.Message {
	body := []byte{0}
	if v {
		body[0] = 1
	}
	return message.New(typ, body, nil)
}

func runlevelOf(t *testing.T, m message.Message) runlevel.Level {
	t.Helper()
	require.Len(t, m.Body, 4)
	return runlevel.Level(int32(binary.LittleEndian.Uint32(m.Body)))
}

func newTestModule(t *testing.T, bootState string, rdMode bool) (*Module, *hostRecorder, *fakeScheduler, *runlevel.RecordingDriver) {
	t.Helper()
	if bootState != "" {
		t.Setenv(BootStateEnv, bootState)
	}
	sched := &fakeScheduler{}
	timers := timer.New(sched)
	driver := &runlevel.RecordingDriver{}
	host := &hostRecorder{}

	m := New(timers, driver, rdMode,
		WithCommitGrace(time.Second),
		WithBatteryGrace(time.Second),
		WithThermalGrace(time.Second),
		WithActDeadDetachGrace(time.Second),
	)
	require.NoError(t, m.Init(&modbase.Context{Host: host}))
	return m, host, sched, driver
}

func TestLoadBootStateRecognisedValue(t *testing.T) {
	m, _, _, _ := newTestModule(t, "USER", false)
	assert.Equal(t, StateUser, m.State())
}

func TestLoadBootStateUnrecognisedFatalWithoutRDMode(t *testing.T) {
	sched := &fakeScheduler{}
	timers := timer.New(sched)
	m := New(timers, &runlevel.RecordingDriver{}, false)
	t.Setenv(BootStateEnv, "BOGUS")

	err := m.Init(&modbase.Context{Host: &hostRecorder{}})
	assert.Error(t, err)
	assert.Equal(t, StateMalf, m.State())
}

func TestLoadBootStateUnrecognisedDegradesInRDMode(t *testing.T) {
	m, _, _, _ := newTestModule(t, "BOGUS", true)
	assert.Equal(t, StateMalf, m.State())
}

func TestShutdownFromUserWithNoChargerGoesDirectlyToShutdown(t *testing.T) {
	m, host, sched, driver := newTestModule(t, "USER", false)

	m.requestShutdown()

	require.Len(t, host.broadcasts, 2)
	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())
	assert.Equal(t, StateShutdown, m.State())

	sched.fireLast()
	require.Len(t, host.broadcasts, 3)
	assert.Equal(t, msgtype.Shutdown, host.broadcasts[2].Type)
	assert.Equal(t, runlevel.Shutdown, runlevelOf(t, host.broadcasts[2]))
	require.Len(t, driver.Levels, 1)
	assert.Equal(t, runlevel.Shutdown, driver.Levels[0])
}

func TestShutdownWithChargerConnectedAndNoAlarmGoesActDead(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "USER", false)
	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, true))

	m.requestShutdown()
	assert.Equal(t, StateActDead, m.State())

	sched.fireLast()
	assert.Equal(t, runlevel.ActDead, runlevelOf(t, host.broadcasts[2]))
}

func TestShutdownWithChargerConnectedAndAlarmSetStillShutsDown(t *testing.T) {
	m, _, _, _ := newTestModule(t, "USER", false)
	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, true))
	m.onSetAlarmState(&modbase.Context{}, message.System, func() message.Message {
		body := make([]byte, 9)
		body[0] = 1
		return message.New(msgtype.SetAlarmState, body, nil)
	}())

	m.requestShutdown()
	assert.Equal(t, StateShutdown, m.State())
}

func TestShutdownDuringEmergencyCallIsDeferredThenResumesWhenCallEnds(t *testing.T) {
	m, host, _, _ := newTestModule(t, "USER", false)
	m.onSetEmergencyCallState(&modbase.Context{}, message.System, boolMsg(msgtype.SetEmergencyCallState, true))

	m.requestShutdown()
	assert.Empty(t, host.broadcasts)
	assert.Equal(t, StateUser, m.State())

	m.onSetEmergencyCallState(&modbase.Context{}, message.System, boolMsg(msgtype.SetEmergencyCallState, false))
	assert.Equal(t, StateShutdown, m.State())
	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())
}

func TestRebootDeferredByUSBMountResumesOnUnmount(t *testing.T) {
	m, host, _, _ := newTestModule(t, "USER", false)
	m.onSetUSBState(&modbase.Context{}, message.System, boolMsg(msgtype.SetUSBState, true))

	m.requestReboot()
	assert.Empty(t, host.broadcasts)

	m.onSetUSBState(&modbase.Context{}, message.System, boolMsg(msgtype.SetUSBState, false))
	assert.Equal(t, StateReboot, m.State())
}

func TestRebootIsMonotonicOnceCommitted(t *testing.T) {
	m, host, _, _ := newTestModule(t, "USER", false)
	m.requestReboot()
	require.Equal(t, StateReboot, m.State())
	countAfterReboot := len(host.broadcasts)

	m.requestShutdown()
	assert.Equal(t, StateReboot, m.State())
	assert.Len(t, host.broadcasts, countAfterReboot)
}

func TestActDeadChargerDetachGraceFiresTransitionToShutdown(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "ACT_DEAD", false)

	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, true))
	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, false))
	require.True(t, m.detachGraceArmed)
	assert.Empty(t, host.broadcasts)

	sched.fireLast() // detach grace fires
	assert.Equal(t, StateShutdown, m.State())
	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())

	sched.fireLast() // commit timer fires
	assert.Equal(t, msgtype.Shutdown, host.broadcasts[2].Type)
}

func TestReattachingChargerBeforeDetachGraceFiresCancelsSilently(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "ACT_DEAD", false)

	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, true))
	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, false))
	require.True(t, m.detachGraceArmed)

	m.onSetChargerState(&modbase.Context{}, message.System, boolMsg(msgtype.SetChargerState, true))
	assert.False(t, m.detachGraceArmed)

	sched.fireLast() // a cancelled fire must produce no output at all
	assert.Empty(t, host.broadcasts)
	assert.Equal(t, StateActDead, m.State())
}

func TestBatteryEmptyGraceBroadcastsIndThenShutsDown(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "USER", false)

	m.onSetBatteryState(&modbase.Context{}, message.System, boolMsg(msgtype.SetBatteryState, true))
	require.Empty(t, host.broadcasts)

	sched.fireLast()
	require.Len(t, host.broadcasts, 3)
	assert.Equal(t, []msgtype.ID{msgtype.BatteryEmptyInd, msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())
	assert.Equal(t, StateShutdown, m.State())
}

func TestThermalOverheatGraceShutsDownWithoutIndBroadcast(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "USER", false)

	m.onSetThermalState(&modbase.Context{}, message.System, boolMsg(msgtype.SetThermalState, true))
	sched.fireLast()

	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())
	assert.Equal(t, StateShutdown, m.State())
}

func TestThermalCooldownDoesNotCancelInFlightGrace(t *testing.T) {
	m, host, sched, _ := newTestModule(t, "USER", false)

	m.onSetThermalState(&modbase.Context{}, message.System, boolMsg(msgtype.SetThermalState, true))
	m.onSetThermalState(&modbase.Context{}, message.System, boolMsg(msgtype.SetThermalState, false))
	assert.False(t, m.Flags().ThermalOverheated)

	sched.fireLast() // the grace armed before cooldown still fires
	assert.Equal(t, StateShutdown, m.State())
	assert.NotEmpty(t, host.broadcasts)
}

func TestPowerupReqFromActDeadTransitionsToUser(t *testing.T) {
	m, host, _, _ := newTestModule(t, "ACT_DEAD", false)
	m.onPowerupReq(&modbase.Context{}, message.System, message.New(msgtype.PowerupReq, nil, nil))

	assert.Equal(t, StateUser, m.State())
	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd}, host.types())
}

func TestPowerupReqIgnoredOutsideActDead(t *testing.T) {
	m, host, _, _ := newTestModule(t, "USER", false)
	m.onPowerupReq(&modbase.Context{}, message.System, message.New(msgtype.PowerupReq, nil, nil))

	assert.Equal(t, StateUser, m.State())
	assert.Empty(t, host.broadcasts)
}

func TestStateQueryBroadcastsCurrentState(t *testing.T) {
	m, host, _, _ := newTestModule(t, "ACT_DEAD", false)
	m.onStateQuery(&modbase.Context{}, message.System, message.New(msgtype.StateQuery, nil, nil))

	require.Len(t, host.broadcasts, 1)
	assert.Equal(t, msgtype.StateChangeInd, host.broadcasts[0].Type)
	assert.Equal(t, byte(StateActDead), host.broadcasts[0].Body[0])
}

func TestSetAlarmPendingImplementsStateSink(t *testing.T) {
	m, _, _, _ := newTestModule(t, "USER", false)
	m.SetAlarmPending(true)
	assert.True(t, m.Flags().AlarmSet)
	m.SetAlarmPending(false)
	assert.False(t, m.Flags().AlarmSet)
}

func TestTimerCreationFailureDegradesToSynchronousCommit(t *testing.T) {
	// A nil Scheduler makes timer.Service.After always report failure, so
	// beginTransition must fall back to committing synchronously.
	timers := timer.New(nil)
	driver := &runlevel.RecordingDriver{}
	host := &hostRecorder{}
	m := New(timers, driver, false)
	t.Setenv(BootStateEnv, "USER")
	require.NoError(t, m.Init(&modbase.Context{Host: host}))

	m.requestShutdown()

	require.Len(t, host.broadcasts, 3)
	assert.Equal(t, []msgtype.ID{msgtype.StateChangeInd, msgtype.SaveDataInd, msgtype.Shutdown}, host.types())
	require.Len(t, driver.Levels, 1)
	assert.Equal(t, runlevel.Shutdown, driver.Levels[0])
}
