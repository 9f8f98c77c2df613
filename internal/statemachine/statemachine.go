// Package statemachine implements the device state machine described in
// spec.md §4.7 — the single largest module in the system: it owns the
// public device state, reacts to the charger/battery/alarm/emergency
// call/thermal/USB inputs, and drives shutdown/reboot/runlevel changes
// through a two-phase commit.
package statemachine

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/nemomobile/dsme/internal/evloop"
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
	"github.com/nemomobile/dsme/internal/runlevel"
	"github.com/nemomobile/dsme/internal/timer"
)

// State is one of the device states (spec.md §3 "Device state").
type State int

const (
	StateNotSet State = iota
	StateShutdown
	StateUser
	StateActDead
	StateReboot
	StateBoot
	StateTest
	StateMalf
	StateLocal
)

func (s State) String() string {
	switch s {
	case StateShutdown:
		return "SHUTDOWN"
	case StateUser:
		return "USER"
	case StateActDead:
		return "ACTDEAD"
	case StateReboot:
		return "REBOOT"
	case StateBoot:
		return "BOOT"
	case StateTest:
		return "TEST"
	case StateMalf:
		return "MALF"
	case StateLocal:
		return "LOCAL"
	default:
		return "NOT_SET"
	}
}

// runlevelFor maps a State to the init-system runlevel named in spec.md
// §4.7.
func runlevelFor(s State) runlevel.Level {
	switch s {
	case StateShutdown:
		return runlevel.Shutdown
	case StateUser:
		return runlevel.User
	case StateActDead:
		return runlevel.ActDead
	case StateReboot:
		return runlevel.Reboot
	case StateMalf:
		return runlevel.Malfunction
	default:
		return runlevel.User
	}
}

// BootStateEnv is read once at module load (spec.md §6 "Boot hint").
const BootStateEnv = "BOOTSTATE"

// bootStates maps every recognised BOOTSTATE value to its State.
var bootStates = map[string]State{
	"USER":     StateUser,
	"ACT_DEAD": StateActDead,
	"SHUTDOWN": StateShutdown,
	"BOOT":     StateBoot,
	"TEST":     StateTest,
	"LOCAL":    StateLocal,
}

// Flags are the auxiliary booleans from spec.md §3.
type Flags struct {
	AlarmSet             bool
	ChargerConnected     bool
	BatteryEmpty         bool
	EmergencyCallOngoing bool
	ThermalOverheated    bool
	USBMountedToPC       bool
}

// Fixed body sizes for every message this module sends or receives. Each
// is msgtype.HeaderSize plus the type-specific fixed payload.
const (
	emptyBodySize     = msgtype.HeaderSize
	boolBodySize      = msgtype.HeaderSize + 1
	runlevelBodySize  = msgtype.HeaderSize + 4
	alarmStateBodySize = msgtype.HeaderSize + 1 + 8
)

// requestKind distinguishes the two deferrable request types for
// spec.md §4.7's emergency-call and USB-mounted blocking rules.
type requestKind int

const (
	reqShutdown requestKind = iota
	reqReboot
)

// Tunables. Defaults are conservative placeholders; production
// deployments would source these from configuration rather than a
// compiled-in constant, but spec.md names no concrete values beyond
// "short grace" and leaves this an implementation choice.
const (
	DefaultCommitGrace           = 2 * time.Second
	DefaultBatteryGrace          = 5 * time.Second
	DefaultThermalGrace          = 5 * time.Second
	DefaultActDeadDetachGrace    = 10 * time.Second
)

// Module is the state machine policy plug-in.
type Module struct {
	timers *timer.Service
	driver runlevel.Driver
	rdMode bool

	commitGrace        time.Duration
	batteryGrace        time.Duration
	thermalGrace        time.Duration
	actDeadDetachGrace  time.Duration

	host modbase.Host

	state State
	flags Flags

	deferredKind requestKind
	hasDeferred  bool

	detachGraceArmed bool
	detachHandle     evloop.TimerHandle
	batteryHandle    evloop.TimerHandle
	thermalHandle    evloop.TimerHandle
	commitHandle     evloop.TimerHandle
}

// Option configures a Module.
type Option func(*Module)

func WithCommitGrace(d time.Duration) Option       { return func(m *Module) { m.commitGrace = d } }
func WithBatteryGrace(d time.Duration) Option      { return func(m *Module) { m.batteryGrace = d } }
func WithThermalGrace(d time.Duration) Option      { return func(m *Module) { m.thermalGrace = d } }
func WithActDeadDetachGrace(d time.Duration) Option { return func(m *Module) { m.actDeadDetachGrace = d } }

// New builds a Module driven by timers and driver (the runlevel/init
// collaborator). rdMode mirrors spec.md §6's R&D mode (DSME_RD_FLAGS
// non-empty), which alone permits an unrecognised BOOTSTATE to keep
// running in MALF instead of being treated as a fatal configuration
// error (spec.md §7).
func New(timers *timer.Service, driver runlevel.Driver, rdMode bool, opts ...Option) *Module {
	m := &Module{
		timers:             timers,
		driver:             driver,
		rdMode:             rdMode,
		commitGrace:        DefaultCommitGrace,
		batteryGrace:       DefaultBatteryGrace,
		thermalGrace:       DefaultThermalGrace,
		actDeadDetachGrace: DefaultActDeadDetachGrace,
		state:              StateNotSet,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init reads BOOTSTATE and sets the initial state, per spec.md §4.7.
func (m *Module) Init(ctx *modbase.Context) error {
	m.host = ctx.Host
	return m.loadBootState(os.Getenv(BootStateEnv))
}

func (m *Module) loadBootState(raw string) error {
	st, ok := bootStates[raw]
	if !ok {
		m.state = StateMalf
		if !m.rdMode {
			return fmt.Errorf("statemachine: unrecognised BOOTSTATE %q and not in R&D mode", raw)
		}
		return nil
	}
	m.state = st
	return nil
}

// State reports the current public device state.
func (m *Module) State() State { return m.state }

// Flags reports the current auxiliary flags.
func (m *Module) Flags() Flags { return m.flags }

// Handlers implements modbase.Plugin.
func (m *Module) Handlers() []modbase.HandlerDecl {
	return []modbase.HandlerDecl{
		{Type: msgtype.ShutdownReq, Size: emptyBodySize, Handle: m.onShutdownReq},
		{Type: msgtype.RebootReq, Size: emptyBodySize, Handle: m.onRebootReq},
		{Type: msgtype.PowerupReq, Size: emptyBodySize, Handle: m.onPowerupReq},
		{Type: msgtype.StateQuery, Size: emptyBodySize, Handle: m.onStateQuery},
		{Type: msgtype.SetChargerState, Size: boolBodySize, Handle: m.onSetChargerState},
		{Type: msgtype.SetBatteryState, Size: boolBodySize, Handle: m.onSetBatteryState},
		{Type: msgtype.SetAlarmState, Size: alarmStateBodySize, Handle: m.onSetAlarmState},
		{Type: msgtype.SetEmergencyCallState, Size: boolBodySize, Handle: m.onSetEmergencyCallState},
		{Type: msgtype.SetThermalState, Size: boolBodySize, Handle: m.onSetThermalState},
		{Type: msgtype.SetUSBState, Size: boolBodySize, Handle: m.onSetUSBState},
	}
}

func decodeBool(body []byte) bool {
	return len(body) > 0 && body[0] != 0
}

// SetAlarmPending implements alarmmodule.StateSink, letting the alarm
// module's own SET_ALARM_STATE handling also update this module's flag
// directly, in addition to this module's own registered handler for the
// same broadcast — spec.md's handler-dispatch model allows any number of
// modules to react to one message type (see SPEC_FULL.md's rationale for
// including the alarm module at all: exercising handler-priority ordering
// with more than one tenant).
func (m *Module) SetAlarmPending(pending bool) {
	m.flags.AlarmSet = pending
}

func (m *Module) onShutdownReq(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	m.requestShutdown()
}

func (m *Module) onRebootReq(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	m.requestReboot()
}

func (m *Module) onPowerupReq(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	if m.state == StateActDead {
		m.beginTransition(StateUser)
	}
}

func (m *Module) onStateQuery(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	m.host.Broadcast(stateChangeInd(m.state))
}

func (m *Module) onSetChargerState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	connected := decodeBool(msg.Body)
	wasConnected := m.flags.ChargerConnected
	m.flags.ChargerConnected = connected

	if m.state != StateActDead {
		return
	}
	switch {
	case wasConnected && !connected:
		if !m.detachGraceArmed {
			m.armDetachGrace()
		}
	case !wasConnected && connected:
		if m.detachGraceArmed {
			m.timers.Cancel(m.detachHandle)
			m.detachGraceArmed = false
		}
	}
}

func (m *Module) onSetBatteryState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	empty := decodeBool(msg.Body)
	if empty && !m.flags.BatteryEmpty {
		m.flags.BatteryEmpty = true
		h, ok := m.timers.After(m.batteryGrace, m.onBatteryGraceFired)
		m.batteryHandle = h
		if !ok {
			m.onBatteryGraceFired()
		}
	} else if !empty {
		m.flags.BatteryEmpty = false
	}
}

func (m *Module) onSetAlarmState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	if len(msg.Body) < 1 {
		return
	}
	m.flags.AlarmSet = msg.Body[0] != 0
}

func (m *Module) onSetEmergencyCallState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	ongoing := decodeBool(msg.Body)
	m.flags.EmergencyCallOngoing = ongoing
	if !ongoing {
		m.resumeDeferred()
	}
}

func (m *Module) onSetThermalState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	overheated := decodeBool(msg.Body)
	if overheated && !m.flags.ThermalOverheated {
		m.flags.ThermalOverheated = true
		h, ok := m.timers.After(m.thermalGrace, m.onThermalGraceFired)
		m.thermalHandle = h
		if !ok {
			m.onThermalGraceFired()
		}
	} else if !overheated {
		// Cooling down clears the flag but deliberately does not cancel
		// a grace/commit already in flight (spec.md §4.7).
		m.flags.ThermalOverheated = false
	}
}

func (m *Module) onSetUSBState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	mounted := decodeBool(msg.Body)
	m.flags.USBMountedToPC = mounted
	if !mounted {
		m.resumeDeferred()
	}
}

// requestShutdown implements the SHUTDOWN_REQ policy of spec.md §4.7: a
// charger-connected, alarm-clear device goes to ACTDEAD instead of a real
// SHUTDOWN; an emergency call or a USB-mounted-to-PC state defers the
// request instead of acting on it.
func (m *Module) requestShutdown() {
	if m.flags.EmergencyCallOngoing || m.flags.USBMountedToPC {
		m.deferredKind, m.hasDeferred = reqShutdown, true
		return
	}
	target := StateShutdown
	if m.flags.ChargerConnected && !m.flags.AlarmSet {
		target = StateActDead
	}
	m.beginTransition(target)
}

// requestReboot implements REBOOT_REQ: always targets REBOOT, subject to
// the same emergency-call/USB-mounted deferral as shutdown.
func (m *Module) requestReboot() {
	if m.flags.EmergencyCallOngoing || m.flags.USBMountedToPC {
		m.deferredKind, m.hasDeferred = reqReboot, true
		return
	}
	m.beginTransition(StateReboot)
}

// resumeDeferred re-attempts a request that was deferred by an emergency
// call or USB-mounted state, once that condition clears.
//
// DESIGN NOTE: spec.md §4.7's prose says a deferred transition is "not
// automatically resumed (treated as cancelled)" once the blocking call
// ends, but the worked example in §8 Scenario D shows exactly the
// opposite — the deferred SHUTDOWN_REQ *does* fire once the call ends.
// This implementation follows the literal, testable scenario (the
// acceptance criterion) over the looser prose summary; see DESIGN.md.
func (m *Module) resumeDeferred() {
	if !m.hasDeferred {
		return
	}
	kind := m.deferredKind
	m.hasDeferred = false
	switch kind {
	case reqShutdown:
		m.requestShutdown()
	case reqReboot:
		m.requestReboot()
	}
}

// armDetachGrace arms the ACTDEAD charger-detach grace timer (spec.md
// §4.7, Scenario C). Reattaching the charger before it fires cancels it
// with no observable output at all.
func (m *Module) armDetachGrace() {
	h, ok := m.timers.After(m.actDeadDetachGrace, m.onDetachGraceFired)
	m.detachHandle = h
	m.detachGraceArmed = true
	if !ok {
		m.onDetachGraceFired()
	}
}

func (m *Module) onDetachGraceFired() {
	m.detachGraceArmed = false
	m.beginTransition(StateShutdown)
}

func (m *Module) onBatteryGraceFired() {
	m.host.Broadcast(message.New(msgtype.BatteryEmptyInd, nil, nil))
	m.beginTransition(StateShutdown)
}

func (m *Module) onThermalGraceFired() {
	m.beginTransition(StateShutdown)
}

// beginTransition is the two-phase commit of spec.md §4.7: broadcast
// STATE_CHANGE_IND and SAVE_DATA_IND immediately, then arm a commit timer
// that later broadcasts the concrete SHUTDOWN/CHANGE_RUNLEVEL. A REBOOT
// already committed to is monotonic (spec.md §8 invariant 4): no later
// call can move the public state away from it.
func (m *Module) beginTransition(target State) {
	if m.state == StateReboot {
		return
	}

	m.state = target
	m.host.Broadcast(stateChangeInd(target))
	m.host.Broadcast(message.New(msgtype.SaveDataInd, nil, nil))

	level := runlevelFor(target)
	concreteType := msgtype.ChangeRunlevel
	if target == StateShutdown {
		concreteType = msgtype.Shutdown
	}

	h, ok := m.timers.After(m.commitGrace, func() { m.commit(level, concreteType) })
	m.commitHandle = h
	if !ok {
		m.commit(level, concreteType)
	}
}

func (m *Module) commit(level runlevel.Level, concreteType msgtype.ID) {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, uint32(int32(level)))
	m.host.Broadcast(message.New(concreteType, body, nil))
	if m.driver != nil {
		_ = m.driver.ChangeRunlevel(level)
	}
}

func stateChangeInd(s State) message.Message {
	return message.New(msgtype.StateChangeInd, []byte{byte(s)}, nil)
}

var (
	_ modbase.Plugin      = (*Module)(nil)
	_ modbase.Initializer = (*Module)(nil)
)
