// Package alarmmodule is the minimal in-scope example policy plug-in
// mentioned in SPEC_FULL.md's SUPPLEMENTED FEATURES: it tracks
// SET_ALARM_STATE and persists the next alarm epoch via
// internal/alarmstate, giving the module framework a second tenant
// besides the state machine (useful for exercising handler-priority
// ordering, spec.md §4.3).
package alarmmodule

import (
	"encoding/binary"
	"time"

	"github.com/nemomobile/dsme/internal/alarmstate"
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
)

// BodySize is the fixed-struct size of SET_ALARM_STATE: one bool (alarm
// pending) plus an 8-byte epoch, after the 12-byte wire header.
const BodySize = msgtype.HeaderSize + 1 + 8

// StateSink receives alarm-pending transitions, normally the state
// machine module (it reacts to alarm_set to decide SHUTDOWN vs ACTDEAD).
type StateSink interface {
	SetAlarmPending(pending bool)
}

// Module is the alarm-tracking policy plug-in.
type Module struct {
	store *alarmstate.Store
	sink  StateSink
}

// New builds a Module persisting through store. sink may be nil if
// nothing needs to observe alarm-pending transitions directly (a handler
// can instead just watch SET_ALARM_STATE broadcasts itself).
func New(store *alarmstate.Store, sink StateSink) *Module {
	return &Module{store: store, sink: sink}
}

// Init restores any persisted alarm state, for the benefit of sink.
func (m *Module) Init(ctx *modbase.Context) error {
	_, pending, err := m.store.Load()
	if err != nil {
		return err
	}
	if m.sink != nil {
		m.sink.SetAlarmPending(pending)
	}
	return nil
}

// Handlers implements modbase.Plugin.
func (m *Module) Handlers() []modbase.HandlerDecl {
	return []modbase.HandlerDecl{
		{Type: msgtype.SetAlarmState, Size: BodySize, Handle: m.handleSetAlarmState},
	}
}

func (m *Module) handleSetAlarmState(ctx *modbase.Context, from message.Endpoint, msg message.Message) {
	if len(msg.Body) < 9 {
		return
	}
	pending := msg.Body[0] != 0
	epoch := int64(binary.LittleEndian.Uint64(msg.Body[1:9]))

	if pending {
		_ = m.store.Save(time.Unix(epoch, 0))
	} else {
		_ = m.store.Clear()
	}

	if m.sink != nil {
		m.sink.SetAlarmPending(pending)
	}
}

var _ modbase.Plugin = (*Module)(nil)
var _ modbase.Initializer = (*Module)(nil)
