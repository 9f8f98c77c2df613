// Package bus implements the worker's message queue and dispatcher
// (spec.md §4.4): broadcast/send, FIFO queueing, and draining the queue
// against the module registry's sorted handler table.
package bus

import (
	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
)

// ClientBroadcaster forwards messages to every connected IPC client, so
// external clients observe the same broadcasts internal modules do
// (spec.md §4.4, §4.6). Implemented by internal/ipc.Server.
type ClientBroadcaster interface {
	BroadcastToClients(msg message.Message)
	BroadcastToClientsExtra(msg message.Message, extra []byte)
}

// Tracer observes every handler dispatch, for the high-rate debug
// tracing path (SPEC_FULL.md's domain stack: a logifacestumpy-backed
// logger, cheap enough to leave wired in builds that want it). Left nil
// by default: Drain never pays the cost of tracing unless SetTracer was
// called.
type Tracer interface {
	TraceDispatch(moduleID uint64, msgType msgtype.ID)
}

// Bus is the message bus and queue described in spec.md §4.4. It is not
// safe for concurrent use: per spec.md §5, the worker is single-threaded
// and Bus must only ever be driven from the event loop's goroutine.
type Bus struct {
	reg     *modbase.Registry
	types   *msgtype.Registry
	clients ClientBroadcaster
	tracer  Tracer

	queue    []message.QueuedMessage
	draining bool
}

// New builds a Bus bound to reg (for handler dispatch and the "currently
// handling module" context). types is stored on the Bus but dispatch does
// not consult it: size validation compares each handler's own declared
// Size against the message.
func New(reg *modbase.Registry, types *msgtype.Registry) *Bus {
	return &Bus{reg: reg, types: types}
}

// SetClientBroadcaster wires the IPC server in, so internal broadcasts
// are mirrored to every connected socket client. May be left nil (e.g. in
// unit tests exercising only the module-dispatch half).
func (b *Bus) SetClientBroadcaster(c ClientBroadcaster) {
	b.clients = c
}

// SetTracer installs a dispatch tracer, e.g. one built by
// internal/dsmelog over internal/logifacestumpy. Pass nil to disable.
func (b *Bus) SetTracer(t Tracer) {
	b.tracer = t
}

// senderEndpoint returns the endpoint of whichever module is presently
// executing (spec.md §3 "module sender"), or the system endpoint if none
// (spec.md §9 "Global bus state" is represented here as registry state,
// read at enqueue time rather than via a goroutine-local).
func (b *Bus) senderEndpoint() message.Endpoint {
	if id, ok := b.reg.CurrentModule(); ok {
		return message.Endpoint{Kind: message.EndpointModule, ModuleID: id, Creds: message.InvalidCredentials}
	}
	return message.System
}

// Broadcast enqueues msg for every module, and mirrors it to every
// connected IPC client (spec.md §4.4).
func (b *Bus) Broadcast(msg message.Message) {
	from := b.senderEndpoint()
	b.enqueue(from, message.BroadcastRecipient, msg)
	if b.clients != nil {
		b.clients.BroadcastToClients(msg)
	}
}

// BroadcastWithExtra is Broadcast, plus a variable-length tail forwarded
// to clients via the scatter-write framing in spec.md §4.6.
func (b *Bus) BroadcastWithExtra(msg message.Message, extra []byte) {
	msg.Extra = extra
	msg.LineSize = msg.Size + uint32(len(extra))
	from := b.senderEndpoint()
	b.enqueue(from, message.BroadcastRecipient, msg)
	if b.clients != nil {
		b.clients.BroadcastToClientsExtra(msg, extra)
	}
}

// BroadcastInternal enqueues msg for every module, without forwarding to
// IPC clients (spec.md §4.4 "broadcast_internally").
func (b *Bus) BroadcastInternal(msg message.Message) {
	b.enqueue(b.senderEndpoint(), message.BroadcastRecipient, msg)
}

// EndpointSend enqueues msg addressed to a single module.
func (b *Bus) EndpointSend(to uint64, msg message.Message) {
	b.enqueue(b.senderEndpoint(), message.ToModule(to), msg)
}

// Enqueue is used by external producers (the IPC server, for messages
// arriving from a socket client) to enqueue with an explicit From
// endpoint rather than "whichever module is currently executing".
func (b *Bus) Enqueue(from message.Endpoint, to message.Recipient, msg message.Message) {
	b.enqueue(from, to, msg)
}

func (b *Bus) enqueue(from message.Endpoint, to message.Recipient, msg message.Message) {
	b.queue = append(b.queue, message.QueuedMessage{From: from, To: to, Data: msg})
}

// Pending reports the number of messages presently queued, for tests and
// diagnostics.
func (b *Bus) Pending() int {
	return len(b.queue)
}

var _ modbase.Host = (*Bus)(nil)

// Drain empties the queue, dispatching each message to every matching
// handler in sorted (type desc, priority desc, insertion order) order,
// then synthesises and dispatches a single IDLE message. If the IDLE
// dispatch (or any handler reacting to messages already drained) left new
// messages queued, the cycle repeats until both the queue and the
// trailing IDLE are quiescent (spec.md §4.4).
//
// Reentrant calls are not supported (spec.md §4.4); Drain is a no-op if
// already running on the call stack.
func (b *Bus) Drain() {
	if b.draining {
		return
	}
	b.draining = true
	defer func() { b.draining = false }()

	for {
		for len(b.queue) > 0 {
			qm := b.queue[0]
			b.queue = b.queue[1:]
			b.dispatch(qm)
		}

		idle := message.New(msgtype.Idle, nil, nil)
		b.dispatch(message.QueuedMessage{From: message.System, To: message.BroadcastRecipient, Data: idle})

		if len(b.queue) == 0 {
			return
		}
	}
}

func (b *Bus) dispatch(qm message.QueuedMessage) {
	for _, h := range b.reg.Handlers() {
		if h.Type != qm.Data.Type {
			continue
		}
		if !qm.To.Matches(h.ModuleID) {
			continue
		}
		if h.Size != qm.Data.Size {
			continue
		}
		prevID, prevOK := b.reg.SetCurrentModule(h.ModuleID, true)
		if b.tracer != nil {
			b.tracer.TraceDispatch(h.ModuleID, qm.Data.Type)
		}
		h.Handle(&modbase.Context{ModuleID: h.ModuleID, Host: b}, qm.From, qm.Data)
		b.reg.SetCurrentModule(prevID, prevOK)
	}
}
