// Package message defines the value types that flow through the worker's
// message bus: the wire-framed Message itself, the Endpoint that identifies
// a sender, and the QueuedMessage envelope the bus actually queues.
//
// Grounded on spec.md §3 ("Message", "Endpoint", "Queued message").
package message

import (
	"fmt"

	"github.com/nemomobile/dsme/internal/msgtype"
)

// Message is a typed, value-semantics record. It has no identity: once
// dispatched it is discarded by the receiver.
//
// Invariants (spec.md §3): Size >= msgtype.HeaderSize, LineSize >= Size,
// and Type must be registered with the size the sender claims, or the
// dispatcher drops it silently.
type Message struct {
	// LineSize is the total length (fixed body + Extra) the sender
	// declared. It is the first field on the wire.
	LineSize uint32
	// Size is the fixed-struct length, excluding Extra.
	Size uint32
	// Type identifies the registered message kind.
	Type msgtype.ID
	// Body holds the fixed-struct bytes (Size - msgtype.HeaderSize bytes,
	// i.e. excluding the three header fields already captured above).
	Body []byte
	// Extra holds the variable-length trailing bytes, LineSize-Size in
	// length. The design notes (spec.md §9) call for replacing raw
	// sender-address-space pointers with this owned tail.
	Extra []byte
}

// New builds a well-formed Message for typ, with body as the fixed-struct
// payload (excluding the header) and extra as the trailing variable bytes.
func New(typ msgtype.ID, body, extra []byte) Message {
	size := uint32(msgtype.HeaderSize + len(body))
	return Message{
		LineSize: size + uint32(len(extra)),
		Size:     size,
		Type:     typ,
		Body:     body,
		Extra:    extra,
	}
}

// Validate checks the framing invariants from spec.md §3. It does not
// check the message's size against the type registry; dispatch does that,
// since it requires a Registry and a "mismatch means drop, not error" policy
// rather than a hard validation failure.
func (m Message) Validate() error {
	if m.Size < msgtype.HeaderSize {
		return fmt.Errorf("message: size %d smaller than header %d", m.Size, msgtype.HeaderSize)
	}
	if m.LineSize < m.Size {
		return fmt.Errorf("message: line_size %d smaller than size %d", m.LineSize, m.Size)
	}
	return nil
}

// EndpointKind discriminates the three ways a message's sender can be
// identified (spec.md §3 "Endpoint").
type EndpointKind int

const (
	// EndpointModule identifies a sender that is a loaded module, acting
	// from within its own handler or init/fini hook.
	EndpointModule EndpointKind = iota
	// EndpointSocket identifies a sender that is a connected IPC client.
	EndpointSocket
	// EndpointSystem identifies messages synthesised by the core itself
	// (no module, no socket), e.g. the IDLE message.
	EndpointSystem
)

// Credentials are the peer credentials captured once, at accept time, for
// a socket endpoint. For EndpointSystem, synthetic credentials are used
// (spec.md §6 "Socket access").
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// InvalidCredentials are substituted when real peer credentials could not
// be obtained (spec.md §6).
var InvalidCredentials = Credentials{PID: 0, UID: ^uint32(0), GID: ^uint32(0)}

// Endpoint identifies the sender of a QueuedMessage.
type Endpoint struct {
	Kind EndpointKind
	// ModuleID is valid when Kind == EndpointModule: the id of the
	// sending module in the module registry's slotmap (spec.md §9).
	ModuleID uint64
	// ConnID is valid when Kind == EndpointSocket: an opaque id for the
	// originating client connection, stable for its lifetime.
	ConnID uint64
	// Creds holds peer credentials for EndpointSocket, or synthetic
	// credentials for EndpointSystem.
	Creds Credentials
}

// System is the canonical system-originated endpoint.
var System = Endpoint{Kind: EndpointSystem, Creds: InvalidCredentials}

// Recipient selects which modules should receive a queued message: either
// every module (Broadcast), or exactly one module filtered by id.
type Recipient struct {
	Broadcast bool
	ModuleID  uint64
}

// BroadcastRecipient is the recipient value meaning "every handler".
var BroadcastRecipient = Recipient{Broadcast: true}

// ToModule returns a Recipient addressed to a single module.
func ToModule(id uint64) Recipient {
	return Recipient{ModuleID: id}
}

// Matches reports whether handlerOwner (a module id) should receive a
// message addressed to r.
func (r Recipient) Matches(handlerOwner uint64) bool {
	return r.Broadcast || r.ModuleID == handlerOwner
}

// QueuedMessage is the envelope the bus actually queues: who sent it, who
// it's addressed to, and the owned message data (spec.md §3).
type QueuedMessage struct {
	From Endpoint
	To   Recipient
	Data Message
}
