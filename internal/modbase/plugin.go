// Package modbase implements the module registry described in spec.md
// §4.3: loading and unloading policy plug-ins, building the sorted
// handler dispatch table, and owning handler lifecycles.
//
// Grounded on spec.md §9's design note: "A sum type of statically linked
// policy modules is the natural replacement [for dlopen]; if runtime
// loadability is required, keep a single vtable symbol ... and use the
// target-language's native dynamic loader." This package supports both:
// RegisterBuiltin links a Plugin compiled into the worker binary (the
// state machine and the alarm example use this path; lifeguard and the
// thermal manager are not Plugins); LoadModule retains true runtime loadability via the
// standard library's plugin package for the `-p <path>` CLI surface,
// which is the Go ecosystem's native dynamic loader and needs no
// third-party equivalent.
//
// Cyclic references (a handler record borrows its owning module) are
// represented as the arena/slotmap the design notes call for: modules
// live in Registry.modules keyed by a synthetic id, and handlerRecord
// stores that id rather than a *Module pointer.
package modbase

import (
	"fmt"
	"plugin"
	"sort"

	"github.com/nemomobile/dsme/internal/message"
	"github.com/nemomobile/dsme/internal/msgtype"
)

// HandlerFunc is a module's callback for a single registered message type.
type HandlerFunc func(ctx *Context, from message.Endpoint, msg message.Message)

// HandlerDecl declares one (type, size, callback) tuple a Plugin exposes.
type HandlerDecl struct {
	Type   msgtype.ID
	Size   uint32
	Handle HandlerFunc
}

// Plugin is the vtable every policy module exposes: the spec's
// "null-terminated handler table" made into a Go slice.
type Plugin interface {
	Handlers() []HandlerDecl
}

// Initializer is an optional hook a Plugin may additionally implement,
// corresponding to the spec's module_init symbol.
type Initializer interface {
	Init(ctx *Context) error
}

// Finalizer is an optional hook corresponding to module_fini.
type Finalizer interface {
	Fini(ctx *Context) error
}

// Host is what a module needs from its surrounding worker: the ability to
// emit messages, attributed to whichever module is presently executing
// (spec.md §9 "Global bus state" — the sender is resolved from the
// registry's "currently handling module" context, not passed explicitly).
// Implemented by the message bus (internal/bus.Bus).
type Host interface {
	Broadcast(msg message.Message)
	BroadcastInternal(msg message.Message)
	EndpointSend(to uint64, msg message.Message)
}

// Context is passed to Init, Fini, and every handler invocation so a
// module can identify itself and reach the Host.
type Context struct {
	ModuleID uint64
	Host     Host
}

// Module is a loaded policy plug-in (spec.md §3 "Module").
type Module struct {
	ID       uint64
	Name     string
	Priority int
	Plugin   Plugin
	native   *plugin.Plugin // nil for built-ins
	seq      uint64         // insertion order, for priority-tie ordering
}

type handlerRecord struct {
	Type     msgtype.ID
	Size     uint32
	ModuleID uint64
	Priority int
	Seq      uint64
	Handle   HandlerFunc
}

// Registry owns every loaded module and the sorted handler dispatch
// table (spec.md §4.3, §4.4).
type Registry struct {
	host Host

	modules map[uint64]*Module
	nextID  uint64
	seq     uint64

	handlers []handlerRecord

	currentModule   uint64
	currentModuleOK bool
}

// NewRegistry builds an empty registry. host is used to satisfy Context
// for every module's Init/Fini/handler invocation. host may be nil and
// supplied later via SetHost, to break the construction cycle between a
// Registry and a Host (such as bus.Bus) that itself depends on the
// Registry.
func NewRegistry(host Host) *Registry {
	return &Registry{
		host:    host,
		modules: make(map[uint64]*Module),
	}
}

// SetHost assigns (or reassigns) the Host used for subsequent module
// installs and handler dispatch.
func (r *Registry) SetHost(host Host) {
	r.host = host
}

// RegisterBuiltin links p into the registry as a module compiled directly
// into the worker binary — the "sum type of statically linked policy
// modules" path from spec.md §9. name and priority behave exactly as for
// a dynamically loaded module.
func (r *Registry) RegisterBuiltin(name string, priority int, p Plugin) (*Module, error) {
	return r.install(name, priority, p, nil)
}

// LoadModule dynamically loads the plugin at path, with priority among
// other modules, per spec.md §4.3.
//
// path resolution: if path is not absolute and a file exists at "./"+path
// relative to the current directory, that relative form is used — this
// mirrors the original "prepend ./ if not absolute" rule, made meaningful
// in Go terms (the os/exec-style bare-name search the original avoided).
func (r *Registry) LoadModule(path string, priority int) (*Module, error) {
	resolved := resolvePath(path)

	lib, err := plugin.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("modbase: open %s: %w", resolved, err)
	}

	sym, err := lib.Lookup("NewModule")
	if err != nil {
		return nil, fmt.Errorf("modbase: %s: missing NewModule symbol: %w", resolved, err)
	}
	ctor, ok := sym.(func() Plugin)
	if !ok {
		return nil, fmt.Errorf("modbase: %s: NewModule has wrong signature", resolved)
	}

	return r.install(resolved, priority, ctor(), lib)
}

func (r *Registry) install(name string, priority int, p Plugin, native *plugin.Plugin) (*Module, error) {
	r.nextID++
	id := r.nextID
	r.seq++

	m := &Module{ID: id, Name: name, Priority: priority, Plugin: p, native: native, seq: r.seq}
	r.modules[id] = m

	ctx := &Context{ModuleID: id, Host: r.host}

	if init, ok := p.(Initializer); ok {
		prevModule, prevOK := r.currentModule, r.currentModuleOK
		r.currentModule, r.currentModuleOK = id, true
		err := init.Init(ctx)
		r.currentModule, r.currentModuleOK = prevModule, prevOK
		if err != nil {
			delete(r.modules, id)
			return nil, fmt.Errorf("modbase: %s: module_init: %w", name, err)
		}
	}

	for _, decl := range p.Handlers() {
		r.handlers = append(r.handlers, handlerRecord{
			Type:     decl.Type,
			Size:     decl.Size,
			ModuleID: id,
			Priority: priority,
			Seq:      r.seq,
			Handle:   decl.Handle,
		})
	}
	r.sortHandlers()

	return m, nil
}

// UnloadModule removes every handler owned by m, calls its Fini hook if
// present, and drops it from the registry. Returns false if m was not
// registered (spec.md §4.3).
func (r *Registry) UnloadModule(m *Module) bool {
	if m == nil {
		return false
	}
	if _, ok := r.modules[m.ID]; !ok {
		return false
	}

	kept := r.handlers[:0:0]
	for _, h := range r.handlers {
		if h.ModuleID != m.ID {
			kept = append(kept, h)
		}
	}
	r.handlers = kept

	ctx := &Context{ModuleID: m.ID, Host: r.host}
	if fini, ok := m.Plugin.(Finalizer); ok {
		prevModule, prevOK := r.currentModule, r.currentModuleOK
		r.currentModule, r.currentModuleOK = m.ID, true
		_ = fini.Fini(ctx)
		r.currentModule, r.currentModuleOK = prevModule, prevOK
	}

	delete(r.modules, m.ID)
	return true
}

// CurrentModule returns the id of the module whose handler (or init/fini
// hook) is presently executing, and true — or (0, false) outside of any
// dispatch (spec.md §9 "Global bus state").
func (r *Registry) CurrentModule() (uint64, bool) {
	return r.currentModule, r.currentModuleOK
}

// SetCurrentModule is used by the dispatcher (internal/bus) to enter and
// leave the "currently handling module" scope around a handler call.
func (r *Registry) SetCurrentModule(id uint64, ok bool) (prevID uint64, prevOK bool) {
	prevID, prevOK = r.currentModule, r.currentModuleOK
	r.currentModule, r.currentModuleOK = id, ok
	return
}

// Module looks up a loaded module by id.
func (r *Registry) Module(id uint64) (*Module, bool) {
	m, ok := r.modules[id]
	return m, ok
}

// Handlers returns the handler dispatch table, sorted first by
// descending message type, then by descending owning-module priority,
// then by insertion order for ties (spec.md §4.3).
func (r *Registry) Handlers() []HandlerRecordView {
	out := make([]HandlerRecordView, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = HandlerRecordView{Type: h.Type, Size: h.Size, ModuleID: h.ModuleID, Handle: h.Handle}
	}
	return out
}

// HandlerRecordView is the read-only view of a handler record the bus
// dispatches against.
type HandlerRecordView struct {
	Type     msgtype.ID
	Size     uint32
	ModuleID uint64
	Handle   HandlerFunc
}

func (r *Registry) sortHandlers() {
	sort.SliceStable(r.handlers, func(i, j int) bool {
		a, b := r.handlers[i], r.handlers[j]
		if a.Type != b.Type {
			return a.Type > b.Type
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Seq < b.Seq
	})
}

// Shutdown drains the message bus, then unloads every module in reverse
// load order, draining again after each unload (spec.md §5) — so a
// message broadcast from one module's Fini (e.g. to notify a module that
// is itself scheduled to unload later in this same call) is dispatched
// before that later module disappears from the registry, rather than
// only after every module is already gone.
//
// drain is called once up front and once after every UnloadModule; pass
// the worker's bus.Bus.Drain. drain may be nil, e.g. for registries never
// wired to a Host that queues anything (tests exercising plugin lifecycle
// in isolation).
func (r *Registry) Shutdown(drain func()) {
	runDrain := func() {
		if drain != nil {
			drain()
		}
	}

	runDrain()

	ids := make([]uint64, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.modules[ids[i]].seq > r.modules[ids[j]].seq })
	for _, id := range ids {
		r.UnloadModule(r.modules[id])
		runDrain()
	}
}
