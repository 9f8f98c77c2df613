// Command dsme-worker is the single-threaded worker process described in
// spec.md §4: it hosts the event loop, module registry, message bus, IPC
// server, and the built-in policy modules (state machine, alarm tracker).
// The lifeguard and thermal manager packages are not wired in here.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/nemomobile/dsme/internal/alarmmodule"
	"github.com/nemomobile/dsme/internal/alarmstate"
	"github.com/nemomobile/dsme/internal/bus"
	"github.com/nemomobile/dsme/internal/dsmeconfig"
	"github.com/nemomobile/dsme/internal/dsmelog"
	"github.com/nemomobile/dsme/internal/evloop"
	"github.com/nemomobile/dsme/internal/ipc"
	"github.com/nemomobile/dsme/internal/modbase"
	"github.com/nemomobile/dsme/internal/msgtype"
	"github.com/nemomobile/dsme/internal/runlevel"
	"github.com/nemomobile/dsme/internal/statemachine"
	"github.com/nemomobile/dsme/internal/timer"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := dsmeconfig.ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		return 2
	}

	sink, err := dsmelog.NewSink(cfg.LogSink, cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsme-worker: %v\n", err)
		return 1
	}
	log := dsmelog.New(dsmelog.FromVerbosity(cfg.Verbosity), sink)
	defer log.Close()

	loop, err := evloop.New()
	if err != nil {
		log.Criticalf("event loop: %v", err)
		return 1
	}
	defer loop.Close()

	types := msgtype.NewRegistry()

	reg := modbase.NewRegistry(nil)
	b := bus.New(reg, types)
	reg.SetHost(b)

	if cfg.Verbosity >= 7 {
		b.SetTracer(dsmelog.NewBusTracer(os.Stderr))
	}

	server, err := ipc.Listen(loop, b, cfg.SockFile, ipc.WithLogger(log))
	if err != nil {
		log.Criticalf("ipc listen: %v", err)
		return 1
	}
	defer server.Close()

	timers := timer.New(loop)

	driver := runlevel.NewExecDriver(func(argv ...string) error {
		return exec.Command(argv[0], argv[1:]...).Run()
	}, "/sbin/telinit")

	sm := statemachine.New(timers, driver, cfg.RDMode())
	if _, err := reg.RegisterBuiltin("statemachine", 0, sm); err != nil {
		log.Criticalf("register statemachine: %v", err)
		return 1
	}

	store := alarmstate.New("")
	alarm := alarmmodule.New(store, sm)
	if _, err := reg.RegisterBuiltin("alarm", 0, alarm); err != nil {
		log.Criticalf("register alarm: %v", err)
		return 1
	}

	for _, path := range cfg.Plugins {
		if _, err := reg.LoadModule(path, 0); err != nil {
			log.Criticalf("load plugin %s: %v", path, err)
			return 1
		}
	}

	if cfg.SignalInit {
		notifyInitSystem(log)
	}

	if err := loop.Run(func() { b.Drain() }); err != nil {
		log.Criticalf("event loop: %v", err)
		return 1
	}

	reg.Shutdown(b.Drain)

	code := int(loop.ExitCode())
	return code
}

// notifyInitSystem implements "-s": signal the init system once ready
// (spec.md §6). sd_notify-style readiness is the idiomatic mechanism on
// systems using systemd as PID 1; on this family of devices the original
// used a bespoke init protocol, out of scope here (spec.md §1), so this
// is a best-effort no-op hook, documented as such rather than faked.
func notifyInitSystem(log *dsmelog.Logger) {
	log.Infof("worker ready")
}
