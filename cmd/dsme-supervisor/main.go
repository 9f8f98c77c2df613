// Command dsme-supervisor is the watchdog-kicking supervisor process
// described in spec.md §4.2: real-time scheduled, memory-locked,
// OOM-protected, forking and heartbeating the worker binary.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nemomobile/dsme/internal/dsmeconfig"
	"github.com/nemomobile/dsme/internal/supervisorloop"
)

// workerBinaryEnv overrides the worker binary path, mainly for tests
// that don't want to exec the real dsme-worker.
const workerBinaryEnv = "DSME_WORKER_BINARY"

func main() {
	os.Exit(run())
}

func run() int {
	workerPath := os.Getenv(workerBinaryEnv)
	if workerPath == "" {
		exe, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "dsme-supervisor: %v\n", err)
			return 1
		}
		workerPath = filepath.Join(filepath.Dir(exe), "dsme-worker")
	}

	argv := append([]string{workerPath}, os.Args[1:]...)

	loop := supervisorloop.New(supervisorloop.Options{
		Argv:    argv,
		RDFlags: os.Getenv(dsmeconfig.RDFlagsEnv),
		Diagnostic: func(msg string) {
			fmt.Fprintf(os.Stderr, "dsme-supervisor: %s\n", msg)
		},
	})

	if err := loop.Prepare(); err != nil {
		fmt.Fprintf(os.Stderr, "dsme-supervisor: %v\n", err)
		return 1
	}

	if abnormal := loop.Run(); abnormal {
		return 1
	}
	return 0
}
