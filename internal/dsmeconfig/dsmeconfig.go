// Package dsmeconfig parses the worker's CLI surface and the
// environment-variable inputs named throughout spec.md §6.
package dsmeconfig

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nemomobile/dsme/internal/dsmelog"
)

// Config is the worker's fully parsed startup configuration.
type Config struct {
	// Plugins lists every "-p <module>" startup plug-in path, in the
	// order given (insertion order becomes handler-priority tie order,
	// spec.md §4.3).
	Plugins []string
	// LogSink is the "-l" choice.
	LogSink dsmelog.SinkKind
	// LogPath is consulted only when LogSink == SinkFile.
	LogPath string
	// Verbosity is the "-v" level, 0..7.
	Verbosity int
	// Detach requests "-d": fork to the background.
	Detach bool
	// SignalInit requests "-s": signal the init system once ready.
	SignalInit bool

	// SockFile is DSME_SOCKFILE, or "" to use the compiled-in default.
	SockFile string
	// RDFlags is the raw DSME_RD_FLAGS value.
	RDFlags string
	// BootState is the raw BOOTSTATE value.
	BootState string
}

// ParseArgs parses the worker's CLI surface (spec.md §6): "-p <module>"
// (repeatable), "-l <kind>", "-v <0..7>", "-d", "-s", "-h". Unknown
// options report usage to stderr and a non-nil error, per spec.md §6
// ("unknown options exit non-zero with usage to standard error").
func ParseArgs(args []string, stderr io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("dsme-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var plugins pluginList
	fs.Var(&plugins, "p", "load a startup plug-in (repeatable)")
	logSink := fs.String("l", string(dsmelog.SinkStderr), "log sink: syslog|sti|stdout|stderr|none|file")
	logPath := fs.String("file", "", "log file path, when -l file")
	verbosity := fs.Int("v", int(dsmelog.LevelWarning), "log verbosity, 0..7")
	detach := fs.Bool("d", false, "detach (fork to background)")
	signalInit := fs.Bool("s", false, "signal init system once ready")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Plugins:    []string(plugins),
		LogSink:    dsmelog.SinkKind(*logSink),
		LogPath:    *logPath,
		Verbosity:  *verbosity,
		Detach:     *detach,
		SignalInit: *signalInit,
		SockFile:   os.Getenv(SockFileEnv),
		RDFlags:    os.Getenv(RDFlagsEnv),
		BootState:  os.Getenv(BootStateEnv),
	}
	return cfg, nil
}

// Environment variable names (spec.md §6).
const (
	SockFileEnv = "DSME_SOCKFILE"
	RDFlagsEnv  = "DSME_RD_FLAGS"
	BootStateEnv = "BOOTSTATE"
)

// RDMode reports whether R&D mode is enabled: DSME_RD_FLAGS set to any
// non-empty value (spec.md §6).
func (c *Config) RDMode() bool {
	return c.RDFlags != ""
}

// pluginList implements flag.Value, accumulating every "-p" occurrence.
type pluginList []string

func (p *pluginList) String() string {
	return fmt.Sprint([]string(*p))
}

func (p *pluginList) Set(v string) error {
	*p = append(*p, v)
	return nil
}
