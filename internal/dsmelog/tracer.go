package dsmelog

import (
	"io"

	"github.com/nemomobile/dsme/internal/logifacestumpy"
	"github.com/nemomobile/dsme/internal/msgtype"
)

// BusTracer implements internal/bus.Tracer over a logifacestumpy-backed
// logger: one compact JSON line per handler dispatch. It's the
// high-rate debug-tracing leaf named in SPEC_FULL.md's domain stack,
// meant to be wired in only when "-v 7" (trace) is requested — every
// other run pays nothing beyond the Bus's own nil check.
type BusTracer struct {
	logger *Logger
}

// NewBusTracer builds a BusTracer writing trace lines to w via the
// stumpy-backed logger's high-rate path, at LevelTrace.
func NewBusTracer(w io.Writer) *BusTracer {
	return &BusTracer{logger: New(LevelTrace, &stumpySink{logger: logifacestumpy.NewLogger(w, LevelTrace.toLogiface())})}
}

// TraceDispatch implements internal/bus.Tracer.
func (t *BusTracer) TraceDispatch(moduleID uint64, msgType msgtype.ID) {
	t.logger.Tracef("dispatch module=%d type=%s", moduleID, msgType)
}
