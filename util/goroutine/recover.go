// Package goroutine supervises the detection core's background goroutines:
// pipeline workers, scan sweeps, and the training loop.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"

	"threathawk/metrics"
)

// stackBufferSize bounds the captured stack trace per recovered panic.
const stackBufferSize = 4096

// Recover recovers a panic in a supervised goroutine, counts it, and logs it
// with the captured stack. Deferred at the top of every pipeline goroutine so
// one entity's fault never takes down a worker or the process. If logger is
// nil the panic still lands on stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}

	metrics.PanicsRecovered.WithLabelValues(name).Inc()

	buf := make([]byte, stackBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
		name, r, string(buf[:n]))
}
