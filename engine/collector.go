package engine

import (
	"context"

	"threathawk/core"
)

// Collector produces raw telemetry on demand. Collectors live outside the
// scoring core; the engine only triggers them and ingests what they return.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]*core.RawEvent, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc struct {
	CollectorName string
	Fn            func(ctx context.Context) ([]*core.RawEvent, error)
}

func (c CollectorFunc) Name() string { return c.CollectorName }

func (c CollectorFunc) Collect(ctx context.Context) ([]*core.RawEvent, error) {
	return c.Fn(ctx)
}
