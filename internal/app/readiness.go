package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a dependency capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the db and redis readiness probes. A nil
// dependency (dev mode) reads as healthy.
func BuildReadinessChecks(db, redis Pinger) (func(ctx context.Context) error, func(ctx context.Context) error) {
	wrap := func(name string, p Pinger) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if p == nil {
				return nil
			}
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("%s ping: %w", name, err)
			}
			return nil
		}
	}
	return wrap("db", db), wrap("redis", redis)
}
