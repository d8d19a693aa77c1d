package health

import (
	"context"
	"fmt"
)

// Pinger is anything that can report whether its backend is reachable.
// *redis.Client and *postgres.Client both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports StatusDown when p cannot be reached.
func PingCheck(p Pinger) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// OptionalCheck wraps a check for a dependency the service can run
// without: a failure degrades the report instead of taking it down.
func OptionalCheck(check Check) Check {
	return func(ctx context.Context) ComponentHealth {
		result := check(ctx)
		if result.Status == StatusDown {
			result.Status = StatusDegraded
		}
		return result
	}
}

// StaticCheck always reports the given status, for components that are
// configured off.
func StaticCheck(status Status, format string, args ...any) Check {
	msg := fmt.Sprintf(format, args...)
	return func(context.Context) ComponentHealth {
		return ComponentHealth{Status: status, Message: msg}
	}
}
