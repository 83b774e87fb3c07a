// Package state provides the shared cross-process control state: the
// kill switch and the named reload scopes.
//
// Semantics are deliberately weak: the kill switch is last-writer-wins
// and a reload flag is a boolean that is cleared atomically once
// observed. The consequence of a race is at most one extra event
// processed or skipped, never corruption.
package state

import "context"

// Reload scopes known to the system. Processes watch the subset they
// care about.
const (
	ScopeSchedule = "schedule"
	ScopeMCP      = "mcp"
	ScopeChannels = "channels"
)

// Store is the shared state backend. Implementations must be safe for
// concurrent use from multiple processes.
type Store interface {
	// KillSwitch reports whether event handling is disabled.
	KillSwitch(ctx context.Context) (bool, error)
	// SetKillSwitch flips the kill switch. Last writer wins.
	SetKillSwitch(ctx context.Context, on bool) error

	// SetFlag raises a named reload scope flag.
	SetFlag(ctx context.Context, scope string) error
	// TakeFlags atomically returns and clears the raised flags among the
	// given scopes. A flag is observed by exactly one taker.
	TakeFlags(ctx context.Context, scopes []string) ([]string, error)

	Close() error
}

// Switch is the read-side view of the kill switch used by dispatch and
// queue components.
type Switch interface {
	KillSwitch(ctx context.Context) (bool, error)
}
