// Package publish holds shared publisher pieces. Concrete backends live
// in the subpackages (pubsub, memory).
package publish

import (
	"context"
)

// Noop drops every message. Used when publishing is disabled.
type Noop struct{}

// Publish does nothing and returns an empty ID.
func (Noop) Publish(_ context.Context, _ string, _ any) (string, error) {
	return "", nil
}
