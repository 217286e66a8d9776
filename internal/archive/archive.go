// Package archive holds raw-page archival shared pieces. Concrete blob
// store backends live in the subpackages (gcs, local, memory).
package archive

import (
	"context"
)

// Noop discards everything. Used when archival is disabled.
type Noop struct{}

// PutObject does nothing and returns an empty URI.
func (Noop) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
