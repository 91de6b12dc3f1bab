// Package directory provides the authoritative workspace listings the
// reconciler converges on: a fixed list, a YAML file, or a Postgres table.
package directory

import (
	"context"
	"errors"

	"github.com/roach88/tenantsync/internal/domain"
)

// ErrInvalidInput is returned for empty paths or DSNs.
var ErrInvalidInput = errors.New("directory: invalid input")

// Static is a fixed workspace list.
type Static []domain.Workspace

// ListWorkspaces returns a copy of the list.
func (s Static) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	return append([]domain.Workspace(nil), s...), nil
}

// FromIDs builds a Static directory from instance ids.
func FromIDs(ids ...string) Static {
	s := make(Static, len(ids))
	for i, id := range ids {
		s[i] = domain.Workspace{InstanceID: id}
	}
	return s
}
