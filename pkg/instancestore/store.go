// Package instancestore persists computation instances.
//
// Two implementations share the Store contract: a SQLite database (the
// default for a single operator host) and an object store holding one JSON
// document per instance (S3 or a local directory), for operators that keep
// state next to their data.
package instancestore

import (
	"context"
	"errors"
	"sort"

	"github.com/3leaps/pcflow/pkg/instance"
)

var (
	// ErrNotFound means no instance has the requested id.
	ErrNotFound = errors.New("instance not found")

	// ErrExists means Create was called with an id that is already stored.
	ErrExists = errors.New("instance already exists")
)

// Store persists instances. Implementations are safe for concurrent use;
// a single driver per instance is enforced by the driver lock, not here.
type Store interface {
	Create(ctx context.Context, inst *instance.Instance) error
	Get(ctx context.Context, id string) (*instance.Instance, error)
	Update(ctx context.Context, inst *instance.Instance) error
	List(ctx context.Context, opts ListOptions) ([]*instance.Instance, error)
	Close() error
}

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	Flow  string
	Role  instance.Role
	RunID string

	// Limit caps the number of results (newest first). Zero means no limit.
	Limit int
}

func (o ListOptions) matches(inst *instance.Instance) bool {
	if o.Flow != "" && inst.Flow != o.Flow {
		return false
	}
	if o.Role != "" && inst.Role != o.Role {
		return false
	}
	if o.RunID != "" && inst.Infra.RunID != o.RunID {
		return false
	}
	return true
}

func validateID(id string) error {
	return instance.ValidateID(id)
}

// sortNewestFirst orders by creation time, then id, and applies limit.
func sortNewestFirst(items []*instance.Instance, limit int) []*instance.Instance {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
