package instancestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/provider"
)

// DefaultObjectPrefix is the key prefix of instance documents.
const DefaultObjectPrefix = "instances"

// ObjectStore keeps one <prefix>/<id>.json document per instance.
//
// Create checks for an existing document before writing; two concurrent
// creators of the same id can both succeed, the later write winning.
type ObjectStore struct {
	p      provider.ReadWriter
	prefix string
}

var _ Store = (*ObjectStore)(nil)

// NewObjectStore wraps a provider. An empty prefix uses DefaultObjectPrefix.
func NewObjectStore(p provider.ReadWriter, prefix string) *ObjectStore {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultObjectPrefix
	}
	return &ObjectStore{p: p, prefix: prefix}
}

// Key returns the object key of an instance document.
func (s *ObjectStore) Key(id string) string {
	return path.Join(s.prefix, id+".json")
}

func (s *ObjectStore) Create(ctx context.Context, inst *instance.Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is required")
	}
	if err := validateID(inst.ID); err != nil {
		return err
	}
	exists, err := s.exists(ctx, inst.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, inst.ID)
	}
	return s.put(ctx, inst)
}

func (s *ObjectStore) Get(ctx context.Context, id string) (*instance.Instance, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	body, _, err := s.p.GetObject(ctx, s.Key(id))
	if err != nil {
		if provider.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read instance %s: %w", id, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read instance %s: %w", id, err)
	}
	return decode(id, string(data))
}

func (s *ObjectStore) Update(ctx context.Context, inst *instance.Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is required")
	}
	if err := validateID(inst.ID); err != nil {
		return err
	}
	exists, err := s.exists(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	}
	return s.put(ctx, inst)
}

func (s *ObjectStore) List(ctx context.Context, opts ListOptions) ([]*instance.Instance, error) {
	objs, err := provider.ListAll(ctx, s.p, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var out []*instance.Instance
	for _, obj := range objs {
		rest := strings.TrimPrefix(obj.Key, s.prefix+"/")
		if strings.Contains(rest, "/") || !strings.HasSuffix(rest, ".json") {
			continue
		}
		inst, err := s.Get(ctx, strings.TrimSuffix(rest, ".json"))
		if err != nil {
			return nil, err
		}
		if opts.matches(inst) {
			out = append(out, inst)
		}
	}
	return sortNewestFirst(out, opts.Limit), nil
}

// Close closes the underlying provider.
func (s *ObjectStore) Close() error {
	return s.p.Close()
}

func (s *ObjectStore) exists(ctx context.Context, id string) (bool, error) {
	_, err := s.p.Head(ctx, s.Key(id))
	if err == nil {
		return true, nil
	}
	if provider.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat instance %s: %w", id, err)
}

func (s *ObjectStore) put(ctx context.Context, inst *instance.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	if err := s.p.PutObject(ctx, s.Key(inst.ID), bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("write instance %s: %w", inst.ID, err)
	}
	return nil
}
