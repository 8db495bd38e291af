package instancestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/pcflow/pkg/instance"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore keeps instances in a SQLite (or libsql) database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens the database described by cfg and migrates its schema.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create inserts a new instance.
func (s *SQLStore) Create(ctx context.Context, inst *instance.Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is required")
	}
	if err := validateID(inst.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, flow, role, status, retry_counter, payload, created_at, updated_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO NOTHING`,
		inst.ID, inst.Flow, string(inst.Role), string(inst.Status), inst.RetryCounter, string(payload),
		inst.CreatedAt.UTC().Format(timeLayout), s.now().UTC().Format(timeLayout), inst.Infra.RunID,
	)
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", inst.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, inst.ID)
	}
	return nil
}

// Get loads an instance by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*instance.Instance, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM instances WHERE instance_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query instance %s: %w", id, err)
	}
	return decode(id, payload)
}

// Update replaces a stored instance.
func (s *SQLStore) Update(ctx context.Context, inst *instance.Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is required")
	}
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET status = ?, retry_counter = ?, payload = ?, updated_at = ?
		WHERE instance_id = ?`,
		string(inst.Status), inst.RetryCounter, string(payload), s.now().UTC().Format(timeLayout), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	}
	return nil
}

// List returns matching instances, newest first.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*instance.Instance, error) {
	var (
		where []string
		args  []any
	)
	if opts.Flow != "" {
		where = append(where, "flow = ?")
		args = append(args, opts.Flow)
	}
	if opts.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(opts.Role))
	}
	if opts.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, opts.RunID)
	}

	query := `SELECT instance_id, payload FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, instance_id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*instance.Instance
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst, err := decode(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLStore) DB() *sql.DB { return s.db }

func decode(id, payload string) (*instance.Instance, error) {
	var inst instance.Instance
	if err := json.Unmarshal([]byte(payload), &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}
