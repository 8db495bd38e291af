package instancestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pcflow/pkg/instance"
	"github.com/3leaps/pcflow/pkg/provider/file"
	"github.com/3leaps/pcflow/pkg/stageflow"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newInstance(t *testing.T, id string, role instance.Role, created time.Time) *instance.Instance {
	t.Helper()
	flow, err := stageflow.PrivateLift()
	require.NoError(t, err)
	inst, err := instance.New(role, flow, instance.Options{
		ID:      id,
		RunID:   "run-" + id,
		Region:  "us-west-2",
		Product: instance.ProductConfig{InputPath: "s3://bucket/input.csv", NumJobs: 2},
		Now:     created,
	})
	require.NoError(t, err)
	return inst
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	sqlStore, err := OpenSQL(ctx, SQLConfig{Path: filepath.Join(t.TempDir(), "db", "pcflow.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	objStore := NewObjectStore(p, "")
	t.Cleanup(func() { _ = objStore.Close() })

	return map[string]Store{"sqlite": sqlStore, "object": objStore}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inst := newInstance(t, "inst-1", instance.RolePartner, base)

			require.NoError(t, s.Create(ctx, inst))
			err := s.Create(ctx, inst)
			assert.True(t, errors.Is(err, ErrExists), "got %v", err)

			got, err := s.Get(ctx, "inst-1")
			require.NoError(t, err)
			assert.Equal(t, inst.ID, got.ID)
			assert.Equal(t, inst.Status, got.Status)
			assert.Equal(t, instance.RolePartner, got.Role)
			assert.Equal(t, "run-inst-1", got.Infra.RunID)
			assert.True(t, inst.CreatedAt.Equal(got.CreatedAt))

			got.UpdateStatus(stageflow.CreationStarted, base.Add(time.Minute))
			got.AppendRecord(instance.StageRecord{
				ID:        "rec-1",
				StageName: stageflow.StageCreated,
				Jobs:      []instance.JobHandle{{ID: "job-1", Status: instance.JobRunning}},
			})
			require.NoError(t, s.Update(ctx, got))

			again, err := s.Get(ctx, "inst-1")
			require.NoError(t, err)
			assert.Equal(t, stageflow.CreationStarted, again.Status)
			require.Len(t, again.Records, 1)
			assert.Equal(t, "job-1", again.Records[0].Jobs[0].ID)
			assert.Len(t, again.StatusUpdates, 2)

			_, err = s.Get(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			missing := newInstance(t, "missing", instance.RolePartner, base)
			err = s.Update(ctx, missing)
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newInstance(t, "a", instance.RolePartner, base)))
			require.NoError(t, s.Create(ctx, newInstance(t, "b", instance.RolePublisher, base.Add(time.Hour))))
			require.NoError(t, s.Create(ctx, newInstance(t, "c", instance.RolePartner, base.Add(2*time.Hour))))

			all, err := s.List(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, ids(all))

			partners, err := s.List(ctx, ListOptions{Role: instance.RolePartner})
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a"}, ids(partners))

			limited, err := s.List(ctx, ListOptions{Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, ids(limited))

			byRun, err := s.List(ctx, ListOptions{RunID: "run-b"})
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(byRun))

			none, err := s.List(ctx, ListOptions{Flow: stageflow.FlowMRPIDPCF2Lift})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStore_RejectsBadIDs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inst := newInstance(t, "x", instance.RolePartner, base)
			inst.ID = "a/b"
			assert.Error(t, s.Create(context.Background(), inst))
			inst.ID = " "
			assert.Error(t, s.Create(context.Background(), inst))
			inst.ID = ".."
			assert.Error(t, s.Create(context.Background(), inst))
		})
	}
}

func ids(items []*instance.Instance) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}
	return out
}
