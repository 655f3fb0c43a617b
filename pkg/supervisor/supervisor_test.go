package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/lifecycle"
	"github.com/cuemby/qubed/pkg/registry"
	"github.com/cuemby/qubed/pkg/types"
)

type fakeStore struct {
	records map[string]*types.ContainerRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*types.ContainerRecord)}
}

func (s *fakeStore) Append(r *types.ContainerRecord) error { return s.Upsert(r.Name, r) }

func (s *fakeStore) Upsert(name string, r *types.ContainerRecord) error {
	s.records[name] = r.Clone()
	return nil
}

func (s *fakeStore) RemoveByPID(pid int) error {
	for name, r := range s.records {
		if r.PID == pid {
			delete(s.records, name)
		}
	}
	return nil
}

func (s *fakeStore) RemoveByName(name string) error {
	delete(s.records, name)
	return nil
}

func (s *fakeStore) List() ([]*types.ContainerRecord, error) {
	out := make([]*types.ContainerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Find(identifier string) (*types.ContainerRecord, error) {
	if r, ok := s.records[identifier]; ok {
		return r, nil
	}
	return nil, registry.ErrNotFound
}

var _ registry.Store = (*fakeStore)(nil)

func TestPastGraceWindow(t *testing.T) {
	s := New(&lifecycle.Manager{Store: newFakeStore()})

	fresh := &types.ContainerRecord{Timestamp: uint64(time.Now().Unix())}
	assert.False(t, s.pastGraceWindow(fresh))

	old := &types.ContainerRecord{Timestamp: uint64(time.Now().Add(-time.Hour).Unix())}
	assert.True(t, s.pastGraceWindow(old))

	zero := &types.ContainerRecord{Timestamp: 0}
	assert.True(t, s.pastGraceWindow(zero))
}

func TestReconcileSkipsStoppedContainers(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: types.PIDStopped}))

	s := New(&lifecycle.Manager{Store: store})
	require.NoError(t, s.reconcile())

	rec, err := store.Find("web")
	require.NoError(t, err)
	assert.Equal(t, types.PIDStopped, rec.PID)
}

func TestReconcileLeavesRunningContainerAlone(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert("self", &types.ContainerRecord{
		Name: "self",
		PID:  os.Getpid(),
	}))

	s := New(&lifecycle.Manager{Store: store})
	require.NoError(t, s.reconcile())

	rec, err := store.Find("self")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestReconcileIgnoresUnrestartableScheduledRecord(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Upsert("empty", &types.ContainerRecord{
		Name:      "empty",
		PID:       types.PIDScheduled,
		Timestamp: uint64(time.Now().Add(-time.Hour).Unix()),
	}))

	s := New(&lifecycle.Manager{Store: store})
	require.NoError(t, s.reconcile())

	rec, err := store.Find("empty")
	require.NoError(t, err)
	assert.Equal(t, types.PIDScheduled, rec.PID, "a record with no command should stay queued, not error out")
}

func TestReapOrphansRemovesUntrackedDirectories(t *testing.T) {
	dir := t.TempDir()
	origBase := config.ContainersBase
	config.ContainersBase = dir
	t.Cleanup(func() { config.ContainersBase = origBase })

	require.NoError(t, os.MkdirAll(dir+"/orphan/rootfs", 0o755))
	require.NoError(t, os.MkdirAll(dir+"/images", 0o755))

	store := newFakeStore()
	require.NoError(t, store.Upsert("tracked", &types.ContainerRecord{Name: "tracked", PID: types.PIDStopped}))
	require.NoError(t, os.MkdirAll(dir+"/tracked/rootfs", 0o755))

	s := New(&lifecycle.Manager{Store: store})
	require.NoError(t, s.reapOrphans())

	_, err := os.Stat(dir + "/orphan")
	assert.True(t, os.IsNotExist(err), "orphan directory should have been reaped")

	_, err = os.Stat(dir + "/tracked")
	assert.NoError(t, err, "tracked directory should survive")

	_, err = os.Stat(dir + "/images")
	assert.NoError(t, err, "image cache should never be reaped")
}
