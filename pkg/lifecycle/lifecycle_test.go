package lifecycle

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/registry"
	"github.com/cuemby/qubed/pkg/rootfs"
	"github.com/cuemby/qubed/pkg/types"
)

// memStore is a minimal in-memory registry.Store for exercising Manager
// without filesystem fixtures.
type memStore struct {
	records map[string]*types.ContainerRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.ContainerRecord)}
}

func (s *memStore) Append(r *types.ContainerRecord) error { return s.Upsert(r.Name, r) }

func (s *memStore) Upsert(name string, r *types.ContainerRecord) error {
	s.records[name] = r.Clone()
	return nil
}

func (s *memStore) RemoveByPID(pid int) error {
	for name, r := range s.records {
		if r.PID == pid {
			delete(s.records, name)
		}
	}
	return nil
}

func (s *memStore) RemoveByName(name string) error {
	delete(s.records, name)
	return nil
}

func (s *memStore) List() ([]*types.ContainerRecord, error) {
	out := make([]*types.ContainerRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Find(identifier string) (*types.ContainerRecord, error) {
	if r, ok := s.records[identifier]; ok {
		return r, nil
	}
	for _, r := range s.records {
		if r.PID > 0 && identifier == r.Name {
			return r, nil
		}
	}
	return nil, registry.ErrNotFound
}

var _ registry.Store = (*memStore)(nil)

func TestStopMarksRecordStoppedWithoutErasingIt(t *testing.T) {
	store := newMemStore()
	// Stop sends SIGKILL, so the record must not carry this test's own PID;
	// a PID this large does not exist and Kill treats ESRCH as success.
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: 1 << 30}))

	m := &Manager{Store: store}
	require.NoError(t, m.Stop("web"))

	rec, err := store.Find("web")
	require.NoError(t, err)
	assert.Equal(t, types.PIDStopped, rec.PID)
}

func TestRequeueIsNoOpWhenAlreadyScheduled(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: types.PIDScheduled}))

	m := &Manager{Store: store}
	requeued, err := m.Requeue("web")
	require.NoError(t, err)
	assert.False(t, requeued)

	rec, err := store.Find("web")
	require.NoError(t, err)
	assert.Equal(t, types.PIDScheduled, rec.PID)
}

func TestRequeueIsNoOpWhenAlreadyRunning(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: os.Getpid()}))

	m := &Manager{Store: store}
	requeued, err := m.Requeue("web")
	require.NoError(t, err)
	assert.False(t, requeued)

	rec, err := store.Find("web")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestRequeueClearsStoppedToScheduled(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: types.PIDStopped}))

	m := &Manager{Store: store}
	requeued, err := m.Requeue("web")
	require.NoError(t, err)
	assert.True(t, requeued)

	rec, err := store.Find("web")
	require.NoError(t, err)
	assert.Equal(t, types.PIDScheduled, rec.PID)
}

func TestDescribeStatusStopped(t *testing.T) {
	info := Describe(&types.ContainerRecord{Name: "web", PID: types.PIDStopped})
	assert.Equal(t, StatusStopped, info.Status)
}

func TestDescribeStatusExitedForDeadPID(t *testing.T) {
	// A deliberately absurd PID is guaranteed to not be alive.
	info := Describe(&types.ContainerRecord{Name: "web", PID: 1 << 30})
	assert.Equal(t, StatusExited, info.Status)
}

func TestDescribeStatusRunningForSelf(t *testing.T) {
	info := Describe(&types.ContainerRecord{Name: "self", PID: os.Getpid()})
	assert.Equal(t, StatusRunning, info.Status)
}

func TestProcessUptimeOnSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc on this system")
	}
	uptime, err := ProcessUptime(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uptime.Seconds(), 0.0)
}

func TestGenerateNameHasPrefix(t *testing.T) {
	name := GenerateName()
	assert.Contains(t, name, "Qube-")
}

func TestSnapshotArchivesRootfs(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}

	containersDir := t.TempDir()
	origBase := config.ContainersBase
	config.ContainersBase = containersDir
	t.Cleanup(func() { config.ContainersBase = origBase })

	require.NoError(t, rootfs.Prepare("web"))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs.Rootfs("web"), "marker.txt"), []byte("hi"), 0o644))

	store := newMemStore()
	require.NoError(t, store.Upsert("web", &types.ContainerRecord{Name: "web", PID: types.PIDStopped}))

	destDir := t.TempDir()
	m := &Manager{Store: store}
	archivePath, err := m.Snapshot("web", destDir)
	require.NoError(t, err)

	info, err := os.Stat(archivePath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestListAllRecords(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Upsert("a", &types.ContainerRecord{Name: "a", PID: types.PIDStopped}))
	require.NoError(t, store.Upsert("b", &types.ContainerRecord{Name: "b", PID: types.PIDScheduled}))

	m := &Manager{Store: store}
	infos, err := m.ListAll()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}
