package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/qubed/pkg/types"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(filepath.Join(dir, "containers.txt"))
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)

	rec := &types.ContainerRecord{
		Name:    "web",
		PID:     types.PIDScheduled,
		Dir:     "/var/tmp/qubed-containers/web",
		Command: []string{"/bin/sh", "-c", "echo hi"},
		Image:   "alpine.tar",
	}
	require.NoError(t, s.Append(rec))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "web", records[0].Name)
	assert.Equal(t, types.PIDScheduled, records[0].PID)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, records[0].Command)
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(&types.ContainerRecord{Name: "web", PID: types.PIDScheduled}))
	require.NoError(t, s.Upsert("web", &types.ContainerRecord{Name: "web", PID: 4242}))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 4242, records[0].PID)
}

func TestUpsertAppendsWhenAbsent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert("db", &types.ContainerRecord{Name: "db", PID: 99}))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "db", records[0].Name)
}

func TestRemoveByNameAndPID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(&types.ContainerRecord{Name: "a", PID: 1}))
	require.NoError(t, s.Append(&types.ContainerRecord{Name: "b", PID: 2}))
	require.NoError(t, s.Append(&types.ContainerRecord{Name: "c", PID: 3}))

	require.NoError(t, s.RemoveByName("b"))
	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, s.RemoveByPID(3))
	records, err = s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Name)
}

func TestFindByNameAndPID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(&types.ContainerRecord{Name: "web", PID: 555}))

	rec, err := s.Find("web")
	require.NoError(t, err)
	assert.Equal(t, 555, rec.PID)

	rec, err = s.Find("555")
	require.NoError(t, err)
	assert.Equal(t, "web", rec.Name)

	_, err = s.Find("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOnMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(&types.ContainerRecord{Name: "good", PID: 7}))

	// Inject a corrupt line directly, bypassing the Store API.
	lines, err := s.readLinesLocked()
	require.NoError(t, err)
	lines = append(lines, "this-is-not-a-valid-record")
	require.NoError(t, s.writeAllLocked(lines))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].Name)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &types.ContainerRecord{
		Name:      "full",
		PID:       123,
		Dir:       "/var/tmp/qubed-containers/full",
		Command:   []string{"/usr/bin/env", "FOO=bar", "/app/run"},
		Image:     "app.tar",
		Ports:     "8080:8080",
		Isolated:  true,
		Volumes:   []types.VolumeMount{{HostPath: "/data", ContainerPath: "/mnt/data"}},
		EnvVars:   []string{"FOO=bar", "BAZ=qux"},
		Timestamp: 1700000000,
	}

	line := encodeLine(rec)
	decoded, ok := decodeLine(line)
	require.True(t, ok)
	assert.Equal(t, rec, decoded)
}

func TestDecodeLineRejectsWrongFieldCount(t *testing.T) {
	_, ok := decodeLine("too|few|fields")
	assert.False(t, ok)
}

func TestRestartableReflectsCommandPresence(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(&types.ContainerRecord{Name: "empty-cmd", PID: types.PIDScheduled}))

	rec, err := s.Find("empty-cmd")
	require.NoError(t, err)
	assert.False(t, rec.Restartable())
}
