package runtime

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/qubed/pkg/types"
)

func TestSpecJSONRoundTrip(t *testing.T) {
	spec := Spec{
		Name:     "web",
		Rootfs:   "/var/tmp/qubed-containers/web/rootfs",
		Command:  []string{"/bin/sh", "-c", "echo hi"},
		Volumes:  []types.VolumeMount{{HostPath: "/data", ContainerPath: "/mnt/data"}},
		Isolated: true,
		Debug:    false,
	}

	encoded, err := json.Marshal(spec)
	require.NoError(t, err)

	var decoded Spec
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, spec, decoded)
}

func TestReadPIDWithTimeoutSucceeds(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	go func() {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(4242))
		w.Write(buf[:])
		w.Close()
	}()

	pid, err := readPIDWithTimeout(r, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReadPIDWithTimeoutExpires(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	_, err = readPIDWithTimeout(r, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestAliveOnSelf(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
}

func TestKillNonexistentProcessIsNotAnError(t *testing.T) {
	// A PID this large is vanishingly unlikely to be in use.
	err := Kill(1 << 30)
	assert.NoError(t, err)
}

func TestAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-5))
}
