// Package types holds the data model shared across the container manager:
// the persistent ContainerRecord and the sentinel PID values that encode
// its lifecycle state.
package types

// Sentinel PID values. Any other positive value is a real (possibly stale)
// kernel PID; any other non-positive value marks an exited container.
const (
	// PIDScheduled marks a record the supervisor should launch on its
	// next eligible tick.
	PIDScheduled = -1

	// PIDStopped marks a record the user stopped; the supervisor must
	// never restart it.
	PIDStopped = -2
)

// VolumeMount is a single host-to-container bind mount, applied before
// chroot.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
}

// ContainerRecord is the single persistent entity tracked by the
// registry. Field order here matches the on-disk pipe-delimited layout
// in pkg/registry.
type ContainerRecord struct {
	Name      string
	PID       int
	Dir       string
	Command   []string
	Image     string
	Ports     string
	Isolated  bool
	Volumes   []VolumeMount
	EnvVars   []string
	Timestamp uint64
}

// Restartable reports whether the supervisor is allowed to relaunch this
// record after observing it dead. A record with no recorded command can
// never be restarted since there is nothing to exec.
func (r *ContainerRecord) Restartable() bool {
	return len(r.Command) > 0
}

// Clone returns a deep copy so callers can mutate a record (e.g. before
// Upsert) without aliasing slices held by another goroutine.
func (r *ContainerRecord) Clone() *ContainerRecord {
	cp := *r
	cp.Command = append([]string(nil), r.Command...)
	cp.Volumes = append([]VolumeMount(nil), r.Volumes...)
	cp.EnvVars = append([]string(nil), r.EnvVars...)
	return &cp
}
