// Package config holds the tunable constants of the container manager.
//
// Everything here is a porting knob. The paths, URL and resource limits
// are plain vars, not build-time constants, so a CLI flag or embedding
// program can override them before the first call into pkg/registry,
// pkg/cgroup, pkg/rootfs, or pkg/runtime; the timing values and
// ProcStatHZ are constants.
package config

// BaseURL is the remote image distribution endpoint. Images are fetched
// from "<BaseURL>/files/<image>" on a cache miss.
var BaseURL = "https://images.qubed.invalid"

// ContainersBase is the root directory under which every container's
// rootfs lives, plus the shared image cache at "<ContainersBase>/images".
var ContainersBase = "/var/tmp/qubed-containers"

// CgroupRoot is the cgroup-v2 node under which every container gets its
// own subdirectory.
var CgroupRoot = "/sys/fs/cgroup/QubeContainers"

// TrackingDir is the directory holding the registry file.
var TrackingDir = "/var/lib/qubed"

// ContainerListFile is the registry's on-disk path.
var ContainerListFile = "/var/lib/qubed/containers.txt"

// Resource defaults applied to every container's cgroup.
var (
	MemoryMaxMB     uint64 = 2048
	MemorySwapMaxMB uint64 = 1024
	CPUQuotaUS      uint64 = 100000
	CPUPeriodUS     uint64 = 100000
)

// ImageCacheDir returns the shared tarball cache under ContainersBase.
func ImageCacheDir() string {
	return ContainersBase + "/images"
}

// GraceWindowSeconds is how long a freshly queued (PID == -1) record is
// left alone by the supervisor before it is eligible for launch.
const GraceWindowSeconds = 5

// TickIntervalSeconds is the interval, in seconds, between supervisor
// reconcile passes.
const TickIntervalSeconds = 5

// PipeReadTimeoutSeconds bounds how long the supervisor/CLI waits on the
// setup-child's pipe handshake before declaring the launch failed.
const PipeReadTimeoutSeconds = 10

// ProcStatHZ is the assumed kernel clock tick rate used to convert
// /proc/<pid>/stat's utime/stime/starttime fields into seconds. This is a
// documented porting knob: it is wrong only on the rare kernel built with
// a non-standard CONFIG_HZ exposed through USER_HZ.
const ProcStatHZ = 100
