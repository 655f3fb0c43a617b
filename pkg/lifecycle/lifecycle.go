// Package lifecycle wires the registry, rootfs, cgroup, and runtime
// packages into the handful of operations an operator or the supervisor
// actually performs on a container: build its filesystem, launch it,
// stop it, delete it, and report on its current state.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/qubed/pkg/cgroup"
	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/registry"
	"github.com/cuemby/qubed/pkg/rootfs"
	"github.com/cuemby/qubed/pkg/runtime"
	"github.com/cuemby/qubed/pkg/types"
)

// Manager ties a registry.Store to the filesystem/cgroup/runtime
// collaborators. There is deliberately no package-level singleton --
// cmd/qubed and pkg/supervisor each construct one against the configured
// registry path.
type Manager struct {
	Store registry.Store
}

// NewManager returns a Manager backed by the configured registry file.
func NewManager() *Manager {
	return &Manager{Store: registry.NewFileStore(config.ContainerListFile)}
}

// Request describes a container an operator wants running.
type Request struct {
	Name     string
	WorkDir  string
	Command  []string
	Image    string
	Ports    string
	Isolated bool
	Volumes  []types.VolumeMount
	EnvVars  []string
	Debug    bool
}

// GenerateName returns a fresh container identifier in the reference
// naming scheme (a short prefix plus random suffix), used when a caller
// doesn't supply one of their own.
func GenerateName() string {
	return "Qube-" + uuid.NewString()[:6]
}

// Build prepares a container's rootfs: extracting its image if the
// rootfs doesn't already exist, then copying in the working directory.
// Re-running Build against a name whose rootfs already exists is a
// no-op, matching the reference "skip build" behavior used when
// restarting a previously-built container.
func (m *Manager) Build(ctx context.Context, req Request) error {
	logger := log.WithContainer(req.Name)

	exists, err := rootfsExists(req.Name)
	if err != nil {
		return err
	}
	if exists {
		logger.Info().Msg("rootfs already exists, skipping build")
		return nil
	}

	logger.Info().Str("image", req.Image).Msg("preparing container filesystem")
	if err := rootfs.Prepare(req.Name); err != nil {
		return err
	}

	if err := rootfs.ExtractImage(ctx, req.Name, req.Image); err != nil {
		// A failed extraction leaves no usable container behind; the
		// reference implementation drops the half-built registry entry
		// rather than leaving a record nothing can ever launch.
		if rmErr := m.Store.RemoveByName(req.Name); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("failed to remove registry entry after failed build")
		}
		return fmt.Errorf("lifecycle: build %s: %w", req.Name, err)
	}

	if req.WorkDir != "" {
		if err := rootfs.CopyWorkdir(req.Name, req.WorkDir); err != nil {
			logger.Warn().Err(err).Msg("copying working directory failed")
		}
	}

	return nil
}

// Launch builds (if needed) and starts req, persisting a scheduled
// registry record first so the supervisor can pick the container up even
// if this call crashes mid-launch, then updating it to the live PID once
// the runtime reports one.
func (m *Manager) Launch(ctx context.Context, req Request) (*types.ContainerRecord, error) {
	rec := &types.ContainerRecord{
		Name:     req.Name,
		PID:      types.PIDScheduled,
		Dir:      req.WorkDir,
		Command:  req.Command,
		Image:    req.Image,
		Ports:    req.Ports,
		Isolated: req.Isolated,
		Volumes:  req.Volumes,
		EnvVars:  req.EnvVars,
	}

	if err := m.Store.Upsert(req.Name, rec); err != nil {
		return nil, fmt.Errorf("lifecycle: record %s before launch: %w", req.Name, err)
	}

	if err := m.Build(ctx, req); err != nil {
		return nil, err
	}

	return m.launchRecord(ctx, rec, req.Debug)
}

// launchRecord runs the runtime protocol against an already-built
// container and persists the resulting PID. It is the entry point the
// supervisor uses to relaunch a crashed container, where no fresh Build
// is needed since the rootfs survives a process exit.
func (m *Manager) launchRecord(ctx context.Context, rec *types.ContainerRecord, debug bool) (*types.ContainerRecord, error) {
	spec := runtime.Spec{
		Name:     rec.Name,
		Rootfs:   rootfs.Rootfs(rec.Name),
		Command:  rec.Command,
		EnvVars:  rec.EnvVars,
		Volumes:  rec.Volumes,
		Isolated: rec.Isolated,
		Debug:    debug,
	}

	pid, err := runtime.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: launch %s: %w", rec.Name, err)
	}

	rec.PID = pid
	if err := m.Store.Upsert(rec.Name, rec); err != nil {
		return nil, fmt.Errorf("lifecycle: record %s PID %d: %w", rec.Name, pid, err)
	}

	log.WithContainer(rec.Name).Info().Int("pid", pid).Msg("container launched")
	return rec, nil
}

// Relaunch is Launch's entry point for the supervisor: it skips
// Build entirely (the rootfs is assumed to already exist from a prior
// Build) and goes straight to the runtime protocol.
func (m *Manager) Relaunch(ctx context.Context, rec *types.ContainerRecord) (*types.ContainerRecord, error) {
	return m.launchRecord(ctx, rec, false)
}

// Stop kills the container's live process, marks its record as
// user-stopped (PID == PIDStopped), and -- matching the reference
// implementation's own documented behavior -- retains that record rather
// than erasing it, so a later Start can requeue the same definition.
func (m *Manager) Stop(identifier string) error {
	rec, err := m.Store.Find(identifier)
	if err != nil {
		return err
	}

	if rec.PID > 0 {
		if err := runtime.Kill(rec.PID); err != nil {
			return fmt.Errorf("lifecycle: stop %s: %w", rec.Name, err)
		}
	}

	stopped := rec.Clone()
	stopped.PID = types.PIDStopped
	if err := m.Store.Upsert(rec.Name, stopped); err != nil {
		return fmt.Errorf("lifecycle: record stop of %s: %w", rec.Name, err)
	}

	log.WithContainer(rec.Name).Info().Msg("container stopped")
	return nil
}

// Requeue clears a stopped (or exited) container's PID back to
// PIDScheduled so the supervisor launches it again on its next tick.
// A container that is already running or already scheduled is left
// untouched -- start is idempotent, not an error, in either case.
// The returned bool reports whether the record was actually moved to
// PIDScheduled, so callers know whether a relaunch is theirs to drive.
func (m *Manager) Requeue(identifier string) (bool, error) {
	rec, err := m.Store.Find(identifier)
	if err != nil {
		return false, err
	}

	if rec.PID == types.PIDScheduled {
		return false, nil
	}
	if rec.PID > 0 && runtime.Alive(rec.PID) {
		return false, nil
	}

	requeued := rec.Clone()
	requeued.PID = types.PIDScheduled
	if err := m.Store.Upsert(rec.Name, requeued); err != nil {
		return false, err
	}
	return true, nil
}

// Delete kills the container if still running, tears down its cgroup and
// rootfs, and removes its registry entry entirely. An identifier with no
// registry entry is treated as a container name whose leftover rootfs and
// cgroup are removed, so deleting the same container twice is not an error.
func (m *Manager) Delete(identifier string) error {
	rec, err := m.Store.Find(identifier)
	if err == registry.ErrNotFound && identifier != "" && identifier != "." && identifier != ".." && !strings.ContainsRune(identifier, '/') {
		rec = &types.ContainerRecord{Name: identifier}
	} else if err != nil {
		return err
	}

	if rec.PID > 0 && runtime.Alive(rec.PID) {
		if err := runtime.Kill(rec.PID); err != nil {
			log.WithContainer(rec.Name).Warn().Err(err).Msg("failed to kill process before delete")
		}
	}

	rootfs.UnmountAll(rec.Name, rec.Volumes)

	ctl, err := cgroup.New(rec.Name)
	if err == nil {
		if err := ctl.Delete(); err != nil {
			log.WithContainer(rec.Name).Warn().Err(err).Msg("failed to delete cgroup")
		}
	}

	if err := rootfs.Cleanup(rec.Name); err != nil {
		log.WithContainer(rec.Name).Warn().Err(err).Msg("failed to remove rootfs")
	}

	if err := m.Store.RemoveByName(rec.Name); err != nil {
		return fmt.Errorf("lifecycle: remove registry entry for %s: %w", rec.Name, err)
	}

	log.WithContainer(rec.Name).Info().Msg("container deleted")
	return nil
}

// Status is a container's derived, display-ready lifecycle state.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusExited  Status = "EXITED"
)

// Info is one container's full point-in-time view: its registry record,
// derived status, and (if running) uptime and resource usage.
type Info struct {
	Record         *types.ContainerRecord
	Status         Status
	Uptime         time.Duration
	MemoryBytes    uint64
	MemoryMaxBytes uint64
	CPUPercent     float64
}

// Describe builds an Info for a single record, sampling /proc and the
// cgroup if the container appears to be running.
func Describe(rec *types.ContainerRecord) Info {
	info := Info{Record: rec}

	switch {
	case rec.PID == types.PIDStopped:
		info.Status = StatusStopped
		return info
	case rec.PID > 0 && runtime.Alive(rec.PID):
		info.Status = StatusRunning
	default:
		info.Status = StatusExited
		return info
	}

	if uptime, err := ProcessUptime(rec.PID); err == nil {
		info.Uptime = uptime
	}
	if sample, err := cgroup.Snapshot(rec.Name, rec.PID); err == nil {
		info.MemoryBytes = sample.MemoryBytes
		info.MemoryMaxBytes = sample.MemoryMaxBytes
		info.CPUPercent = sample.CPUPercent
	}

	return info
}

// ListAll returns an Info for every tracked container, in registry
// order.
func (m *Manager) ListAll() ([]Info, error) {
	records, err := m.Store.List()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(records))
	for _, rec := range records {
		infos = append(infos, Describe(rec))
	}
	return infos, nil
}

// Find returns the single container's Info.
func (m *Manager) Find(identifier string) (Info, error) {
	rec, err := m.Store.Find(identifier)
	if err != nil {
		return Info{}, err
	}
	return Describe(rec), nil
}

// Snapshot archives a container's current rootfs into
// "<destDir>/snapshot-<name>.tar.gz", independent of whether the
// container is currently running.
func (m *Manager) Snapshot(identifier, destDir string) (string, error) {
	rec, err := m.Store.Find(identifier)
	if err != nil {
		return "", err
	}

	archivePath := filepath.Join(destDir, "snapshot-"+rec.Name+".tar.gz")
	cmd := exec.Command("tar", "-czf", archivePath, "-C", rootfs.Rootfs(rec.Name), ".")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("lifecycle: snapshot %s: %w (%s)", rec.Name, err, strings.TrimSpace(string(out)))
	}

	log.WithContainer(rec.Name).Info().Str("archive", archivePath).Msg("snapshot created")
	return archivePath, nil
}

// ProcessUptime returns how long pid has been running, derived from its
// /proc/<pid>/stat starttime field against the system's current uptime --
// the same technique used to compute container uptime for Info.
func ProcessUptime(pid int) (time.Duration, error) {
	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: read /proc/%d/stat: %w", pid, err)
	}
	fields := strings.Fields(string(statData))
	if len(fields) <= 21 {
		return 0, fmt.Errorf("lifecycle: /proc/%d/stat has too few fields", pid)
	}

	var starttime float64
	if _, err := fmt.Sscanf(fields[21], "%f", &starttime); err != nil {
		return 0, fmt.Errorf("lifecycle: parse starttime: %w", err)
	}

	uptimeData, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, fmt.Errorf("lifecycle: read /proc/uptime: %w", err)
	}
	uptimeFields := strings.Fields(string(uptimeData))
	if len(uptimeFields) == 0 {
		return 0, fmt.Errorf("lifecycle: malformed /proc/uptime")
	}
	var systemUptime float64
	if _, err := fmt.Sscanf(uptimeFields[0], "%f", &systemUptime); err != nil {
		return 0, fmt.Errorf("lifecycle: parse /proc/uptime: %w", err)
	}

	processUptime := systemUptime - (starttime / float64(config.ProcStatHZ))
	if processUptime < 0 {
		processUptime = 0
	}
	return time.Duration(processUptime * float64(time.Second)), nil
}

func rootfsExists(name string) (bool, error) {
	_, err := os.Stat(rootfs.Rootfs(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("lifecycle: stat rootfs for %s: %w", name, err)
}
