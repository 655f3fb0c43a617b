// Package cgroup manages the cgroup-v2 unified hierarchy node each
// container is attached to: memory and CPU limits, process attachment,
// and the periodic usage samples the supervisor feeds into pkg/metrics.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2"

	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/log"
)

// Controller owns one container's cgroup-v2 node.
type Controller struct {
	name    string
	group   string
	manager *cgroup2.Manager
}

// InitRoot creates the shared cgroup root and enables the memory and cpu
// controllers on it, mirroring what the reference deployment does once at
// daemon startup. A failure to enable controllers is logged here but never
// fatal -- an already-enabled root is the common case.
func InitRoot() error {
	if err := os.MkdirAll(config.CgroupRoot, 0o755); err != nil {
		return fmt.Errorf("cgroup: create root %s: %w", config.CgroupRoot, err)
	}
	subtreeControl := filepath.Join(config.CgroupRoot, "cgroup.subtree_control")
	if err := os.WriteFile(subtreeControl, []byte("+memory +cpu"), 0o644); err != nil {
		log.WithComponent("cgroup").Warn().Err(err).Msg("enabling memory and cpu controllers failed")
	}
	return nil
}

// New creates (or reattaches to) the cgroup-v2 node for a container named
// name, applying the configured memory and CPU limits. The node's absolute
// path is "<CgroupRoot>/<name>".
func New(name string) (*Controller, error) {
	if err := InitRoot(); err != nil {
		return nil, err
	}

	group := "/" + filepath.Base(config.CgroupRoot) + "/" + name
	memMax := int64(config.MemoryMaxMB * 1024 * 1024)
	swapMax := int64(config.MemorySwapMaxMB * 1024 * 1024)
	quota := int64(config.CPUQuotaUS)
	period := config.CPUPeriodUS

	resources := cgroup2.Resources{
		Memory: &cgroup2.Memory{
			Max:  &memMax,
			Swap: &swapMax,
		},
		CPU: &cgroup2.CPU{
			Max: cgroup2.NewCPUMax(&quota, &period),
		},
	}

	mgr, err := cgroup2.NewManager("/sys/fs/cgroup", group, &resources)
	if err != nil {
		return nil, fmt.Errorf("cgroup: create manager for %s: %w", name, err)
	}

	return &Controller{
		name:    name,
		group:   group,
		manager: mgr,
	}, nil
}

// Path returns the cgroup node's absolute filesystem path.
func (c *Controller) Path() string {
	return filepath.Join(config.CgroupRoot, c.name)
}

// AddProc attaches pid to this container's cgroup by writing cgroup.procs.
func (c *Controller) AddProc(pid int) error {
	if err := c.manager.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("cgroup: add proc %d to %s: %w", pid, c.name, err)
	}
	return nil
}

// MemoryStats reads memory.current and memory.max for this container
// directly, since the cgroup2.Manager's full Stat() call pulls far more
// than the two gauges pkg/metrics and Info need. max is 0 when the
// container's cgroup has no ceiling set ("max" on disk).
func (c *Controller) MemoryStats() (current, max uint64, err error) {
	current, err = readMemoryFile(filepath.Join(c.Path(), "memory.current"))
	if err != nil {
		return 0, 0, fmt.Errorf("cgroup: read memory.current: %w", err)
	}
	max, err = readMemoryFile(filepath.Join(c.Path(), "memory.max"))
	if err != nil {
		return 0, 0, fmt.Errorf("cgroup: read memory.max: %w", err)
	}
	return current, max, nil
}

func readMemoryFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	if text == "max" {
		return 0, nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}

// Delete removes the container's cgroup node. Called after the container's
// process has exited and been reaped; a non-empty cgroup.procs means a
// straggler is still alive, and the removal then fails and returns an
// error.
func (c *Controller) Delete() error {
	if err := c.manager.Delete(); err != nil {
		return fmt.Errorf("cgroup: delete %s: %w", c.name, err)
	}
	return nil
}

// CPUPercent samples pid's CPU usage over the kernel's own accounting,
// the same /proc/<pid>/stat + /proc/uptime technique used for process
// uptime, normalized to a percentage of one core and clamped to [0, 400]
// to bound display noise on heavily multi-threaded workloads.
func CPUPercent(pid int) (float64, error) {
	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("cgroup: read /proc/%d/stat: %w", pid, err)
	}
	fields := strings.Fields(string(statData))
	if len(fields) <= 21 {
		return 0, fmt.Errorf("cgroup: /proc/%d/stat has too few fields", pid)
	}

	utime, err := strconv.ParseFloat(fields[13], 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse utime: %w", err)
	}
	stime, err := strconv.ParseFloat(fields[14], 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse stime: %w", err)
	}
	starttime, err := strconv.ParseFloat(fields[21], 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse starttime: %w", err)
	}

	uptimeData, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, fmt.Errorf("cgroup: read /proc/uptime: %w", err)
	}
	uptimeFields := strings.Fields(string(uptimeData))
	if len(uptimeFields) == 0 {
		return 0, fmt.Errorf("cgroup: malformed /proc/uptime")
	}
	sysUptime, err := strconv.ParseFloat(uptimeFields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse /proc/uptime: %w", err)
	}

	hz := float64(config.ProcStatHZ)
	processUptime := sysUptime - (starttime / hz)
	if processUptime <= 0 {
		return 0, nil
	}

	totalTime := (utime + stime) / hz
	pct := (totalTime / processUptime) * 100

	return clamp(pct, 0, 400), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sample is one point-in-time reading, used by the supervisor to populate
// pkg/metrics without each caller re-deriving the path conventions above.
type Sample struct {
	MemoryBytes    uint64
	MemoryMaxBytes uint64
	CPUPercent     float64
	At             time.Time
}

// Snapshot returns a combined memory+CPU sample for a running container.
func Snapshot(name string, pid int) (Sample, error) {
	c := &Controller{name: name}
	current, max, err := c.MemoryStats()
	if err != nil {
		return Sample{}, err
	}
	cpuPct, err := CPUPercent(pid)
	if err != nil {
		return Sample{}, err
	}
	return Sample{MemoryBytes: current, MemoryMaxBytes: max, CPUPercent: cpuPct, At: time.Now()}, nil
}
