package cgroup

import (
	"os"
	"testing"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		v, lo, hi, want float64
	}{
		{-5, 0, 400, 0},
		{500, 0, 400, 400},
		{37.5, 0, 400, 37.5},
	}
	for _, c := range cases {
		if got := clamp(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("clamp(%v, %v, %v) = %v, want %v", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestCPUPercentOnSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc on this system")
	}

	pct, err := CPUPercent(os.Getpid())
	if err != nil {
		t.Fatalf("CPUPercent: %v", err)
	}
	if pct < 0 || pct > 400 {
		t.Errorf("CPUPercent = %v, want within [0, 400]", pct)
	}
}

func TestCPUPercentRejectsMissingPID(t *testing.T) {
	if _, err := os.Stat("/proc"); err != nil {
		t.Skip("no /proc on this system")
	}
	// PID 1 exists on every Linux box but a deliberately absurd PID won't.
	if _, err := CPUPercent(1 << 30); err == nil {
		t.Error("expected error reading stat for a nonexistent PID")
	}
}

func TestNewRequiresCgroupV2(t *testing.T) {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		t.Skip("cgroup-v2 unified hierarchy not mounted")
	}
	if os.Geteuid() != 0 {
		t.Skip("cgroup node creation requires root")
	}

	ctl, err := New("qubed-cgroup-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctl.Delete()

	if ctl.Path() == "" {
		t.Error("expected non-empty cgroup path")
	}
}
