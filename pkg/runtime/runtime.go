// Package runtime implements the launch protocol: the two-stage self
// re-exec that stands in for the reference implementation's double
// fork(), landing a freshly-chrooted, namespaced process running the
// user's command with no PID namespace of its own -- it is reparented to
// the host's PID 1 once the setup stage exits.
//
// Go cannot fork() a multi-threaded runtime and keep running Go code in
// the child before exec, so each "fork" below is instead a re-exec of the
// current binary: exec.Command combined with SysProcAttr.Cloneflags
// performs clone()+execve() atomically, landing in a brand new
// single-threaded process that re-enters this package through
// ReexecEntrypoint instead of main's normal command dispatch.
package runtime

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/qubed/pkg/cgroup"
	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/metrics"
	"github.com/cuemby/qubed/pkg/rootfs"
	"github.com/cuemby/qubed/pkg/types"
)

const (
	reexecEnvVar  = "QUBED_REEXEC_STAGE"
	stageSetup    = "setup"
	stageLaunch   = "launch"
	specEnvVar    = "QUBED_LAUNCH_SPEC"
	selfExePath   = "/proc/self/exe"
	pipeExtraFile = 0 // index into cmd.ExtraFiles; lands on fd 3 in the child
)

// Spec carries everything a launch needs across the re-exec boundary.
// It travels as a JSON blob in an environment variable rather than over
// the handoff pipe, which is reserved for the single 4-byte PID report.
type Spec struct {
	Name     string              `json:"name"`
	Rootfs   string              `json:"rootfs"`
	Command  []string            `json:"command"`
	EnvVars  []string            `json:"env_vars"`
	Volumes  []types.VolumeMount `json:"volumes"`
	Isolated bool                `json:"isolated"`
	Debug    bool                `json:"debug"`
}

// Launch runs the full two-stage protocol and returns the PID of the
// launch stage, the process that runs spec.Command through "sh -c" as its
// own child and is reparented away from this call's own child. Callers
// (pkg/lifecycle) persist that PID to the registry.
func Launch(ctx context.Context, spec Spec) (pid int, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.LaunchDuration)
		if err != nil {
			metrics.ContainersLaunchFailedTotal.Inc()
		}
	}()

	encoded, err := json.Marshal(spec)
	if err != nil {
		return 0, fmt.Errorf("runtime: encode launch spec: %w", err)
	}

	writeBundleConfig(spec)

	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("runtime: create handoff pipe: %w", err)
	}

	cloneFlags := uintptr(syscall.CLONE_NEWUTS | syscall.CLONE_NEWNS)
	if spec.Isolated {
		cloneFlags |= syscall.CLONE_NEWNET
	}

	cmd := exec.CommandContext(ctx, selfExePath)
	cmd.Env = append(os.Environ(), reexecEnvVar+"="+stageSetup, specEnvVar+"="+string(encoded))
	cmd.ExtraFiles = []*os.File{pipeWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		pipeRead.Close()
		pipeWrite.Close()
		return 0, fmt.Errorf("runtime: start setup stage: %w", err)
	}
	pipeWrite.Close()

	// The setup stage is reaped in the background: its exit carries no
	// information we need once it has reported the grandchild's PID, and
	// waiting synchronously here would require it to outlive the process
	// it just abandoned.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.WithComponent("runtime").Debug().Str("container", spec.Name).Err(err).Msg("setup stage exited")
		}
	}()

	pid, err = readPIDWithTimeout(pipeRead, time.Duration(config.PipeReadTimeoutSeconds)*time.Second)
	pipeRead.Close()
	if err != nil {
		return 0, fmt.Errorf("runtime: read launch handshake for %s: %w", spec.Name, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("runtime: container %s did not report a PID (it may have exited immediately)", spec.Name)
	}

	return pid, nil
}

func readPIDWithTimeout(r *os.File, timeout time.Duration) (int, error) {
	type result struct {
		pid int
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 4)
		n, err := readFull(r, buf)
		if err != nil {
			done <- result{0, err}
			return
		}
		if n < 4 {
			done <- result{0, fmt.Errorf("short read: got %d bytes", n)}
			return
		}
		done <- result{int(int32(binary.LittleEndian.Uint32(buf))), nil}
	}()

	select {
	case res := <-done:
		return res.pid, res.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("timed out after %s waiting for launch handshake", timeout)
	}
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("eof")
		}
	}
	return total, nil
}

// ReexecEntrypoint must be called at the very top of cmd/qubed's main,
// before cobra parses anything else. A normal CLI invocation has
// QUBED_REEXEC_STAGE unset and this is a no-op; a re-exec'd setup or
// launch stage never returns from it.
func ReexecEntrypoint() {
	stage := os.Getenv(reexecEnvVar)
	if stage == "" {
		return
	}

	var spec Spec
	if err := json.Unmarshal([]byte(os.Getenv(specEnvVar)), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "qubed: malformed launch spec: %v\n", err)
		os.Exit(1)
	}

	switch stage {
	case stageSetup:
		runSetupStage(spec)
	case stageLaunch:
		runLaunchStage(spec)
	default:
		fmt.Fprintf(os.Stderr, "qubed: unknown reexec stage %q\n", stage)
		os.Exit(1)
	}

	// Both branches above exit the process themselves; reaching here is a
	// logic error in this file, not a recoverable condition.
	os.Exit(1)
}

// runSetupStage is the first re-exec target. It lands already cloned
// into fresh UTS/mount/(optional net) namespaces, performs the rest of
// the isolation work, starts the second re-exec, and reports its PID
// through the inherited pipe before exiting -- abandoning that process
// to be reparented to the host's PID 1.
func runSetupStage(spec Spec) {
	pipeWrite := os.NewFile(uintptr(3+pipeExtraFile), "handoff-pipe")
	defer pipeWrite.Close()

	fail := func(err error) {
		log.WithComponent("runtime").Error().Str("container", spec.Name).Err(err).Msg("setup stage failed")
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(-1)))
		pipeWrite.Write(buf[:])
		os.Exit(1)
	}

	if err := syscall.Sethostname([]byte("Qube")); err != nil {
		fail(fmt.Errorf("sethostname: %w", err))
	}

	ctl, err := cgroup.New(spec.Name)
	if err != nil {
		fail(fmt.Errorf("cgroup setup: %w", err))
	}
	if err := ctl.AddProc(os.Getpid()); err != nil {
		fail(fmt.Errorf("attach to cgroup: %w", err))
	}

	if err := rootfs.MountProc(spec.Name); err != nil {
		fail(fmt.Errorf("mount proc: %w", err))
	}

	if err := rootfs.MountVolumes(spec.Name, spec.Volumes); err != nil {
		fail(fmt.Errorf("mount volumes: %w", err))
	}

	if err := os.Chdir(spec.Rootfs); err != nil {
		fail(fmt.Errorf("chdir to rootfs: %w", err))
	}
	if err := syscall.Chroot("."); err != nil {
		fail(fmt.Errorf("chroot: %w", err))
	}
	if err := os.Chdir("/home"); err != nil {
		// A missing /home (no working directory was copied in) is not
		// fatal -- fall back to the new root.
		os.Chdir("/")
	}

	installTerminationHandler()

	encoded, err := json.Marshal(spec)
	if err != nil {
		fail(fmt.Errorf("re-encode spec for launch stage: %w", err))
	}

	launchCmd := exec.Command(selfExePath)
	launchCmd.Env = []string{reexecEnvVar + "=" + stageLaunch, specEnvVar + "=" + string(encoded)}
	launchCmd.Dir = "/"
	if spec.Debug {
		launchCmd.Stdin, launchCmd.Stdout, launchCmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := launchCmd.Start(); err != nil {
		fail(fmt.Errorf("start launch stage: %w", err))
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(launchCmd.Process.Pid)))
	if _, err := pipeWrite.Write(buf[:]); err != nil {
		log.WithComponent("runtime").Error().Str("container", spec.Name).Err(err).Msg("failed to report launch PID")
	}

	// Deliberately do not Wait() on launchCmd: it is handed off to be
	// reparented to PID 1, matching the no-PID-namespace design.
	os.Exit(0)
}

// runLaunchStage is the second re-exec target: it becomes the
// container's reported PID and runs the user's command as its own
// child, exiting with that child's status.
func runLaunchStage(spec Spec) {
	if !spec.Debug {
		detachStdio()
	}

	if len(spec.Command) == 0 {
		fmt.Fprintln(os.Stderr, "qubed: no command specified to launch in container")
		os.Exit(1)
	}

	cmd := exec.Command("sh", "-c", strings.Join(spec.Command, " "))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Dir = "/"
	cmd.Env = append(os.Environ(), spec.EnvVars...)

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "qubed: failed to run command: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func detachStdio() {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qubed: failed to open %s: %v\n", os.DevNull, err)
		os.Exit(1)
	}
	defer devNull.Close()

	for _, fd := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if err := syscall.Dup2(int(devNull.Fd()), int(fd.Fd())); err != nil {
			fmt.Fprintf(os.Stderr, "qubed: failed to redirect fd %d: %v\n", fd.Fd(), err)
			os.Exit(1)
		}
	}
}

func installTerminationHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		os.Exit(0)
	}()
}

// Kill sends SIGKILL to pid, treating "no such process" as success since
// the caller's goal (the process is gone) is already satisfied.
func Kill(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("runtime: kill pid %d: %w", pid, err)
	}
	return nil
}

// Alive reports whether pid refers to a live, non-zombie process. Signal 0
// only checks existence/permission and still reports a zombie -- a process
// that has exited but not yet been reaped -- as alive, so this also reads
// /proc/<pid>/status and rejects state "Z".
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if syscall.Kill(pid, syscall.Signal(0)) != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether pid's /proc/<pid>/status "State:" line names
// the zombie state. A missing or unreadable status file is treated as "not
// a zombie" -- Alive's own kill(pid, 0) check already covers existence.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z")
		}
	}
	return false
}
