// Package rootfs builds and tears down each container's filesystem: a
// per-container directory extracted from a cached (or freshly downloaded)
// tarball image, with /proc mounted and any requested volumes bind-mounted
// in before the runtime chroots into it.
package rootfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sys/unix"

	"github.com/cuemby/qubed/pkg/config"
	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/types"
)

var downloadMu sync.Mutex

// Root returns "<ContainersBase>/<name>".
func Root(name string) string {
	return filepath.Join(config.ContainersBase, name)
}

// Rootfs returns "<ContainersBase>/<name>/rootfs".
func Rootfs(name string) string {
	return filepath.Join(Root(name), "rootfs")
}

// Prepare recreates an empty rootfs directory for name, discarding any
// prior contents. It runs only when a container is first built; a
// relaunch reuses the existing rootfs without calling it.
func Prepare(name string) error {
	rootfs := Rootfs(name)
	if _, err := os.Stat(rootfs); err == nil {
		if err := os.RemoveAll(rootfs); err != nil {
			return fmt.Errorf("rootfs: remove stale rootfs for %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return fmt.Errorf("rootfs: create rootfs for %s: %w", name, err)
	}
	return nil
}

// EnsureImage returns the local path of image, downloading it into the
// shared image cache on a miss. Concurrent launches sharing an image cache
// miss serialize on downloadMu rather than racing two writers onto the
// same destination path.
func EnsureImage(ctx context.Context, image string) (string, error) {
	imagePath := filepath.Join(config.ImageCacheDir(), image)
	if _, err := os.Stat(imagePath); err == nil {
		return imagePath, nil
	}

	downloadMu.Lock()
	defer downloadMu.Unlock()

	if _, err := os.Stat(imagePath); err == nil {
		return imagePath, nil
	}

	if err := os.MkdirAll(config.ImageCacheDir(), 0o755); err != nil {
		return "", fmt.Errorf("rootfs: create image cache dir: %w", err)
	}

	url := fmt.Sprintf("%s/files/%s", config.BaseURL, image)
	log.WithComponent("rootfs").Info().Str("image", image).Str("url", url).Msg("image not cached, downloading")

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("rootfs: build download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("rootfs: download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rootfs: download %s: unexpected status %s", url, resp.Status)
	}

	tmpPath := imagePath + ".download"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("rootfs: create temp image file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("rootfs: write downloaded image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rootfs: close downloaded image: %w", err)
	}

	if err := os.Rename(tmpPath, imagePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rootfs: finalize downloaded image: %w", err)
	}

	return imagePath, nil
}

// ExtractImage fetches (if needed) and extracts image's tarball contents
// into name's rootfs directory via the tar CLI, the same way the
// reference implementation shells out rather than embedding a tar reader.
func ExtractImage(ctx context.Context, name, image string) error {
	imagePath, err := EnsureImage(ctx, image)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "tar", "-xf", imagePath, "-C", Rootfs(name))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rootfs: extract %s into %s: %w (%s)", imagePath, name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CopyWorkdir copies the contents of hostDir into "<rootfs>/home", on top
// of the already-extracted tarball image. A failed copy is logged, not
// returned.
func CopyWorkdir(name, hostDir string) error {
	homePath := filepath.Join(Rootfs(name), "home")
	if err := os.MkdirAll(homePath, 0o755); err != nil {
		return fmt.Errorf("rootfs: create home dir: %w", err)
	}

	cmd := exec.Command("cp", "-r", hostDir+"/.", homePath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithComponent("rootfs").Warn().
			Str("from", hostDir).Str("to", homePath).
			Str("output", strings.TrimSpace(string(out))).
			Msg("copying working directory into rootfs failed")
	}
	return nil
}

// MountProc mounts a fresh procfs inside name's rootfs, noexec/nosuid/nodev
// since the guest has no business executing or device-accessing through it.
func MountProc(name string) error {
	procPath := filepath.Join(Rootfs(name), "proc")
	if err := os.MkdirAll(procPath, 0o755); err != nil {
		return fmt.Errorf("rootfs: create proc mountpoint: %w", err)
	}
	err := unix.Mount("proc", procPath, "proc", unix.MS_NOEXEC|unix.MS_NOSUID|unix.MS_NODEV, "")
	if err != nil {
		return fmt.Errorf("rootfs: mount proc: %w", err)
	}
	return nil
}

// MountVolumes bind-mounts every requested host path into the rootfs at
// its configured guest path. Each mount is recursive (MS_BIND|MS_REC) and
// its target is then marked MS_REC|MS_SHARED. Nothing already mounted at a
// target is unmounted first.
func MountVolumes(name string, volumes []types.VolumeMount) error {
	for _, v := range volumes {
		if err := mountVolume(name, v); err != nil {
			return err
		}
	}
	return nil
}

func mountVolume(name string, v types.VolumeMount) error {
	target := filepath.Join(Rootfs(name), v.ContainerPath)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("rootfs: create volume mountpoint %s: %w", v.ContainerPath, err)
	}

	if err := unix.Mount(v.HostPath, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: bind mount %s -> %s: %w", v.HostPath, v.ContainerPath, err)
	}
	if err := unix.Mount("", target, "", unix.MS_REC|unix.MS_SHARED, ""); err != nil {
		return fmt.Errorf("rootfs: mark %s shared: %w", v.ContainerPath, err)
	}
	return nil
}

// Cleanup removes a container's entire on-disk tree (rootfs plus any
// sibling state under Root(name)). It first lazy-unmounts /proc in a loop
// until no mount remains there -- a container relaunched several times
// without an intervening Cleanup can accumulate stacked proc mounts at the
// same path, and a single unmount only peels off the topmost one.
func Cleanup(name string) error {
	unmountProcLoop(name)
	if err := os.RemoveAll(Root(name)); err != nil {
		return fmt.Errorf("rootfs: cleanup %s: %w", name, err)
	}
	return nil
}

// unmountProcLoop repeatedly lazy-unmounts <rootfs(name)>/proc until the
// kernel reports nothing mounted there, guarding against the stacked-mount
// case noted on Cleanup. Each iteration is best-effort; a persistent
// failure is logged and left for a future retry rather than blocking
// cleanup of the rest of the tree.
func unmountProcLoop(name string) {
	procPath := filepath.Join(Rootfs(name), "proc")
	for {
		err := unix.Unmount(procPath, unix.MNT_DETACH)
		if err != nil {
			if err != unix.EINVAL && !os.IsNotExist(err) {
				log.WithComponent("rootfs").Warn().Str("path", procPath).Err(err).Msg("unmount proc failed")
			}
			return
		}
	}
}

// UnmountAll best-effort unmounts proc and every volume mount under a
// container's rootfs before Cleanup runs. Volumes are unmounted in the
// reverse of their listed (mount) order; they are not sorted by path depth.
func UnmountAll(name string, volumes []types.VolumeMount) {
	for i := len(volumes) - 1; i >= 0; i-- {
		target := filepath.Join(Rootfs(name), volumes[i].ContainerPath)
		if err := unix.Unmount(target, unix.MNT_DETACH); err != nil && !os.IsNotExist(err) {
			log.WithComponent("rootfs").Warn().Str("path", target).Err(err).Msg("unmount volume failed")
		}
	}
	unmountProcLoop(name)
}
