package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/qubed/pkg/log"
)

// bundleConfigName is the filename qubed writes its OCI-shaped bundle
// descriptor under, alongside the rootfs it describes. Nothing in qubed
// reads this file back to drive a launch -- the launch protocol (see
// Launch/runSetupStage) talks to the kernel directly -- but it gives an
// operator (or a future runc-compatible front-end) a standard, inspectable
// record of what a container's namespaces, mounts, and entrypoint were
// the last time it launched.
const bundleConfigName = "config.json"

// writeBundleConfig renders spec as an OCI runtime-spec bundle descriptor
// and writes it to "<base>/<name>/config.json". Failures are logged, not
// returned: the descriptor is documentation, never a dependency of the
// launch protocol itself.
func writeBundleConfig(spec Spec) {
	mounts := []specs.Mount{
		{
			Destination: "/proc",
			Type:        "proc",
			Source:      "proc",
			Options:     []string{"noexec", "nosuid", "nodev"},
		},
	}
	for _, v := range spec.Volumes {
		mounts = append(mounts, specs.Mount{
			Destination: v.ContainerPath,
			Type:        "bind",
			Source:      v.HostPath,
			Options:     []string{"rbind", "rshared"},
		})
	}

	namespaces := []specs.LinuxNamespace{
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
	}
	if spec.Isolated {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}

	bundle := specs.Spec{
		Version:  "1.1.0",
		Hostname: "Qube",
		Root: &specs.Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Mounts: mounts,
		Process: &specs.Process{
			Args: spec.Command,
			Cwd:  "/home",
			Env:  spec.EnvVars,
		},
		Linux: &specs.Linux{
			Namespaces: namespaces,
		},
	}

	encoded, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		log.WithComponent("runtime").Warn().Str("container", spec.Name).Err(err).Msg("failed to encode OCI bundle descriptor")
		return
	}

	path := filepath.Join(filepath.Dir(spec.Rootfs), bundleConfigName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		log.WithComponent("runtime").Warn().Str("container", spec.Name).Err(err).Msg("failed to write OCI bundle descriptor")
	}
}
