package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/qubed/pkg/lifecycle"
	"github.com/cuemby/qubed/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Build (if needed) and launch a container",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		workDir, _ := cmd.Flags().GetString("work-dir")
		image, _ := cmd.Flags().GetString("image")
		ports, _ := cmd.Flags().GetString("ports")
		isolated, _ := cmd.Flags().GetBool("isolated")
		debug, _ := cmd.Flags().GetBool("debug")
		volumeFlags, _ := cmd.Flags().GetStringArray("volume")
		envFlags, _ := cmd.Flags().GetStringArray("env")

		volumes, err := parseVolumes(volumeFlags)
		if err != nil {
			return err
		}

		if name == "" {
			name = lifecycle.GenerateName()
		}

		req := lifecycle.Request{
			Name:     name,
			WorkDir:  workDir,
			Command:  args,
			Image:    image,
			Ports:    ports,
			Isolated: isolated,
			Volumes:  volumes,
			EnvVars:  envFlags,
			Debug:    debug,
		}

		mgr := lifecycle.NewManager()
		rec, err := mgr.Launch(context.Background(), req)
		if err != nil {
			return err
		}

		fmt.Printf("Container launched with ID: %s (PID: %d)\n", rec.Name, rec.PID)
		fmt.Printf("Use 'qubed stop %s' or 'qubed delete %s' to stop/delete it.\n", rec.Name, rec.Name)
		return nil
	},
}

func init() {
	runCmd.Flags().String("name", "", "Container name (generated if omitted)")
	runCmd.Flags().String("work-dir", "", "Host directory copied into the container's /home")
	runCmd.Flags().String("image", "", "Tarball image name, relative to the image cache/distribution endpoint")
	runCmd.Flags().String("ports", "", "Informational port mapping string, recorded but not enforced")
	runCmd.Flags().Bool("isolated", false, "Give the container its own network namespace")
	runCmd.Flags().Bool("debug", false, "Keep the container's stdio attached instead of detaching it")
	runCmd.Flags().StringArray("volume", nil, "Bind mount host:container, may be repeated")
	runCmd.Flags().StringArray("env", nil, "KEY=VALUE environment entry, may be repeated")
}

func parseVolumes(specs []string) ([]types.VolumeMount, error) {
	volumes := make([]types.VolumeMount, 0, len(specs))
	for _, spec := range specs {
		host, guest, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --volume %q, expected host:container", spec)
		}
		volumes = append(volumes, types.VolumeMount{HostPath: host, ContainerPath: guest})
	}
	return volumes, nil
}
