package main

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cuemby/qubed/pkg/lifecycle"
)

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Requeue a stopped container and launch it immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager()
		requeued, err := mgr.Requeue(args[0])
		if err != nil {
			return err
		}
		if !requeued {
			fmt.Printf("Container %s is already running or queued\n", args[0])
			return nil
		}

		info, err := mgr.Find(args[0])
		if err != nil {
			return err
		}
		if _, err := mgr.Relaunch(context.Background(), info.Record); err != nil {
			return err
		}
		fmt.Printf("Container %s started\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name-or-pid>",
	Short: "Stop a running container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager()
		if err := mgr.Stop(args[0]); err != nil {
			return err
		}
		fmt.Printf("Container %s has been stopped.\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name-or-pid>",
	Short: "Stop (if running) and permanently remove a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager()
		if err := mgr.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Container %s has been deleted.\n", args[0])
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <name-or-pid>",
	Short: "Show a single container's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager()
		info, err := mgr.Find(args[0])
		if err != nil {
			return err
		}
		printInfo(info)
		return nil
	},
}

func printInfo(info lifecycle.Info) {
	rec := info.Record
	fmt.Printf("Name:     %s\n", rec.Name)
	fmt.Printf("PID:      %d\n", rec.PID)
	fmt.Printf("Status:   %s\n", info.Status)
	fmt.Printf("Image:    %s\n", rec.Image)
	fmt.Printf("Ports:    %s\n", rec.Ports)
	fmt.Printf("Isolated: %t\n", rec.Isolated)
	if info.Status == lifecycle.StatusRunning {
		fmt.Printf("Uptime:   %s\n", formatDuration(info.Uptime))
		if info.MemoryMaxBytes > 0 {
			fmt.Printf("Memory:   %s / %s\n", units.HumanSize(float64(info.MemoryBytes)), units.HumanSize(float64(info.MemoryMaxBytes)))
		} else {
			fmt.Printf("Memory:   %s\n", units.HumanSize(float64(info.MemoryBytes)))
		}
		fmt.Printf("CPU:      %.1f%%\n", info.CPUPercent)
	}
}
