package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/qubed/pkg/lifecycle"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <name-or-pid>",
	Short: "Archive a container's rootfs into a tar.gz in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir, _ := cmd.Flags().GetString("dest")
		mgr := lifecycle.NewManager()
		archivePath, err := mgr.Snapshot(args[0], destDir)
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot written to %s\n", archivePath)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().String("dest", ".", "Directory the snapshot archive is written into")
	rootCmd.AddCommand(snapshotCmd)
}
