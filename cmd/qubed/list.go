package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/qubed/pkg/lifecycle"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tracked container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := lifecycle.NewManager()
		infos, err := mgr.ListAll()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No containers tracked.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPID\tUPTIME\tSTATUS\tIMAGE\tPORTS\tISOLATED")
		for _, info := range infos {
			rec := info.Record
			uptime := "N/A"
			if info.Status == lifecycle.StatusRunning {
				uptime = formatDuration(info.Uptime)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%t\n",
				rec.Name, rec.PID, uptime, info.Status, rec.Image, rec.Ports, rec.Isolated)
		}
		return w.Flush()
	},
}

// formatDuration renders a duration the way the reference implementation
// buckets uptime: starting at the largest non-zero unit (days, hours,
// minutes) and including every smaller unit down to seconds.
func formatDuration(d time.Duration) string {
	total := int64(d.Seconds())
	days := total / 86400
	hours := (total / 3600) % 24
	minutes := (total / 60) % 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
