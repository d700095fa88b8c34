package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"taskboard/internal/activity"
)

func partitionsCmd(o *globalOptions) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "partitions <resource>",
		Short: "List the partition files covering a time range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := o.activityDir()
			if err != nil {
				return err
			}
			now := time.Now()
			from, err := parseTimeFlag("start", start, startOfToday(now))
			if err != nil {
				return err
			}
			to, err := parseTimeFlag("end", end, now)
			if err != nil {
				return err
			}
			paths, err := activity.NewResolver(dir).Resolve(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(paths) == 0 {
				fmt.Fprintln(out, color.New(color.FgYellow).Sprint("no partitions in range"))
				return nil
			}
			for _, p := range paths {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "range start (epoch ms, RFC 3339 or YYYY-MM-DD; default start of today)")
	cmd.Flags().StringVar(&end, "end", "", "range end (default now)")
	return cmd
}
