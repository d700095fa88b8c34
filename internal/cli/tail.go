package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskboard/internal/activity"
	logx "taskboard/pkg/logx"
)

func tailCmd(o *globalOptions) *cobra.Command {
	var (
		start, end string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "tail <resource>",
		Short: "Print a resource's activity for a time range, optionally following today's partition",
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
			out := cmd.OutOrStdout()
			if !follow {
				return printRange(cmd, out, dir, args[0], from, to)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			m := activity.NewManager(activity.ManagerOptions{
				Dir: dir,
				Log: logx.NewConsole("warn").With(logx.String("comp", "tail")),
			})
			defer m.Close()

			var mu sync.Mutex
			sub, err := m.Subscribe(ctx, args[0], from, to, func(chunk string) {
				mu.Lock()
				defer mu.Unlock()
				_, _ = io.WriteString(out, chunk)
			})
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-sub.Done():
			}
			<-sub.Done()
			return sub.Err()
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "range start (epoch ms, RFC 3339 or YYYY-MM-DD; default start of today)")
	cmd.Flags().StringVar(&end, "end", "", "range end (default now)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming today's partition")
	return cmd
}

// printRange copies every partition in range to out, oldest first.
func printRange(cmd *cobra.Command, out io.Writer, dir, resource string, from, to time.Time) error {
	paths, err := activity.NewResolver(dir).Resolve(cmd.Context(), resource, from, to)
	if err != nil {
		return err
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		_, err = io.Copy(out, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
	}
	return nil
}
