package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"taskboard/internal/app"
	"taskboard/internal/config"
)

func serveCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder and the HTTP stream server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(o.envPath)
			if err != nil {
				return fmt.Errorf("load env: %w", err)
			}
			a, err := app.NewApp(o.configPath, app.Options{Env: env})
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			stop := func(reason app.StopReason) error {
				// No-op outside systemd (NOTIFY_SOCKET unset).
				_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
				ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
				defer cancel()
				if err := a.Stop(ctx, reason); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), color.New(color.FgRed).Sprintf("shutdown incomplete: %v", err))
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			}

			if err := a.Start(cmd.Context()); err != nil {
				_ = stop(app.StopFatalError)
				return err
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-cmd.Context().Done():
				reason = app.StopAppStop
			}
			stopErr := stop(reason)
			if err := a.Err(); err != nil {
				return err
			}
			return stopErr
		},
	}
}
