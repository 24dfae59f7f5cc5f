package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"automator/internal/app"
	logx "automator/pkg/logx"
)

func runCmd() *cobra.Command {
	var events string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			ctx := cmd.Context()

			var opts []app.Option
			switch events {
			case "":
			case "-":
				opts = append(opts, app.WithEvents(os.Stdin))
			default:
				f, err := os.Open(events)
				if err != nil {
					return err
				}
				defer f.Close()
				opts = append(opts, app.WithEvents(f))
			}

			a, err := app.NewApp(viper.GetString("config"), opts...)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			notify(daemon.SdNotifyReady)

			var reason app.StopReason
			select {
			case sig := <-sigs:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			notify(daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
	cmd.Flags().StringVar(&events, "events", "", `newline-delimited JSON events to feed the engine ("-" for stdin)`)
	return cmd
}

// notify is a no-op outside systemd.
func notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logx.NewConsole("warn").Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
