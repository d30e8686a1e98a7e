package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHeartbeatCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	var once bool

	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Follow the controller heartbeat and print this session's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			ctrl, err := ctx.resolveController(cmd.Context())
			if err != nil {
				return err
			}
			defer ctrl.stop()

			cli, err := ctx.newClient(ctrl, true)
			if err != nil {
				return err
			}
			defer cli.Destroy()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
				snap := cli.Heartbeat().Snapshot()
				state := "unknown"
				if snap.Payload != nil {
					state = string(snap.Payload)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), snap.State, state)
				if once && snap.Payload != nil {
					return nil
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "How often to print the state")
	cmd.Flags().BoolVar(&once, "once", false, "Exit after the first known state")
	return cmd
}
