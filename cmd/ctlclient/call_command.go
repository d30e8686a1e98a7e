package main

import (
	"encoding/json"
	"fmt"
	"time"

	"ctrl-rpc/client"
	"ctrl-rpc/message"
	"ctrl-rpc/middleware"

	"github.com/spf13/cobra"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	var paramsJSON string
	var timeout time.Duration
	var deadline time.Duration
	var fireAndForget bool
	var noWait bool

	cmd := &cobra.Command{
		Use:   "call COMMAND",
		Short: "Send one command and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("--params: %w", err)
				}
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("fire-and-forget") {
				fireAndForget = cfg.RPC.FireAndForget
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.RPC.Timeout.Duration
			}

			ctrl, err := ctx.resolveController(cmd.Context())
			if err != nil {
				return err
			}
			defer ctrl.stop()

			var extra []middleware.Middleware
			if deadline > 0 {
				extra = append(extra, middleware.TimeOutMiddleware(deadline))
			}
			cli, err := ctx.newClient(ctrl, false, extra...)
			if err != nil {
				return err
			}
			defer cli.Destroy()

			opts := []client.CallOption{
				client.WithTimeout(timeout),
				client.WithFireAndForget(fireAndForget),
			}
			if noWait {
				opts = append(opts, client.WithNoWait())
			}

			req := message.NewRequest(args[0], params, message.Session{})
			out, err := cli.SendCommand(cmd.Context(), req, opts...)
			if err != nil {
				return err
			}
			if noWait && !fireAndForget {
				fmt.Fprintln(cmd.ErrOrStderr(), "sent, waiting for reply")
				out, err = cli.ReceiveCommand(cmd.Context(), timeout, nil)
				if err != nil {
					return err
				}
			}
			if out == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "Command parameters as a JSON object")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", client.DefaultTimeout, "Budget for acquiring, sending and receiving")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "Hard deadline for the whole call, including retries")
	cmd.Flags().BoolVar(&fireAndForget, "fire-and-forget", false, "Do not wait for any reply")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Send first, then receive in a separate step")
	return cmd
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
	return nil
}
