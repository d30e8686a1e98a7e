package main

import (
	"fmt"

	"ctrl-rpc/subscriber"
	"ctrl-rpc/transport"

	"github.com/spf13/cobra"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var endpointFlag string
	var conflate bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every message of a publish feed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			var source transport.EndpointSource
			switch {
			case endpointFlag != "":
				ep, err := transport.ParseEndpoint(endpointFlag)
				if err != nil {
					return err
				}
				source = transport.StaticEndpoint(ep)
			case cfg.Subscription.Endpoint != "":
				ep, _ := transport.ParseEndpoint(cfg.Subscription.Endpoint)
				source = transport.StaticEndpoint(ep)
			default:
				ctrl, err := ctx.resolveController(cmd.Context())
				if err != nil {
					return err
				}
				defer ctrl.stop()
				source = ctrl.feed
			}
			if !cmd.Flags().Changed("conflate") {
				conflate = cfg.Subscription.Conflate
			}

			out := cmd.OutOrStdout()
			sub := subscriber.New(source, func(payload []byte) {
				fmt.Fprintln(out, string(payload))
			},
				subscriber.WithConflate(conflate),
				subscriber.WithReconnectTimeout(cfg.Subscription.ReconnectTimeout.Duration),
				subscriber.WithLogger(logger),
			)
			th := subscriber.NewThreaded(sub,
				subscriber.WithName(cfg.Subscription.ThreadName),
				subscriber.WithMinInterval(cfg.Subscription.MinInterval.Duration),
				subscriber.WithSpinTimeout(cfg.Subscription.SpinTimeout.Duration),
				subscriber.WithThreadLogger(logger),
			)
			if err := th.Start(); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return th.Stop()
		},
	}

	cmd.Flags().StringVarP(&endpointFlag, "endpoint", "e", "", "Feed endpoint (host:port, tcp:// or ipc:// URL)")
	cmd.Flags().BoolVar(&conflate, "conflate", false, "Only keep the newest unread message")
	return cmd
}
