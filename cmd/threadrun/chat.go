package main

import (
	"github.com/spf13/cobra"

	"github.com/nstogner/threadrun/pkg/tui"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// The terminal belongs to the UI.
			if opts.logFile == "" {
				opts.logFile = "threadrun.log"
				return opts.setupLogging(cmd.ErrOrStderr())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.startWorker(ctx)
			defer stop()

			events, unsubscribe := a.events.Subscribe()
			defer unsubscribe()

			m := tui.New(ctx, a.orch, events, a.history, tui.Options{
				Details:          opts.cfg.Details(),
				SeedMessage:      opts.cfg.Session.SeedMessage,
				ResolveAssistant: a.resolveAssistant,
			})
			return tui.Run(ctx, m)
		},
	}
}
