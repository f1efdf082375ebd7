package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/threadrun/pkg/domain"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		threadID string
		paths    []string
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the reply",
		Long: "Starts a new session seeded with the message, or continues --thread, " +
			"and prints the assistant's reply. Files given with --file are uploaded " +
			"first and attached to the new assistant, or to the message when " +
			"continuing a thread.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			message := strings.Join(args, " ")

			files := make([]domain.File, 0, len(paths))
			for _, p := range paths {
				f, err := domain.ReadFile(p)
				if err != nil {
					return err
				}
				files = append(files, f)
			}

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.startWorker(ctx)
			defer stop()

			if threadID == "" {
				err = startWithFiles(cmd, a, opts, message, files)
			} else {
				err = continueThread(cmd, a, threadID, message, files)
			}
			if err != nil {
				return err
			}

			msgs := a.orch.Messages()
			if len(msgs) == 0 {
				return fmt.Errorf("no reply received")
			}
			snap := a.orch.Snapshot()
			fmt.Fprintln(cmd.OutOrStdout(), msgs[len(msgs)-1].Content)
			fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", snap.ThreadID)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().StringArrayVar(&paths, "file", nil, "attach a file (repeatable)")
	return cmd
}

func startWithFiles(cmd *cobra.Command, a *app, opts *rootOptions, message string, files []domain.File) error {
	ctx := cmd.Context()
	var fileIDs []string
	if len(files) > 0 {
		ids, err := a.orch.UploadFiles(ctx, files)
		if err != nil {
			return err
		}
		fileIDs = ids
	}
	return a.orch.StartNewSession(ctx, opts.cfg.Details(), fileIDs, message)
}

func continueThread(cmd *cobra.Command, a *app, threadID, message string, files []domain.File) error {
	ctx := cmd.Context()
	assistantID, err := a.resolveAssistant(ctx)
	if err != nil {
		return err
	}
	if err := a.orch.ResumeSession(ctx, assistantID, "", threadID); err != nil {
		return err
	}
	return a.orch.SendMessage(ctx, message, files, nil)
}
