package main

import (
	"fmt"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/spf13/cobra"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the default queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Print the number of jobs in each channel",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDriver(func(driver queue.Driver) error {
					info, err := driver.Info(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(a.out, "waiting: %d\ndelayed: %d\nleased: %d\ncompleted: %d\nfailed: %d\n",
						info.Waiting, info.Delayed, info.Leased, info.Completed, info.Failed)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reload [channel]",
			Short: "Move failed jobs back to pending with a fresh attempt budget",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				channel := queue.ChannelFailed
				if len(args) == 1 {
					channel = args[0]
				}
				return a.withDriver(func(driver queue.Driver) error {
					n, err := driver.Reload(cmd.Context(), channel)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.out, "reloaded %d jobs\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "flush <channel>",
			Short: "Drop every job in the channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDriver(func(driver queue.Driver) error {
					if err := driver.Flush(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(a.out, "flushed %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withDriver(f func(driver queue.Driver) error) error {
	c, _, cleanup, err := a.bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	c.Invoke(func(q *queue.Queue) {
		err = f(q.Driver())
	})
	return err
}
