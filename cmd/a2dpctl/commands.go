// ABOUTME: One-shot control commands: start, stop and config-done
// ABOUTME: Each sends its command and prints the events that follow within a short window
package main

import (
	"fmt"
	"time"

	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/spf13/cobra"
)

var replyWait time.Duration

func commandCmd(use, short string, cmds ...protocol.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SendCommand(cmds...); err != nil {
				return fmt.Errorf("failed to send %v: %w", cmds, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %v\n", cmds)

			timeout := time.After(replyWait)
			for {
				select {
				case n := <-c.Events:
					fmt.Fprintln(cmd.OutOrStdout(), formatNotification(n))
				case <-c.Done():
					return nil
				case <-timeout:
					return nil
				}
			}
		},
	}
}

func init() {
	for _, c := range []*cobra.Command{
		commandCmd("start", "Ask the daemon to start streaming", protocol.CommandStart),
		commandCmd("stop", "Ask the daemon to stop streaming", protocol.CommandStop),
		commandCmd("config-done", "Acknowledge the last audio configuration", protocol.CommandConfigDone),
	} {
		c.Flags().DurationVar(&replyWait, "wait", 2*time.Second, "how long to print events after sending")
		rootCmd.AddCommand(c)
	}
}
