// ABOUTME: watch command printing control channel events as they arrive
// ABOUTME: Decodes UPDATE_CONFIG payloads and optionally acknowledges them
package main

import (
	"fmt"
	"strings"

	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/spf13/cobra"
)

var autoAck bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print control channel events until the daemon closes the channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		packets := 0
		for {
			select {
			case n := <-c.Events:
				fmt.Fprintln(cmd.OutOrStdout(), formatNotification(n))
				if autoAck && n.Event == protocol.EventUpdateConfig && n.Config != nil && n.Config.Valid {
					if err := c.SendCommand(protocol.CommandConfigDone); err != nil {
						return err
					}
				}
			case p := <-c.Media:
				packets++
				if packets%100 == 1 {
					fmt.Fprintf(cmd.OutOrStdout(), "media: %d packets (last %d bytes)\n", packets, len(p))
				}
			case <-c.Done():
				fmt.Fprintln(cmd.OutOrStdout(), "channel closed")
				return nil
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&autoAck, "ack", false, "answer each valid UPDATE_CONFIG with CONFIG_DONE")
	rootCmd.AddCommand(watchCmd)
}

// formatNotification renders one event for the terminal
func formatNotification(n protocol.Notification) string {
	if n.Event != protocol.EventUpdateConfig {
		return n.Event.String()
	}
	if n.Config == nil || !n.Config.Valid {
		return "UPDATE_CONFIG invalid"
	}
	c := n.Config
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE_CONFIG %s %dHz %dbit %s bitrate=%d frame=%d packet=%d",
		codec.Type(c.CodecType), c.SampleRate, c.BitsPerSample, codec.ChannelMode(c.ChannelMode),
		c.BitRate, c.FrameSize, c.PacketSize)
	if c.SBC != nil {
		fmt.Fprintf(&b, " blocks=%d subbands=%d alloc=%d bitpool=%d",
			c.SBC.Blocks, c.SBC.Subbands, c.SBC.AllocMethod, c.SBC.Bitpool)
	}
	if c.AAC != nil {
		fmt.Fprintf(&b, " object=%d vbr=%d", c.AAC.ObjectType, c.AAC.VariableBitRate)
	}
	return b.String()
}
