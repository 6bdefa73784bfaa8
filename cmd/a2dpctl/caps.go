// ABOUTME: caps command building and parsing codec capability elements
// ABOUTME: Shows what a peer's element negotiates to, including packet sizing for an MTU
package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/spf13/cobra"
)

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Build or parse A2DP codec capability elements",
}

var sbcFlags struct {
	rate       int
	mode       string
	blocks     int
	subbands   int
	alloc      string
	minBitpool int
	maxBitpool int
}

var capsSBCCmd = &cobra.Command{
	Use:   "sbc",
	Short: "Build an SBC element selecting the given parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseChannelMode(sbcFlags.mode)
		if err != nil {
			return err
		}
		alloc, err := parseAllocation(sbcFlags.alloc)
		if err != nil {
			return err
		}
		elem, err := codec.BuildSBC(codec.SBCParams{
			SampleRate:  sbcFlags.rate,
			ChannelMode: mode,
			Blocks:      sbcFlags.blocks,
			Subbands:    sbcFlags.subbands,
			Allocation:  alloc,
			MinBitpool:  sbcFlags.minBitpool,
			MaxBitpool:  sbcFlags.maxBitpool,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(elem))
		return nil
	},
}

var aacFlags struct {
	object   string
	rate     int
	channels int
	vbr      bool
	bitRate  int
}

var capsAACCmd = &cobra.Command{
	Use:   "aac",
	Short: "Build an AAC element selecting the given parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, err := parseObjectType(aacFlags.object)
		if err != nil {
			return err
		}
		elem, err := codec.BuildAAC(codec.AACParams{
			ObjectType: obj,
			SampleRate: aacFlags.rate,
			Channels:   aacFlags.channels,
			VBR:        aacFlags.vbr,
			BitRate:    aacFlags.bitRate,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(elem))
		return nil
	},
}

var parseMTU int

var capsParseCmd = &cobra.Command{
	Use:   "parse <sbc|aac> <hex>",
	Short: "Negotiate a capability element and print the resulting configuration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseCodecType(args[0])
		if err != nil {
			return err
		}
		elem, err := hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
		if err != nil {
			return fmt.Errorf("invalid element: %w", err)
		}
		cfg, err := codec.Negotiate(t, elem, parseMTU)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, cfg)
		fmt.Fprintf(out, "frames/packet=%d tick=%s pcm/frame=%d bytes\n",
			cfg.FramesPerPacket(), cfg.TickInterval(), cfg.PCMBytesPerFrame())
		if p, ok := cfg.Offload(); ok {
			fmt.Fprintf(out, "offload: %+v\n", p)
		} else {
			fmt.Fprintln(out, "offload: not supported")
		}
		return nil
	},
}

func init() {
	f := capsSBCCmd.Flags()
	f.IntVar(&sbcFlags.rate, "rate", 44100, "sampling frequency")
	f.StringVar(&sbcFlags.mode, "mode", "joint", "channel mode: joint, stereo, dual, mono")
	f.IntVar(&sbcFlags.blocks, "blocks", 16, "block length: 4, 8, 12, 16")
	f.IntVar(&sbcFlags.subbands, "subbands", 8, "subbands: 4, 8")
	f.StringVar(&sbcFlags.alloc, "alloc", "loudness", "allocation method: loudness, snr")
	f.IntVar(&sbcFlags.minBitpool, "min-bitpool", 2, "minimum bitpool")
	f.IntVar(&sbcFlags.maxBitpool, "max-bitpool", 53, "maximum bitpool")

	f = capsAACCmd.Flags()
	f.StringVar(&aacFlags.object, "object", "mpeg2-lc", "object type: mpeg2-lc, mpeg4-lc, mpeg4-ltp, mpeg4-scalable")
	f.IntVar(&aacFlags.rate, "rate", 48000, "sampling frequency")
	f.IntVar(&aacFlags.channels, "channels", 2, "channels: 1 or 2")
	f.BoolVar(&aacFlags.vbr, "vbr", false, "variable bit rate")
	f.IntVar(&aacFlags.bitRate, "bitrate", 320000, "peak bit rate, 0 for unbounded")

	capsParseCmd.Flags().IntVar(&parseMTU, "mtu", 0, "transmit MTU, 0 when unknown")

	capsCmd.AddCommand(capsSBCCmd, capsAACCmd, capsParseCmd)
	rootCmd.AddCommand(capsCmd)
}

func parseCodecType(s string) (codec.Type, error) {
	switch strings.ToLower(s) {
	case "sbc":
		return codec.TypeSBC, nil
	case "aac":
		return codec.TypeAAC, nil
	}
	return 0, fmt.Errorf("unknown codec %q", s)
}

func parseChannelMode(s string) (codec.ChannelMode, error) {
	for _, m := range []codec.ChannelMode{codec.ChannelModeJoint, codec.ChannelModeStereo, codec.ChannelModeDual, codec.ChannelModeMono} {
		if s == m.String() || s+"-stereo" == m.String() || s+"-channel" == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown channel mode %q", s)
}

func parseAllocation(s string) (codec.Allocation, error) {
	switch s {
	case "loudness":
		return codec.AllocationLoudness, nil
	case "snr":
		return codec.AllocationSNR, nil
	}
	return 0, fmt.Errorf("unknown allocation method %q", s)
}

func parseObjectType(s string) (uint8, error) {
	switch s {
	case "mpeg2-lc":
		return codec.AACObjectMPEG2LC, nil
	case "mpeg4-lc":
		return codec.AACObjectMPEG4LC, nil
	case "mpeg4-ltp":
		return codec.AACObjectMPEG4LTP, nil
	case "mpeg4-scalable":
		return codec.AACObjectMPEG4Scal, nil
	}
	return 0, fmt.Errorf("unknown object type %q", s)
}
