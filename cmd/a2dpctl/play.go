// ABOUTME: play command streaming a PCM source into a daemon's source role
// ABOUTME: Waits for the negotiated config, converts the file to it and paces writes in real time
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sendspin/bluestream/internal/audiosrc"
	"github.com/Sendspin/bluestream/pkg/audio"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	playLoop      bool
	configTimeout time.Duration

	errStopped  = errors.New("daemon stopped the stream")
	errFinished = errors.New("source finished")
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Stream an MP3, FLAC or WAV file (or a test tone) into the source role",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if roleName != "source" {
			return fmt.Errorf("play needs the source role, got %s", roleName)
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		out := cmd.OutOrStdout()

		cfg, err := awaitConfig(c, configTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatNotification(protocol.Notification{Event: protocol.EventUpdateConfig, Config: cfg}))

		if err := c.SendCommand(protocol.CommandConfigDone, protocol.CommandStart); err != nil {
			return err
		}
		if err := awaitStarted(c, configTimeout); err != nil {
			return err
		}

		src, err := openSource(path)
		if err != nil {
			return err
		}
		defer src.Close()
		format := PCMFormat(cfg)
		fmt.Fprintf(out, "Playing %s (%dHz/%dch) as %s\n", src.Title(), src.SampleRate(), src.Channels(), format)
		src = audiosrc.Convert(src, format)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := audiosrc.Pump(ctx, src, c.WriteData); err != nil {
				return err
			}
			return errFinished
		})
		g.Go(func() error {
			for {
				select {
				case n := <-c.Events:
					fmt.Fprintln(out, formatNotification(n))
					if n.Event == protocol.EventStopped {
						return errStopped
					}
				case <-c.Done():
					return errors.New("daemon closed the channel")
				case <-ctx.Done():
					return nil
				}
			}
		})

		err = g.Wait()
		if errors.Is(err, errStopped) {
			fmt.Fprintln(out, "Done")
			return nil
		}
		if errors.Is(err, errFinished) || errors.Is(err, context.Canceled) {
			err = nil
		}
		if sendErr := c.SendCommand(protocol.CommandStop); sendErr != nil && err == nil {
			err = sendErr
		}
		fmt.Fprintln(out, "Done")
		return err
	},
}

func init() {
	playCmd.Flags().BoolVar(&playLoop, "loop", false, "restart the file when it ends")
	playCmd.Flags().DurationVar(&configTimeout, "timeout", 30*time.Second, "how long to wait for a configuration and for STARTED")
	rootCmd.AddCommand(playCmd)
}

func openSource(path string) (audiosrc.Source, error) {
	if !playLoop || path == "" {
		return audiosrc.Open(path)
	}
	return audiosrc.NewLoop(func() (audiosrc.Source, error) { return audiosrc.Open(path) })
}

// PCMFormat returns the PCM format the daemon expects for a configuration
func PCMFormat(cfg *protocol.AudioConfig) audio.Format {
	return audio.Format{
		SampleRate: int(cfg.SampleRate),
		Channels:   codec.ChannelMode(cfg.ChannelMode).Channels(),
		BitDepth:   int(cfg.BitsPerSample),
	}
}

// awaitConfig waits for a valid UPDATE_CONFIG
func awaitConfig(c *protocol.Client, timeout time.Duration) (*protocol.AudioConfig, error) {
	deadline := time.After(timeout)
	for {
		select {
		case n := <-c.Events:
			if n.Event == protocol.EventUpdateConfig && n.Config != nil && n.Config.Valid {
				return n.Config, nil
			}
		case <-c.Done():
			return nil, errors.New("daemon closed the channel")
		case <-deadline:
			return nil, fmt.Errorf("no audio configuration after %s; is a peer connected?", timeout)
		}
	}
}

// awaitStarted waits for the answer to START
func awaitStarted(c *protocol.Client, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		select {
		case n := <-c.Events:
			switch n.Event {
			case protocol.EventStarted:
				return nil
			case protocol.EventStartFail:
				return errors.New("daemon answered START_FAIL")
			}
		case <-c.Done():
			return errors.New("daemon closed the channel")
		case <-deadline:
			return fmt.Errorf("no STARTED after %s", timeout)
		}
	}
}
