// ABOUTME: Root command, global flags and daemon connection helpers
// ABOUTME: Resolves the daemon address from --server or an mDNS browse
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/discovery"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverAddr    string
	roleName      string
	browseTimeout time.Duration
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "a2dpctl",
	Short: "Control an a2dpd daemon as its audio subsystem",
	Long: `a2dpctl connects to the control and data channels a2dpd serves for one
role and plays the audio subsystem's part: it sends START, STOP and
CONFIG_DONE, prints the daemon's events and streams PCM into a source.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			log.SetOutput(io.Discard)
		}
		if _, err := device.ParseRole(roleName); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "daemon address host:port (default: discover over mDNS)")
	rootCmd.PersistentFlags().StringVarP(&roleName, "role", "r", "source", "role whose channels to use: source or sink")
	rootCmd.PersistentFlags().DurationVar(&browseTimeout, "browse-timeout", 10*time.Second, "how long to wait for mDNS discovery")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")
	log.SetOutput(os.Stderr)
}

// resolveServer returns --server or the first daemon found serving the role
func resolveServer(cmd *cobra.Command) (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}

	disc := discovery.NewManager(discovery.Config{})
	defer disc.Stop()
	if err := disc.Browse(); err != nil {
		return "", err
	}

	deadline := time.After(browseTimeout)
	for {
		select {
		case srv := <-disc.Servers():
			if !servesRole(srv, roleName) {
				continue
			}
			addr := srv.Host + ":" + strconv.Itoa(srv.Port)
			fmt.Fprintf(cmd.ErrOrStderr(), "Discovered %s at %s\n", srv.Name, addr)
			return addr, nil
		case <-deadline:
			return "", fmt.Errorf("no daemon serving %s found after %s", roleName, browseTimeout)
		}
	}
}

// servesRole reports whether a discovered daemon advertises role. Daemons
// that advertise no roles are assumed to serve it.
func servesRole(srv *discovery.ServerInfo, role string) bool {
	if len(srv.Roles) == 0 {
		return true
	}
	for _, r := range srv.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// connect opens both channels of the selected role
func connect(cmd *cobra.Command) (*protocol.Client, error) {
	addr, err := resolveServer(cmd)
	if err != nil {
		return nil, err
	}
	c := protocol.NewClient(protocol.Config{ServerAddr: addr, Role: roleName})
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return c, nil
}
