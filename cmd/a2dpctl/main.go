// ABOUTME: Entry point for a2dpctl, the audio subsystem side of the A2DP channels
// ABOUTME: Drives a daemon's control and data channels from the command line
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
