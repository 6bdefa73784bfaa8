// ABOUTME: A2DP audio control channel wire protocol package
// ABOUTME: Defines command and event codes, UPDATE_CONFIG frames, and a HAL client
// Package protocol implements the byte protocol spoken on the A2DP control
// channel between the streaming daemon and the local audio subsystem.
//
// Commands flow from the audio subsystem to the daemon and are single
// bytes that may arrive concatenated. Events flow the other way; the
// UPDATE_CONFIG event carries the negotiated stream format.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{ServerAddr: "localhost:8928", Role: "source"})
//	err := client.Connect()
//	err = client.SendCommand(protocol.CommandStart)
package protocol
