// ABOUTME: Frame encoder package used by the A2DP source engine
// ABOUTME: Provides the Encoder interface and the SBC frame encoder
// Package encode provides per-frame audio encoders.
//
// The source engine hands an encoder exactly one codec frame of samples
// at a time (FrameSamples per channel, interleaved) and packs the
// returned bytes into a media packet.
//
// Example:
//
//	encoder, err := encode.New(cfg)
//	frame, err := encoder.Encode(samples)
package encode
