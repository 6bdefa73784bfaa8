// ABOUTME: PCM fundamentals shared by audio sources, encoders and the source engine
// ABOUTME: Defines Format and 16-bit sample conversion helpers
// Package audio provides the PCM types used between audio sources and the
// A2DP source engine.
//
// Samples travel as int32 values left-justified in a 24-bit range, the
// same way decoders produce them. The data channel carries 16-bit little
// endian PCM; the helpers here convert between the two.
//
// Example:
//
//	samples := make([]int32, len(pcm)/2)
//	n := audio.DecodePCM16(pcm, samples)
package audio
