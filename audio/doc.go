// Package audio provides the audio-side building blocks of the soundmesh
// streaming pipeline: ring buffers for cross-task handoff, the codec
// adapter, the jitter buffer, and the source/sink abstractions over
// capture and playback hardware.
//
// The processing pipeline:
//
//	Source → RingBuffer → Codec.Encode → (wire/transport)
//	(wire/transport) → RingBuffer → Codec.Decode → JitterBuffer → Sink
//
// Each RingBuffer has exactly one producer and one registered consumer,
// assigned before the pipeline starts. Writers notify, readers wait with
// a timeout; no component in this package ever blocks on data.
package audio
