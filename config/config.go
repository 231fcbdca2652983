// Package config loads and validates soundmesh node configuration from
// YAML, with firmware-tuned defaults for every field.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default stream and buffer tuning. These match the latency budget of a
// 20 ms frame pipeline on a lossy radio link.
const (
	DefaultSampleRate = 48000
	DefaultFrameMs    = 20
	DefaultChannels   = 1
	DefaultBitrate    = 64000
	DefaultComplexity = 5

	// DefaultMaxFrameBytes bounds one encoded frame on the wire.
	DefaultMaxFrameBytes = 512

	DefaultPCMBufferFrames     = 4
	DefaultOpusBufferFrames    = 8
	DefaultJitterBufferFrames  = 3
	DefaultJitterPrefillFrames = 2

	DefaultAudioPort   = 5004
	DefaultControlPort = 5005
	DefaultTTL         = 6
	DefaultStreamID    = 1

	DefaultPingIntervalMs  = 1000
	DefaultDedupeCacheSize = 256

	DefaultToneHz     = 440
	DefaultOutputGain = 2.0
)

// Audio holds the stream format and capture settings.
type Audio struct {
	SampleRate int     `yaml:"sample_rate"`
	FrameMs    int     `yaml:"frame_ms"`
	Channels   int     `yaml:"channels"`
	Bitrate    int     `yaml:"bitrate"`
	Complexity int     `yaml:"complexity"`
	Codec      string  `yaml:"codec"`      // "opus" or "pcm"
	InputMode  string  `yaml:"input_mode"` // "aux", "tone" or "usb"
	ToneHz     float64 `yaml:"tone_hz"`
	OutputGain float64 `yaml:"output_gain"`

	// LocalMonitor mirrors captured audio to the local output while
	// transmitting, for operator foldback.
	LocalMonitor bool `yaml:"local_monitor"`
}

// Network holds transport addressing and mesh forwarding settings.
type Network struct {
	// GroupAddr is the peer or multicast group packets are sent to.
	GroupAddr   string `yaml:"group_addr"`
	AudioPort   int    `yaml:"audio_port"`
	ControlPort int    `yaml:"control_port"`
	TTL         int    `yaml:"ttl"`
	StreamID    int    `yaml:"stream_id"`

	PingIntervalMs int `yaml:"ping_interval_ms"`

	// Relay re-broadcasts packets from other nodes with TTL decremented.
	Relay           bool `yaml:"relay"`
	DedupeCacheSize int  `yaml:"dedupe_cache_size"`
}

// Buffers holds the pipeline queue depths, all counted in frames.
type Buffers struct {
	PCMBufferFrames     int `yaml:"pcm_buffer_frames"`
	OpusBufferFrames    int `yaml:"opus_buffer_frames"`
	JitterBufferFrames  int `yaml:"jitter_buffer_frames"`
	JitterPrefillFrames int `yaml:"jitter_prefill_frames"`
}

// Config is the full node configuration.
type Config struct {
	LogLevel string  `yaml:"log_level"`
	Role     string  `yaml:"role"` // "tx", "rx" or "combo"
	Audio    Audio   `yaml:"audio"`
	Network  Network `yaml:"network"`
	Buffers  Buffers `yaml:"buffers"`
}

// Default returns a configuration with every field at its tuned default.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Role:     "combo",
		Audio: Audio{
			SampleRate: DefaultSampleRate,
			FrameMs:    DefaultFrameMs,
			Channels:   DefaultChannels,
			Bitrate:    DefaultBitrate,
			Complexity: DefaultComplexity,
			Codec:      "opus",
			InputMode:  "tone",
			ToneHz:     DefaultToneHz,
			OutputGain: DefaultOutputGain,
		},
		Network: Network{
			GroupAddr:       "255.255.255.255",
			AudioPort:       DefaultAudioPort,
			ControlPort:     DefaultControlPort,
			TTL:             DefaultTTL,
			StreamID:        DefaultStreamID,
			PingIntervalMs:  DefaultPingIntervalMs,
			DedupeCacheSize: DefaultDedupeCacheSize,
		},
		Buffers: Buffers{
			PCMBufferFrames:     DefaultPCMBufferFrames,
			OpusBufferFrames:    DefaultOpusBufferFrames,
			JitterBufferFrames:  DefaultJitterBufferFrames,
			JitterPrefillFrames: DefaultJitterPrefillFrames,
		},
	}
}

// Load reads a YAML configuration file over the defaults: absent fields
// keep their default values.
func Load(path string) (*Config, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Debug("Loading configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every field for internal consistency. A config that
// passes Validate can always construct a working pipeline.
func (c *Config) Validate() error {
	switch c.Role {
	case "tx", "rx", "combo":
	default:
		return fmt.Errorf("invalid role %q (must be tx, rx or combo)", c.Role)
	}

	switch c.Audio.Codec {
	case "opus", "pcm":
	default:
		return fmt.Errorf("invalid codec %q (must be opus or pcm)", c.Audio.Codec)
	}

	switch c.Audio.InputMode {
	case "aux", "tone", "usb":
	default:
		return fmt.Errorf("invalid input_mode %q (must be aux, tone or usb)", c.Audio.InputMode)
	}

	switch c.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("invalid sample_rate %d (opus requires 8/12/16/24/48 kHz)", c.Audio.SampleRate)
	}

	switch c.Audio.FrameMs {
	case 5, 10, 20, 40, 60:
	default:
		return fmt.Errorf("invalid frame_ms %d (must be 5, 10, 20, 40 or 60)", c.Audio.FrameMs)
	}

	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("invalid channels %d (must be 1 or 2)", c.Audio.Channels)
	}
	if c.Audio.Bitrate < 6000 || c.Audio.Bitrate > 510000 {
		return fmt.Errorf("invalid bitrate %d (opus range is 6000..510000)", c.Audio.Bitrate)
	}
	if c.Audio.Complexity < 0 || c.Audio.Complexity > 10 {
		return fmt.Errorf("invalid complexity %d (must be 0..10)", c.Audio.Complexity)
	}
	if c.Audio.OutputGain <= 0 {
		return fmt.Errorf("invalid output_gain %v (must be positive)", c.Audio.OutputGain)
	}
	if c.Audio.InputMode == "tone" && c.Audio.ToneHz <= 0 {
		return fmt.Errorf("invalid tone_hz %v (must be positive)", c.Audio.ToneHz)
	}

	if c.Network.AudioPort < 1 || c.Network.AudioPort > 65535 {
		return fmt.Errorf("invalid audio_port %d", c.Network.AudioPort)
	}
	if c.Network.ControlPort < 1 || c.Network.ControlPort > 65535 {
		return fmt.Errorf("invalid control_port %d", c.Network.ControlPort)
	}
	if c.Network.AudioPort == c.Network.ControlPort {
		return fmt.Errorf("audio_port and control_port must differ, both are %d", c.Network.AudioPort)
	}
	if c.Network.TTL < 1 || c.Network.TTL > 255 {
		return fmt.Errorf("invalid ttl %d (must be 1..255)", c.Network.TTL)
	}
	if c.Network.StreamID < 0 || c.Network.StreamID > 255 {
		return fmt.Errorf("invalid stream_id %d (must fit one byte)", c.Network.StreamID)
	}
	if c.Network.PingIntervalMs < 100 {
		return fmt.Errorf("invalid ping_interval_ms %d (minimum 100)", c.Network.PingIntervalMs)
	}
	if c.Network.DedupeCacheSize < 1 {
		return fmt.Errorf("invalid dedupe_cache_size %d", c.Network.DedupeCacheSize)
	}

	if c.Buffers.PCMBufferFrames < 1 {
		return fmt.Errorf("invalid pcm_buffer_frames %d", c.Buffers.PCMBufferFrames)
	}
	if c.Buffers.OpusBufferFrames < 1 {
		return fmt.Errorf("invalid opus_buffer_frames %d", c.Buffers.OpusBufferFrames)
	}
	if c.Buffers.JitterBufferFrames < 1 {
		return fmt.Errorf("invalid jitter_buffer_frames %d", c.Buffers.JitterBufferFrames)
	}
	if c.Buffers.JitterPrefillFrames < 1 ||
		c.Buffers.JitterPrefillFrames > c.Buffers.JitterBufferFrames {
		return fmt.Errorf("invalid jitter_prefill_frames %d (must be 1..jitter_buffer_frames)",
			c.Buffers.JitterPrefillFrames)
	}

	return nil
}

// FrameSamples is the number of samples per channel in one frame.
func (c *Config) FrameSamples() int {
	return c.Audio.SampleRate * c.Audio.FrameMs / 1000
}

// FrameBytes is the size of one PCM frame in bytes across all channels.
func (c *Config) FrameBytes() int {
	return c.FrameSamples() * c.Audio.Channels * 2
}

// ParseLogLevel maps the configured level onto logrus, defaulting to
// info on an unknown value.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
