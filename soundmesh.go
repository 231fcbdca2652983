// Package soundmesh assembles a complete mesh audio node from its
// parts: codec, pipeline, UDP transport, dedupe cache and relay logic.
//
// A node has a role. A "tx" node captures, encodes and broadcasts. An
// "rx" node receives, decodes and plays. A "combo" node does both.
// Every role can additionally relay packets for nodes out of direct
// radio range, with TTL and a dedupe cache bounding the flood.
package soundmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/justinjohnso/soundmesh-sub000/audio"
	"github.com/justinjohnso/soundmesh-sub000/config"
	"github.com/justinjohnso/soundmesh-sub000/pipeline"
	"github.com/justinjohnso/soundmesh-sub000/transport"
	"github.com/justinjohnso/soundmesh-sub000/wire"
)

// Node lifecycle errors.
var (
	// ErrNodeRunning indicates Start on an already running node.
	ErrNodeRunning = errors.New("node already running")

	// ErrNodeStopped indicates an operation that needs a running node.
	ErrNodeStopped = errors.New("node not running")

	// ErrInputUnavailable indicates an input mode whose collaborator
	// was not provided in Options.
	ErrInputUnavailable = errors.New("input not available")
)

// Options supplies the I/O endpoints a node attaches to. Input feeds
// the aux capture path, Output receives playback PCM, Monitor mirrors
// captured audio locally. Any may be nil.
type Options struct {
	Input   io.Reader
	Output  io.Writer
	Monitor io.Writer
}

// Node is one soundmesh participant.
type Node struct {
	cfg  *config.Config
	opts Options

	pipe     *pipeline.Pipeline
	udp      *transport.UDPTransport
	dedupe   *transport.Deduper
	source   *switchableSource
	wireType wire.PacketType

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	invalidPackets  uint64
	dupePackets     uint64
	loopbackPackets uint64
	relayed         uint64
	statsMu         sync.Mutex
}

// New builds a node from a validated configuration.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"role":       cfg.Role,
		"codec":      cfg.Audio.Codec,
		"input_mode": cfg.Audio.InputMode,
		"relay":      cfg.Network.Relay,
	}).Info("Creating soundmesh node")

	n := &Node{cfg: cfg, opts: opts}

	codec, wireType, err := n.buildCodec()
	if err != nil {
		return nil, err
	}
	n.wireType = wireType

	udp, err := transport.NewUDPTransport(transport.Config{
		GroupAddr:    cfg.Network.GroupAddr,
		AudioPort:    cfg.Network.AudioPort,
		ControlPort:  cfg.Network.ControlPort,
		PingInterval: time.Duration(cfg.Network.PingIntervalMs) * time.Millisecond,
		StreamID:     uint8(cfg.Network.StreamID),
		TTL:          uint8(cfg.Network.TTL),
	})
	if err != nil {
		codec.Close()
		return nil, err
	}
	n.udp = udp

	dedupe, err := transport.NewDeduper(cfg.Network.DedupeCacheSize)
	if err != nil {
		udp.Close()
		codec.Close()
		return nil, err
	}
	n.dedupe = dedupe

	pcfg := pipeline.Config{
		FrameSamples:        cfg.FrameSamples(),
		Channels:            cfg.Audio.Channels,
		FrameMs:             cfg.Audio.FrameMs,
		PCMBufferFrames:     cfg.Buffers.PCMBufferFrames,
		EncodedBufferFrames: cfg.Buffers.OpusBufferFrames,
		JitterFrames:        cfg.Buffers.JitterBufferFrames,
		JitterPrefill:       cfg.Buffers.JitterPrefillFrames,
		StreamID:            uint8(cfg.Network.StreamID),
		TTL:                 uint8(cfg.Network.TTL),
		MaxPayload:          n.maxPayload(),
		WireType:            wireType,
		OutputGain:          cfg.Audio.OutputGain,
		Codec:               codec,
		Sender:              udp,
	}

	if cfg.Role == "tx" || cfg.Role == "combo" {
		src, err := n.buildSource(cfg.Audio.InputMode)
		if err != nil {
			udp.Close()
			codec.Close()
			return nil, err
		}
		n.source = &switchableSource{current: src}
		pcfg.Source = n.source

		if cfg.Audio.LocalMonitor && opts.Monitor != nil {
			pcfg.Monitor = audio.NewWriterSink(opts.Monitor)
		}
	}

	if cfg.Role == "rx" || cfg.Role == "combo" {
		if opts.Output != nil {
			pcfg.Sink = audio.NewWriterSink(opts.Output)
		} else {
			pcfg.Sink = audio.NewNullSink()
		}
	}

	pipe, err := pipeline.NewPipeline(pcfg)
	if err != nil {
		udp.Close()
		codec.Close()
		return nil, err
	}
	n.pipe = pipe

	return n, nil
}

// buildCodec constructs the configured codec and the matching wire
// packet type.
func (n *Node) buildCodec() (audio.Codec, wire.PacketType, error) {
	switch n.cfg.Audio.Codec {
	case "pcm":
		return audio.NewPCMCodec(n.cfg.FrameSamples(), n.cfg.Audio.Channels),
			wire.PacketAudioRaw, nil
	default:
		codec, err := audio.NewOpusCodec(audio.OpusConfig{
			SampleRate: n.cfg.Audio.SampleRate,
			Channels:   n.cfg.Audio.Channels,
			FrameMs:    n.cfg.Audio.FrameMs,
			Bitrate:    n.cfg.Audio.Bitrate,
			Complexity: n.cfg.Audio.Complexity,
			MaxBytes:   config.DefaultMaxFrameBytes,
		})
		if err != nil {
			return nil, 0, err
		}
		return codec, wire.PacketAudioOpus, nil
	}
}

// maxPayload bounds one audio payload on the wire for the active codec.
func (n *Node) maxPayload() int {
	if n.cfg.Audio.Codec == "pcm" {
		return n.cfg.FrameBytes()
	}
	return config.DefaultMaxFrameBytes
}

// buildSource constructs the capture source for an input mode.
func (n *Node) buildSource(mode string) (audio.Source, error) {
	switch mode {
	case "aux":
		if n.opts.Input == nil {
			return nil, fmt.Errorf("%w: aux input requires an input reader", ErrInputUnavailable)
		}
		return audio.NewAuxSource(n.opts.Input), nil
	case "tone":
		return audio.NewToneSource(n.cfg.Audio.ToneHz, n.cfg.Audio.SampleRate), nil
	case "usb":
		return audio.NewUSBSource(), nil
	}
	return nil, fmt.Errorf("%w: unknown input mode %q", ErrInputUnavailable, mode)
}

// SetInputMode switches the capture input without restarting the
// pipeline. The new source takes effect on the next captured frame.
func (n *Node) SetInputMode(mode string) error {
	if n.source == nil {
		return fmt.Errorf("%w: node has no transmit path", ErrInputUnavailable)
	}

	src, err := n.buildSource(mode)
	if err != nil {
		return err
	}
	n.source.swap(src)

	logrus.WithFields(logrus.Fields{
		"function": "Node.SetInputMode",
		"mode":     mode,
	}).Info("Input mode switched")

	return nil
}

// Start launches the pipeline and the receive loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrNodeRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := n.pipe.Start(runCtx); err != nil {
		cancel()
		return err
	}

	n.cancel = cancel
	n.done = make(chan struct{})
	n.running = true

	go n.recvLoop(runCtx)

	// announce presence so peers learn about this node before the
	// first ping cycle completes
	if err := n.udp.SendHeartbeat(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.Start",
			"error":    err,
		}).Warn("Failed to send startup heartbeat")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Node.Start",
		"role":     n.cfg.Role,
	}).Info("Node started")

	return nil
}

// Stop halts the receive loop and the pipeline. The node can be
// started again.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNodeStopped
	}

	n.cancel()
	<-n.done
	err := n.pipe.Stop()
	n.running = false

	logrus.WithFields(logrus.Fields{
		"function": "Node.Stop",
	}).Info("Node stopped")

	return err
}

// Close releases everything. The node must be stopped first unless it
// never ran.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrNodeRunning
	}

	pipeErr := n.pipe.Destroy()
	udpErr := n.udp.Close()
	if pipeErr != nil {
		return pipeErr
	}
	return udpErr
}

// recvLoop drives the audio socket: validate, dedupe, relay, deliver.
func (n *Node) recvLoop(ctx context.Context) {
	defer close(n.done)

	buf := make([]byte, wire.HeaderSize+n.maxPayload()+64)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nr, addr, err := n.udp.RecvAudio(buf, 100*time.Millisecond)
		if err != nil {
			if errors.Is(err, transport.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Node.recvLoop",
				"error":    err,
			}).Debug("Audio socket read error")
			continue
		}

		n.handleDatagram(buf[:nr], addr)
	}
}

func (n *Node) handleDatagram(data []byte, addr net.Addr) {
	// broadcast loops our own sends back through the local stack; a
	// packet sourced from our own audio socket is ours, whatever its
	// stream or sequence, and must not be played or re-relayed
	if n.udp.IsLocalAudioAddr(addr) {
		n.statsMu.Lock()
		n.loopbackPackets++
		n.statsMu.Unlock()
		return
	}

	streamID, seq, ok := wire.PeekStreamSeq(data)
	if !ok {
		n.statsMu.Lock()
		n.invalidPackets++
		n.statsMu.Unlock()
		return
	}

	// flood relay delivers every packet over every path; first sight
	// wins, later copies are dropped here
	if n.dedupe.Seen(streamID, seq) {
		n.statsMu.Lock()
		n.dupePackets++
		n.statsMu.Unlock()
		return
	}

	if n.cfg.Network.Relay {
		n.relay(data)
	}

	if streamID != uint8(n.cfg.Network.StreamID) {
		return
	}
	if n.cfg.Role == "tx" {
		return
	}

	pkt, err := wire.ParsePacket(data)
	if err != nil || pkt.Type != n.wireType {
		n.statsMu.Lock()
		n.invalidPackets++
		n.statsMu.Unlock()
		return
	}

	n.pipe.Feed(pkt)
}

// relay re-broadcasts a packet with its TTL decremented. Packets on
// their last hop are delivered locally but not forwarded.
func (n *Node) relay(data []byte) {
	fwd := make([]byte, len(data))
	copy(fwd, data)

	if !wire.DecrementTTL(fwd) {
		return
	}

	if err := n.udp.SendAudio(fwd); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Node.relay",
			"error":    err,
		}).Debug("Relay send failed")
		return
	}

	n.statsMu.Lock()
	n.relayed++
	n.statsMu.Unlock()
}

// NodeStats aggregates pipeline, transport and mesh counters.
type NodeStats struct {
	Pipeline pipeline.Stats

	// Latency is the smoothed one-way control-plane latency estimate.
	Latency time.Duration

	InvalidPackets uint64
	DupePackets    uint64

	// LoopbackPackets counts our own broadcasts heard back from the
	// local stack and discarded.
	LoopbackPackets uint64

	Relayed uint64
	Peers   int
}

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() NodeStats {
	n.statsMu.Lock()
	invalid, dupes, loopback, relayed := n.invalidPackets, n.dupePackets, n.loopbackPackets, n.relayed
	n.statsMu.Unlock()

	return NodeStats{
		Pipeline:        n.pipe.Stats(),
		Latency:         n.udp.Latency(),
		InvalidPackets:  invalid,
		DupePackets:     dupes,
		LoopbackPackets: loopback,
		Relayed:         relayed,
		Peers:           len(n.udp.Peers()),
	}
}

// switchableSource lets the capture input be swapped while the
// pipeline keeps running.
type switchableSource struct {
	mu      sync.Mutex
	current audio.Source
}

func (s *switchableSource) swap(src audio.Source) {
	s.mu.Lock()
	s.current = src
	s.mu.Unlock()
}

func (s *switchableSource) ReadFrame(buf []int16) error {
	s.mu.Lock()
	src := s.current
	s.mu.Unlock()
	return src.ReadFrame(buf)
}
