// Package pipeline orchestrates the audio stages of one soundmesh node:
// capture, encode and send on the transmit side; decode, jitter
// buffering and playback on the receive side.
//
// Stages are connected by event-driven ring buffers and run as
// supervised goroutines. The pipeline never blocks a producer: when a
// stage falls behind, frames are dropped and counted, and the stream
// keeps real-time pace.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/justinjohnso/soundmesh-sub000/audio"
	"github.com/justinjohnso/soundmesh-sub000/wire"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
	StateDestroyed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Sender transmits one framed audio packet. *transport.UDPTransport
// satisfies it; tests substitute a recorder.
type Sender interface {
	SendAudio(data []byte) error
}

// Config assembles a pipeline from its collaborators. Source plus
// Sender enables the transmit path, Sink enables the receive path; a
// combo node sets all three.
type Config struct {
	FrameSamples int
	Channels     int
	FrameMs      int

	PCMBufferFrames     int
	EncodedBufferFrames int
	JitterFrames        int
	JitterPrefill       int

	StreamID   uint8
	TTL        uint8
	MaxPayload int

	// WireType selects the audio packet type on the wire. Zero value
	// means Opus.
	WireType wire.PacketType

	OutputGain float64

	Codec   audio.Codec
	Source  audio.Source
	Sink    audio.Sink
	Monitor audio.Sink
	Sender  Sender
}

// Pipeline runs the audio stages of one node. Create with NewPipeline,
// drive incoming packets through Feed, and manage the lifecycle with
// Start, Stop and Destroy.
type Pipeline struct {
	cfg        Config
	frameBytes int
	wireType   wire.PacketType

	state atomic.Int32

	framer *wire.Framer

	deframerMu sync.Mutex
	deframer   *wire.Deframer

	pcmRing *audio.RingBuffer // captured PCM, stream mode
	encRing *audio.RingBuffer // received encoded frames, item mode
	jitter  *audio.JitterBuffer

	encodeWake chan struct{}
	decodeWake chan struct{}

	ctr counters

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPipeline validates the configuration and allocates the stage
// buffers. The pipeline starts in StateCreated; no goroutines run until
// Start.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil && cfg.Sink == nil {
		return nil, ErrNoDirection
	}
	if cfg.Codec == nil {
		return nil, errors.New("pipeline requires a codec")
	}
	if cfg.Source != nil && cfg.Sender == nil {
		return nil, errors.New("transmit pipeline requires a sender")
	}

	frameBytes := cfg.FrameSamples * cfg.Channels * 2
	if frameBytes <= 0 {
		return nil, errors.New("invalid frame geometry")
	}
	if cfg.OutputGain == 0 {
		cfg.OutputGain = 1.0
	}

	wireType := cfg.WireType
	if wireType == 0 {
		wireType = wire.PacketAudioOpus
	}

	p := &Pipeline{
		cfg:        cfg,
		frameBytes: frameBytes,
		wireType:   wireType,
	}

	if cfg.Source != nil {
		pcmRing, err := audio.NewRingBuffer(cfg.PCMBufferFrames*frameBytes, audio.ModeStream)
		if err != nil {
			return nil, err
		}
		p.pcmRing = pcmRing
		p.framer = wire.NewFramer(cfg.StreamID, cfg.TTL, cfg.MaxPayload)
		p.encodeWake = make(chan struct{}, 1)
	}

	if cfg.Sink != nil {
		encRing, err := audio.NewRingBuffer(cfg.EncodedBufferFrames*cfg.MaxPayload, audio.ModeItem)
		if err != nil {
			return nil, err
		}
		jitter, err := audio.NewJitterBuffer(cfg.JitterFrames, cfg.JitterPrefill, frameBytes)
		if err != nil {
			return nil, err
		}
		p.encRing = encRing
		p.jitter = jitter
		p.deframer = wire.NewDeframer()
		p.decodeWake = make(chan struct{}, 1)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewPipeline",
		"frame_samples": cfg.FrameSamples,
		"frame_ms":      cfg.FrameMs,
		"transmit":      cfg.Source != nil,
		"receive":       cfg.Sink != nil,
	}).Info("Pipeline created")

	return p, nil
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Start launches the stage goroutines. Starting a pipeline that is
// already running is a no-op; a destroyed pipeline cannot be started.
func (p *Pipeline) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if State(p.state.Load()) == StateRunning {
		return nil
	}
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) &&
		!p.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return ErrInvalidState
	}

	if p.pcmRing != nil {
		if err := p.pcmRing.SetConsumer(p.encodeWake); err != nil {
			p.state.Store(int32(StateStopped))
			return err
		}
	}
	if p.encRing != nil {
		if err := p.encRing.SetConsumer(p.decodeWake); err != nil {
			p.state.Store(int32(StateStopped))
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	p.cancel = cancel
	p.group = group

	if p.cfg.Source != nil {
		group.Go(func() error { return p.captureLoop(gctx) })
		group.Go(func() error { return p.encodeLoop(gctx) })
	}
	if p.cfg.Sink != nil {
		group.Go(func() error { return p.decodeLoop(gctx) })
		group.Go(func() error { return p.playbackLoop(gctx) })
	}

	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Start",
	}).Info("Pipeline started")

	return nil
}

// Stop halts the stage goroutines and drains nothing: in-flight frames
// are discarded with the buffers intact for the next Start. Stopping a
// pipeline that is not running is a no-op.
func (p *Pipeline) Stop() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	p.cancel()
	err := p.group.Wait()

	if p.pcmRing != nil {
		_ = p.pcmRing.SetConsumer(nil)
	}
	if p.encRing != nil {
		_ = p.encRing.SetConsumer(nil)
	}

	p.state.Store(int32(StateStopped))

	logrus.WithFields(logrus.Fields{
		"function": "Pipeline.Stop",
	}).Info("Pipeline stopped")

	return err
}

// Destroy releases the codec. The pipeline must not be running; call
// Stop first. After Destroy the pipeline is unusable.
func (p *Pipeline) Destroy() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	switch State(p.state.Load()) {
	case StateCreated, StateStopped:
	case StateDestroyed:
		return nil
	default:
		return ErrInvalidState
	}

	p.state.Store(int32(StateDestroyed))
	return p.cfg.Codec.Close()
}

// Feed hands one received audio packet to the decode stage. Sequence
// gaps are accounted as loss; a full queue drops the packet rather than
// blocking the caller.
func (p *Pipeline) Feed(pkt *wire.Packet) {
	if State(p.state.Load()) != StateRunning || p.encRing == nil {
		return
	}

	p.ctr.packetsReceived.Add(1)

	p.deframerMu.Lock()
	lost := p.deframer.Observe(pkt.Seq)
	p.deframerMu.Unlock()
	if lost > 0 {
		p.ctr.packetsLost.Add(uint64(lost))
	}

	if err := p.encRing.Write(pkt.Payload); err != nil {
		p.ctr.queueDrops.Add(1)
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		FramesCaptured:  p.ctr.framesCaptured.Load(),
		FramesEncoded:   p.ctr.framesEncoded.Load(),
		PacketsSent:     p.ctr.packetsSent.Load(),
		SendErrors:      p.ctr.sendErrors.Load(),
		QueueDrops:      p.ctr.queueDrops.Load(),
		PacketsReceived: p.ctr.packetsReceived.Load(),
		PacketsLost:     p.ctr.packetsLost.Load(),
		DecodeErrors:    p.ctr.decodeErrors.Load(),
		FramesDecoded:   p.ctr.framesDecoded.Load(),
		FramesPlayed:    p.ctr.framesPlayed.Load(),
		JitterDrops:     p.ctr.jitterDrops.Load(),
		EncodeUs:        p.ctr.encodeUs.Load(),
		DecodeUs:        p.ctr.decodeUs.Load(),
	}
	if p.jitter != nil {
		s.JitterUnderruns = p.jitter.Underruns()
		s.JitterOverruns = p.jitter.Overruns()
		s.JitterFill = p.jitter.Fill()
		s.JitterCapacity = p.jitter.Capacity()
	}
	return s
}

// captureLoop pulls PCM frames from the source at frame cadence and
// queues them for encoding.
func (p *Pipeline) captureLoop(ctx context.Context) error {
	pcm := make([]int16, p.cfg.FrameSamples*p.cfg.Channels)
	raw := make([]byte, p.frameBytes)

	ticker := time.NewTicker(time.Duration(p.cfg.FrameMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := p.cfg.Source.ReadFrame(pcm); err != nil {
			if errors.Is(err, audio.ErrNoData) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.captureLoop",
				"error":    err,
			}).Warn("Capture failed")
			continue
		}

		p.ctr.framesCaptured.Add(1)

		if p.cfg.Monitor != nil {
			if err := p.cfg.Monitor.WriteFrame(pcm); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Pipeline.captureLoop",
					"error":    err,
				}).Debug("Monitor write failed")
			}
		}

		pcmToBytes(pcm, raw)
		if err := p.pcmRing.Write(raw); err != nil {
			p.ctr.queueDrops.Add(1)
		}
	}
}

// encodeLoop drains the PCM ring frame by frame, encodes and sends.
// It wakes on ring writes and always drains to below one frame.
func (p *Pipeline) encodeLoop(ctx context.Context) error {
	pcm := make([]int16, p.cfg.FrameSamples*p.cfg.Channels)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.encodeWake:
		}

		for p.pcmRing.Available() >= p.frameBytes {
			raw, err := p.pcmRing.Read(p.frameBytes)
			if err != nil {
				break
			}
			bytesToPCM(raw, pcm)

			start := time.Now()
			encoded, err := p.cfg.Codec.Encode(pcm)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Pipeline.encodeLoop",
					"error":    err,
				}).Warn("Encode failed")
				continue
			}
			ewma(&p.ctr.encodeUs, time.Since(start).Microseconds())
			p.ctr.framesEncoded.Add(1)

			data, err := p.framer.Frame(p.wireType, encoded)
			if err != nil {
				p.ctr.sendErrors.Add(1)
				continue
			}
			if err := p.cfg.Sender.SendAudio(data); err != nil {
				p.ctr.sendErrors.Add(1)
				continue
			}
			p.ctr.packetsSent.Add(1)
		}
	}
}

// decodeLoop drains received encoded frames into the jitter buffer.
func (p *Pipeline) decodeLoop(ctx context.Context) error {
	raw := make([]byte, p.frameBytes)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.decodeWake:
		}

		for {
			item, err := p.encRing.ReceiveItem()
			if err != nil {
				break
			}

			start := time.Now()
			pcm, decErr := p.cfg.Codec.Decode(item)
			p.encRing.ReturnItem(item)

			if decErr != nil {
				p.ctr.decodeErrors.Add(1)
				continue
			}
			ewma(&p.ctr.decodeUs, time.Since(start).Microseconds())
			p.ctr.framesDecoded.Add(1)

			n := len(pcm) * 2
			if n > len(raw) {
				n = len(raw)
				pcm = pcm[:len(raw)/2]
			}
			pcmToBytes(pcm, raw[:n])

			if err := p.jitter.Push(raw[:n]); err != nil {
				p.ctr.jitterDrops.Add(1)
			}
		}
	}
}

// playbackLoop pops one frame per frame period, applies output gain and
// writes it to the sink. The jitter buffer supplies silence while
// priming or starved, so the sink sees an unbroken sample stream.
func (p *Pipeline) playbackLoop(ctx context.Context) error {
	pcm := make([]int16, p.cfg.FrameSamples*p.cfg.Channels)

	ticker := time.NewTicker(time.Duration(p.cfg.FrameMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame := p.jitter.Pop()
		n := len(frame) / 2
		if n > len(pcm) {
			n = len(pcm)
		}
		bytesToPCM(frame[:n*2], pcm[:n])

		audio.ApplyGain(pcm[:n], p.cfg.OutputGain)

		if err := p.cfg.Sink.WriteFrame(pcm[:n]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.playbackLoop",
				"error":    err,
			}).Warn("Playback write failed")
			continue
		}
		p.ctr.framesPlayed.Add(1)
	}
}

func pcmToBytes(pcm []int16, raw []byte) {
	for i, s := range pcm {
		raw[i*2] = byte(s)
		raw[i*2+1] = byte(s >> 8)
	}
}

func bytesToPCM(raw []byte, pcm []int16) {
	for i := range pcm {
		pcm[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
}
