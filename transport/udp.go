// Package transport carries soundmesh packets over UDP broadcast.
//
// Two sockets are kept per node: an audio socket and a control socket,
// each marked with its own DSCP class so queue-aware links can
// prioritize control traffic over bulk audio. Sends never block the
// audio pipeline: transient kernel and link errors are swallowed as
// packet loss, which the receive side already tolerates.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/justinjohnso/soundmesh-sub000/wire"
)

// DSCP markings for the two traffic classes.
const (
	// tosControl is Expedited Forwarding: pings must cut the queue.
	tosControl = 0xB8
	// tosAudio is CS1: bulk media, below control but above best effort.
	tosAudio = 0x20
)

// Control message kinds carried in a PacketControl payload.
const (
	ctrlPing      = 0x01
	ctrlPong      = 0x02
	ctrlHeartbeat = 0x03
)

// controlMsgLen is kind byte plus a 64-bit send timestamp.
const controlMsgLen = 9

// recvBufSize bounds one datagram: wire header plus the largest frame.
const recvBufSize = 2048

// syntheticLatencyUs is reported before any pong has been heard, so
// latency consumers always see a bounded, plausible estimate instead
// of zero.
const syntheticLatencyUs = 25000

// Config holds the transport addressing.
type Config struct {
	// GroupAddr is the broadcast or peer address packets are sent to.
	GroupAddr   string
	AudioPort   int
	ControlPort int

	// PingInterval paces latency probes on the control socket.
	PingInterval time.Duration

	// StreamID tags control packets originated by this node.
	StreamID uint8
	TTL      uint8
}

// UDPTransport is the dual-socket UDP transport for one node.
//
// The control socket is serviced by an internal goroutine that answers
// pings and folds pong round-trips into a smoothed one-way latency
// estimate. The audio socket is driven externally by the node's receive
// loop.
type UDPTransport struct {
	audioConn   net.PacketConn
	controlConn net.PacketConn
	audioDest   net.Addr
	controlDest net.Addr
	audioPort   int
	controlPort int

	// localIPs identifies this host's own addresses so broadcast
	// loopback copies can be told apart from real peer traffic.
	localIPs map[string]bool

	framer *wire.Framer

	mu          sync.Mutex
	latencyUs   int64 // smoothed one-way latency, microseconds
	lastPingUs  int64 // timestamp carried by the outstanding ping
	pingPending bool
	peers       map[string]time.Time

	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	sendErrors      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewUDPTransport binds both sockets and starts the control loop.
func NewUDPTransport(cfg Config) (*UDPTransport, error) {
	logrus.WithFields(logrus.Fields{
		"function":     "NewUDPTransport",
		"group_addr":   cfg.GroupAddr,
		"audio_port":   cfg.AudioPort,
		"control_port": cfg.ControlPort,
	}).Info("Creating UDP transport")

	audioConn, err := listenBroadcast(cfg.AudioPort, tosAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to bind audio socket: %w", err)
	}

	controlConn, err := listenBroadcast(cfg.ControlPort, tosControl)
	if err != nil {
		audioConn.Close()
		return nil, fmt.Errorf("failed to bind control socket: %w", err)
	}

	audioDest, err := net.ResolveUDPAddr("udp4",
		fmt.Sprintf("%s:%d", cfg.GroupAddr, cfg.AudioPort))
	if err != nil {
		audioConn.Close()
		controlConn.Close()
		return nil, fmt.Errorf("failed to resolve group address: %w", err)
	}
	controlDest := &net.UDPAddr{IP: audioDest.IP, Port: cfg.ControlPort}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		audioConn:   audioConn,
		controlConn: controlConn,
		audioDest:   audioDest,
		controlDest: controlDest,
		audioPort:   cfg.AudioPort,
		controlPort: cfg.ControlPort,
		localIPs:    localIPSet(),
		framer:      wire.NewFramer(cfg.StreamID, cfg.TTL, controlMsgLen),
		peers:       make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}

	t.wg.Add(1)
	go t.controlLoop()

	if cfg.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop(cfg.PingInterval)
	}

	return t, nil
}

// listenBroadcast binds a UDP socket with SO_BROADCAST set and the given
// DSCP marking applied to outgoing packets.
func listenBroadcast(port int, tos int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd),
					syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
				if sockErr == nil {
					sockErr = syscall.SetsockoptInt(int(fd),
						syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}

	// Best effort: links that ignore DSCP still carry the traffic.
	if err := ipv4.NewPacketConn(conn).SetTOS(tos); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "listenBroadcast",
			"port":     port,
			"error":    err,
		}).Debug("Failed to set TOS, continuing without QoS marking")
	}

	return conn, nil
}

// localIPSet collects this host's interface addresses. Broadcast sends
// loop back through the local stack, so every datagram sourced from one
// of these addresses on one of our own ports is our own traffic.
func localIPSet() map[string]bool {
	set := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			set[ipn.IP.String()] = true
		}
	}
	return set
}

// isSelf reports whether addr is this node's own socket on the given
// port.
func (t *UDPTransport) isSelf(addr net.Addr, port int) bool {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	return udp.Port == port && t.localIPs[udp.IP.String()]
}

// IsLocalAudioAddr reports whether addr is this node's own audio
// socket: the source of a broadcast loopback copy of our own send.
func (t *UDPTransport) IsLocalAudioAddr(addr net.Addr) bool {
	return t.isSelf(addr, t.audioPort)
}

// SendAudio broadcasts one already-framed audio packet.
//
// Transient send failures (full queues, unreachable hosts during mesh
// reconvergence) are logged and swallowed: the stream treats them as
// loss rather than stalling the pipeline.
func (t *UDPTransport) SendAudio(data []byte) error {
	return t.send(t.audioConn, data, t.audioDest)
}

// SendControl broadcasts one already-framed control packet.
func (t *UDPTransport) SendControl(data []byte) error {
	return t.send(t.controlConn, data, t.controlDest)
}

func (t *UDPTransport) send(conn net.PacketConn, data []byte, dest net.Addr) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	if _, err := conn.WriteTo(data, dest); err != nil {
		if isBenignSendError(err) {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.send",
				"error":    err,
			}).Debug("Dropping packet on transient send error")
			return nil
		}
		t.sendErrors.Add(1)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	t.packetsSent.Add(1)
	t.bytesSent.Add(uint64(len(data)))
	return nil
}

// isBenignSendError reports whether a send failure is expected on a
// lossy wireless link and should be treated as packet loss.
func isBenignSendError(err error) bool {
	return errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

// RecvAudio reads one datagram from the audio socket, waiting at most
// timeout. ErrRecvTimeout means nothing arrived, not a fault.
func (t *UDPTransport) RecvAudio(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	_ = t.audioConn.SetReadDeadline(time.Now().Add(timeout))

	n, addr, err := t.audioConn.ReadFrom(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, ErrRecvTimeout
		}
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, err
	}

	t.packetsReceived.Add(1)
	t.bytesReceived.Add(uint64(n))
	return n, addr, nil
}

// Latency reports the smoothed one-way latency estimate from pong
// round-trips. Before the first pong a bounded synthetic estimate is
// substituted, since a node with no reachable peer still needs a
// plausible figure for display and buffer tuning.
func (t *UDPTransport) Latency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latencyUs == 0 {
		return syntheticLatencyUs * time.Microsecond
	}
	return time.Duration(t.latencyUs) * time.Microsecond
}

// Stats is a read-only snapshot of transport activity. Counters cover
// the audio path and outgoing control traffic.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
	SendErrors      uint64
}

// GetStats returns a snapshot of the transport counters.
func (t *UDPTransport) GetStats() Stats {
	return Stats{
		PacketsSent:     t.packetsSent.Load(),
		BytesSent:       t.bytesSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		BytesReceived:   t.bytesReceived.Load(),
		SendErrors:      t.sendErrors.Load(),
	}
}

// Peers reports the addresses heard on the control socket and when each
// was last seen.
func (t *UDPTransport) Peers() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Time, len(t.peers))
	for k, v := range t.peers {
		out[k] = v
	}
	return out
}

// LocalAudioAddr reports the bound audio socket address.
func (t *UDPTransport) LocalAudioAddr() net.Addr {
	return t.audioConn.LocalAddr()
}

// Close stops the control loops and closes both sockets.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	audioErr := t.audioConn.Close()
	controlErr := t.controlConn.Close()
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Close",
	}).Info("UDP transport closed")

	if audioErr != nil {
		return audioErr
	}
	return controlErr
}

// pingLoop broadcasts a latency probe at the configured interval.
func (t *UDPTransport) pingLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			stamp := time.Now().UnixMicro()
			t.mu.Lock()
			t.lastPingUs = stamp
			t.pingPending = true
			t.mu.Unlock()

			if err := t.sendControlMsg(ctrlPing, stamp); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "UDPTransport.pingLoop",
					"error":    err,
				}).Warn("Failed to send ping")
			}
		}
	}
}

// sendControlMsg frames and sends one kind+timestamp control message.
func (t *UDPTransport) sendControlMsg(kind byte, stamp int64) error {
	payload := make([]byte, controlMsgLen)
	payload[0] = kind
	binary.BigEndian.PutUint64(payload[1:], uint64(stamp))

	t.mu.Lock()
	data, err := t.framer.Frame(wire.PacketControl, payload)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	return t.SendControl(data)
}

// controlLoop services the control socket: answers pings, folds pongs
// into the latency estimate and tracks heartbeat peers.
func (t *UDPTransport) controlLoop() {
	defer t.wg.Done()

	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.controlConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := t.controlConn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.controlLoop",
				"error":    err,
			}).Debug("Control socket read error")
			continue
		}

		t.handleControl(buf[:n], addr)
	}
}

func (t *UDPTransport) handleControl(data []byte, addr net.Addr) {
	// broadcast loops our own control traffic back; a node is not its
	// own peer and must not answer or measure itself
	if t.isSelf(addr, t.controlPort) {
		return
	}

	p, err := wire.ParsePacket(data)
	if err != nil || p.Type != wire.PacketControl || len(p.Payload) != controlMsgLen {
		return
	}

	t.mu.Lock()
	t.peers[addr.String()] = time.Now()
	t.mu.Unlock()

	stamp := int64(binary.BigEndian.Uint64(p.Payload[1:]))

	switch p.Payload[0] {
	case ctrlPing:
		// Echo the sender's timestamp back so it can compute the RTT.
		if err := t.sendControlMsg(ctrlPong, stamp); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.handleControl",
				"error":    err,
			}).Debug("Failed to send pong")
		}
	case ctrlPong:
		// Only the answer to our outstanding ping updates the estimate;
		// broadcast pongs addressed to other nodes carry their clocks,
		// not ours.
		t.mu.Lock()
		if !t.pingPending || stamp != t.lastPingUs {
			t.mu.Unlock()
			return
		}
		t.pingPending = false
		t.mu.Unlock()

		rtt := time.Now().UnixMicro() - stamp
		if rtt < 0 {
			return
		}
		oneWay := rtt / 2
		if oneWay == 0 {
			oneWay = 1
		}
		t.mu.Lock()
		if t.latencyUs == 0 {
			t.latencyUs = oneWay
		} else {
			t.latencyUs = (t.latencyUs*7 + oneWay) / 8
		}
		t.mu.Unlock()
	case ctrlHeartbeat:
		// Presence only, already recorded above.
	}
}

// SendHeartbeat announces this node's presence on the control channel.
func (t *UDPTransport) SendHeartbeat() error {
	return t.sendControlMsg(ctrlHeartbeat, time.Now().UnixMicro())
}
