package soundmesh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinjohnso/soundmesh-sub000/audio"
	"github.com/justinjohnso/soundmesh-sub000/config"
	"github.com/justinjohnso/soundmesh-sub000/wire"
)

// syncBuffer is a goroutine-safe byte sink for playback output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func testConfig(role string, audioPort, controlPort int) *config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.Audio.Codec = "pcm"
	cfg.Audio.InputMode = "tone"
	cfg.Audio.FrameMs = 5
	cfg.Audio.OutputGain = 1.0
	cfg.Network.GroupAddr = "127.0.0.1"
	cfg.Network.AudioPort = audioPort
	cfg.Network.ControlPort = controlPort
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, opts Options) *Node {
	t.Helper()

	n, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		if err := n.Stop(); err == nil {
			n.Close()
		}
	})

	return n
}

// inject sends a raw datagram to the node's audio port from an
// ephemeral socket, standing in for a remote peer.
func inject(t *testing.T, port int, data []byte) {
	t.Helper()

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(data)
	require.NoError(t, err)
}

func pcmPayload(t *testing.T, cfg *config.Config, value int16) []byte {
	t.Helper()

	codec := audio.NewPCMCodec(cfg.FrameSamples(), cfg.Audio.Channels)
	pcm := make([]int16, cfg.FrameSamples()*cfg.Audio.Channels)
	for i := range pcm {
		pcm[i] = value
	}
	payload, err := codec.Encode(pcm)
	require.NoError(t, err)
	return payload
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Role = "bridge"

	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestNewRequiresInputForAux(t *testing.T) {
	cfg := testConfig("tx", 48101, 48102)
	cfg.Audio.InputMode = "aux"

	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, ErrInputUnavailable)
}

func TestTransmitSuppressesOwnLoopback(t *testing.T) {
	cfg := testConfig("combo", 48111, 48112)
	n := startNode(t, cfg, Options{})

	// the tone is broadcast and the loopback copies come straight back;
	// they must be recognized as our own and never reach playback
	require.Eventually(t, func() bool {
		return n.Stats().Pipeline.PacketsSent >= 3
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return n.Stats().LoopbackPackets >= 3
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(0), n.Stats().Pipeline.PacketsReceived)
}

func TestComboReceivesPeerOnOwnStream(t *testing.T) {
	// a combo node transmits and receives the same stream id; a real
	// peer's packets share that id and overlap its sequence numbers,
	// and must still be played, not mistaken for our own traffic
	cfg := testConfig("combo", 48115, 48116)
	out := &syncBuffer{}
	n := startNode(t, cfg, Options{Output: out})

	require.Eventually(t, func() bool {
		return n.Stats().Pipeline.PacketsSent >= 2
	}, 3*time.Second, 10*time.Millisecond, "local transmit should be running")

	framer := wire.NewFramer(uint8(cfg.Network.StreamID), 6, cfg.FrameBytes())
	payload := pcmPayload(t, cfg, 555)

	// seqs 0..5 collide with the sequences this node is sending itself
	for i := 0; i < 6; i++ {
		data, err := framer.Frame(wire.PacketAudioRaw, payload)
		require.NoError(t, err)
		inject(t, cfg.Network.AudioPort, data)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return n.Stats().Pipeline.PacketsReceived == 6
	}, 3*time.Second, 10*time.Millisecond, "peer packets on the shared stream must reach the pipeline")

	require.Eventually(t, func() bool {
		return out.Len() > 0
	}, 3*time.Second, 10*time.Millisecond, "peer audio should reach playback")
}

func TestReceiveFromRemotePeer(t *testing.T) {
	cfg := testConfig("rx", 48121, 48122)
	out := &syncBuffer{}
	n := startNode(t, cfg, Options{Output: out})

	framer := wire.NewFramer(uint8(cfg.Network.StreamID), 6, cfg.FrameBytes())
	payload := pcmPayload(t, cfg, 999)

	for i := 0; i < 4; i++ {
		data, err := framer.Frame(wire.PacketAudioRaw, payload)
		require.NoError(t, err)
		inject(t, cfg.Network.AudioPort, data)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return n.Stats().Pipeline.PacketsReceived == 4
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return out.Len() > 0
	}, 3*time.Second, 10*time.Millisecond, "decoded audio should reach the output")

	assert.Equal(t, uint64(0), n.Stats().InvalidPackets)
}

func TestForeignStreamIgnored(t *testing.T) {
	cfg := testConfig("rx", 48131, 48132)
	n := startNode(t, cfg, Options{})

	framer := wire.NewFramer(uint8(cfg.Network.StreamID)+1, 6, cfg.FrameBytes())
	data, err := framer.Frame(wire.PacketAudioRaw, pcmPayload(t, cfg, 1))
	require.NoError(t, err)
	inject(t, cfg.Network.AudioPort, data)

	// the packet is deduped but never fed to the pipeline
	assert.Never(t, func() bool {
		return n.Stats().Pipeline.PacketsReceived > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestInvalidDatagramCounted(t *testing.T) {
	cfg := testConfig("rx", 48141, 48142)
	n := startNode(t, cfg, Options{})

	inject(t, cfg.Network.AudioPort, []byte("not a soundmesh packet"))

	require.Eventually(t, func() bool {
		return n.Stats().InvalidPackets == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRelayForwardsWithTTLDecrement(t *testing.T) {
	cfg := testConfig("rx", 48151, 48152)
	cfg.Network.Relay = true
	n := startNode(t, cfg, Options{})

	framer := wire.NewFramer(uint8(cfg.Network.StreamID), 3, cfg.FrameBytes())
	data, err := framer.Frame(wire.PacketAudioRaw, pcmPayload(t, cfg, 1))
	require.NoError(t, err)
	inject(t, cfg.Network.AudioPort, data)

	require.Eventually(t, func() bool {
		return n.Stats().Relayed == 1
	}, 3*time.Second, 10*time.Millisecond)

	// the forwarded copy loops back and is dropped by the dedupe cache,
	// so it is not relayed a second time
	assert.Never(t, func() bool {
		return n.Stats().Relayed > 1
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestRelayStopsAtLastHop(t *testing.T) {
	cfg := testConfig("rx", 48161, 48162)
	cfg.Network.Relay = true
	n := startNode(t, cfg, Options{})

	framer := wire.NewFramer(uint8(cfg.Network.StreamID), 1, cfg.FrameBytes())
	data, err := framer.Frame(wire.PacketAudioRaw, pcmPayload(t, cfg, 1))
	require.NoError(t, err)
	inject(t, cfg.Network.AudioPort, data)

	// delivered locally but never forwarded
	require.Eventually(t, func() bool {
		return n.Stats().Pipeline.PacketsReceived == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(0), n.Stats().Relayed)
}

func TestSetInputMode(t *testing.T) {
	cfg := testConfig("tx", 48171, 48172)
	n, err := New(cfg, Options{})
	require.NoError(t, err)
	defer n.Close()

	assert.NoError(t, n.SetInputMode("usb"))
	assert.NoError(t, n.SetInputMode("tone"))
	assert.ErrorIs(t, n.SetInputMode("aux"), ErrInputUnavailable)
	assert.ErrorIs(t, n.SetInputMode("bluetooth"), ErrInputUnavailable)
}

func TestSetInputModeRequiresTransmitPath(t *testing.T) {
	cfg := testConfig("rx", 48181, 48182)
	n, err := New(cfg, Options{})
	require.NoError(t, err)
	defer n.Close()

	assert.ErrorIs(t, n.SetInputMode("tone"), ErrInputUnavailable)
}

func TestNodeLifecycle(t *testing.T) {
	cfg := testConfig("rx", 48191, 48192)
	n, err := New(cfg, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, n.Stop(), ErrNodeStopped)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeRunning)
	assert.ErrorIs(t, n.Close(), ErrNodeRunning)

	require.NoError(t, n.Stop())
	require.NoError(t, n.Close())
}
