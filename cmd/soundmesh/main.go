// Command soundmesh runs one mesh audio node.
//
// Audio I/O is plumbed through standard streams: aux input reads
// little-endian PCM16 from stdin, playback writes the same format to
// stdout. Pair it with a sound server client, for example:
//
//	arecord -f S16_LE -r 48000 -c 1 | soundmesh -config tx.yaml
//	soundmesh -config rx.yaml -play | aplay -f S16_LE -r 48000 -c 1
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	soundmesh "github.com/justinjohnso/soundmesh-sub000"
	"github.com/justinjohnso/soundmesh-sub000/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
	role := flag.String("role", "", "override node role: tx, rx or combo")
	input := flag.String("input", "", "override input mode: aux, tone or usb")
	play := flag.Bool("play", false, "write received audio to stdout as PCM16")
	statsEvery := flag.Duration("stats", 10*time.Second, "stats logging interval, 0 disables")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to load configuration")
		}
		cfg = loaded
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *input != "" {
		cfg.Audio.InputMode = *input
	}

	logrus.SetLevel(cfg.ParseLogLevel())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	opts := soundmesh.Options{}
	if cfg.Audio.InputMode == "aux" {
		opts.Input = os.Stdin
	}
	if *play {
		opts.Output = os.Stdout
	}

	node, err := soundmesh.New(cfg, opts)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start node")
	}

	logrus.WithFields(logrus.Fields{
		"role":       cfg.Role,
		"group":      cfg.Network.GroupAddr,
		"audio_port": cfg.Network.AudioPort,
	}).Info("soundmesh node running, Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if *statsEvery > 0 {
		ticker = time.NewTicker(*statsEvery)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-sigCh:
			logrus.Info("Shutting down")
			if err := node.Stop(); err != nil {
				logrus.WithError(err).Warn("Stop reported an error")
			}
			if err := node.Close(); err != nil {
				logrus.WithError(err).Warn("Close reported an error")
			}
			return
		case <-tick:
			logStats(node)
		}
	}
}

func logStats(node *soundmesh.Node) {
	s := node.Stats()
	logrus.WithFields(logrus.Fields{
		"sent":        s.Pipeline.PacketsSent,
		"received":    s.Pipeline.PacketsReceived,
		"lost":        s.Pipeline.PacketsLost,
		"played":      s.Pipeline.FramesPlayed,
		"underruns":   s.Pipeline.JitterUnderruns,
		"jitter_fill": s.Pipeline.JitterFill,
		"jitter_cap":  s.Pipeline.JitterCapacity,
		"encode_us":   s.Pipeline.EncodeUs,
		"decode_us":   s.Pipeline.DecodeUs,
		"latency":     s.Latency,
		"relayed":     s.Relayed,
		"dupes":       s.DupePackets,
		"peers":       s.Peers,
	}).Info("Node stats")
}
