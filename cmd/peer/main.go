// Command peer runs one node of the anonymous mix-transport substrate:
// it loads its identity and peer table, brings up its listener, dials
// the rest of the fixed peer set, and keeps relaying, mixing, and
// resending traffic until asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dflmix/peer/internal/config"
	"github.com/dflmix/peer/internal/dedupe"
	"github.com/dflmix/peer/internal/fragcache"
	"github.com/dflmix/peer/internal/keystore"
	peerlogging "github.com/dflmix/peer/internal/logging"
	"github.com/dflmix/peer/internal/metrics"
	"github.com/dflmix/peer/internal/mixer"
	"github.com/dflmix/peer/internal/peerid"
	"github.com/dflmix/peer/internal/reliability"
	"github.com/dflmix/peer/internal/session"
	"github.com/dflmix/peer/internal/sphinxcodec"
	"github.com/dflmix/peer/internal/transport"
)

const (
	dedupeCapacity  = 1 << 16
	maxCoverStashOf = 10
	connectSettle   = 200 * time.Millisecond
)

func main() {
	configPath := flag.String("config", "", "path to the node's TOML configuration file")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "peer: -config is required")
		os.Exit(1)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "peer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, err := peerlogging.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := backend.GetLogger("peer")
	log.Noticef("starting node %d of %d", cfg.NodeID, cfg.NNodes)

	privPath := fmt.Sprintf("%s/identity.private.pem", cfg.PKIDir)
	pubPath := fmt.Sprintf("%s/peers.public.pem", cfg.PKIDir)
	ks, err := keystore.Load(cfg.NodeID, privPath, pubPath)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}

	params, err := sphinxcodec.NewParams(cfg.MaxHops, cfg.BodyLen)
	if err != nil {
		return fmt.Errorf("build sphinx params: %w", err)
	}

	cache := fragcache.New()
	dd, err := dedupe.New(dedupeCapacity)
	if err != nil {
		return fmt.Errorf("build dedupe filter: %w", err)
	}
	met := metrics.New()

	// core, sess and mx each need a reference to one of the others at
	// construction time, so sess and mx are built first against
	// forwarding closures that start working once core is assigned.
	var core *transport.TransportCore

	sess := session.New(cfg.NodeID, cfg.Peers, params.PacketLen(), func(from peerid.ID, frame []byte) {
		core.HandleInbound(from, frame)
	}, func(peer peerid.ID) {
		if core != nil {
			core.PurgeGonePeer(peer)
		}
	}, backend.GetLogger("session"))

	mixerCfg := mixer.Config{
		Enabled:    cfg.MixEnabled,
		Mu:         cfg.MixMu,
		Std:        cfg.MixStd,
		UpperBound: cfg.MixMaxMs,
		OutboxSize: cfg.MixOutboxSize,
		Shuffle:    cfg.MixShuffle,
	}
	mx := mixer.New(mixerCfg, sess, coverFunc(&core), backend.GetLogger("mixer"))

	core = transport.New(transport.Config{
		Self:          cfg.NodeID,
		Peers:         cfg.Peers,
		Params:        params,
		MixEnabled:    cfg.MixEnabled,
		MaxCoverStash: maxCoverStashOf * cfg.MixOutboxSize,
		ResendPeriod:  time.Duration(cfg.ResendPeriod.Seconds()) * time.Second,
		ResendSlack:   time.Second,
	}, ks, cache, dd, mx, sess, met, backend.GetLogger("transport"))

	clock := reliability.New(reliability.Config{
		ResendInterval:    time.Second,
		DedupeInterval:    time.Minute,
		MetricsInterval:   5 * time.Second,
		ReconnectInterval: 10 * time.Second,
	}, core, dd, &metrics.GaugeSource{
		M:           met,
		ActivePeers: func() int { return len(sess.ActivePeers()) },
		OutboxDepth: mx.Depth,
	}, sess, backend.GetLogger("reliability"))

	if err := sess.Start(); err != nil {
		return fmt.Errorf("start session switch: %w", err)
	}
	mx.Start()
	clock.Start()

	time.Sleep(connectSettle)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sess.ConnectPeers(ctx)
	cancel()

	log.Notice("node up, waiting for shutdown signal")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Notice("shutting down")
	clock.Stop()
	mx.Halt()
	sess.CloseAll()
	return nil
}

// coverFunc adapts a not-yet-constructed *transport.TransportCore into a
// mixer.CoverGenerator: the mixer only calls NextCover after Start, by
// which point core has been assigned.
func coverFunc(core **transport.TransportCore) mixer.CoverGenerator {
	return coverGeneratorRef{core}
}

type coverGeneratorRef struct {
	core **transport.TransportCore
}

func (r coverGeneratorRef) NextCover() (mixer.OutboxItem, bool) {
	if *r.core == nil {
		return mixer.OutboxItem{}, false
	}
	return (*r.core).NextCover()
}
