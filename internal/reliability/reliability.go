// Package reliability runs the node's recurring background work: the
// resend sweep, duplicate-filter rotation, periodic metric flush, and a
// reconnect sweep for links that dropped, each isolated so a fault in
// one never stalls the others. It runs no cover-traffic top-up task.
package reliability

import (
	"context"
	"time"

	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"
)

// Transport is the subset of TransportCore the clock drives.
type Transport interface {
	ResendSweep()
	AllAcked() bool
}

// Dedupe is the subset of the duplicate filter the clock rotates.
type Dedupe interface {
	Rotate() error
}

// MetricsSource reports the gauges the clock refreshes every tick.
type MetricsSource interface {
	FlushGauges()
}

// Reconnector re-dials any peer link this side owns that is currently
// missing or inactive.
type Reconnector interface {
	ReconnectGone(ctx context.Context)
}

// Config controls how often each recurring task runs.
type Config struct {
	ResendInterval    time.Duration
	DedupeInterval    time.Duration
	MetricsInterval   time.Duration
	ReconnectInterval time.Duration
}

// ReliabilityClock owns independent worker loops, one per recurring task.
type ReliabilityClock struct {
	cfg         Config
	transport   Transport
	dedupe      Dedupe
	metrics     MetricsSource
	reconnector Reconnector
	log         *logging.Logger

	resendWorker    worker.Worker
	dedupeWorker    worker.Worker
	metricsWorker   worker.Worker
	reconnectWorker worker.Worker
}

// New constructs a ReliabilityClock. Call Start to launch its loops.
func New(cfg Config, transport Transport, dedupe Dedupe, metrics MetricsSource, reconnector Reconnector, log *logging.Logger) *ReliabilityClock {
	return &ReliabilityClock{cfg: cfg, transport: transport, dedupe: dedupe, metrics: metrics, reconnector: reconnector, log: log}
}

// Start launches every recurring task in the background.
func (c *ReliabilityClock) Start() {
	c.resendWorker.Go(c.runResendLoop)
	c.dedupeWorker.Go(c.runDedupeLoop)
	if c.metrics != nil {
		c.metricsWorker.Go(c.runMetricsLoop)
	}
	if c.reconnector != nil {
		c.reconnectWorker.Go(c.runReconnectLoop)
	}
}

// Stop halts every loop and waits for them to exit.
func (c *ReliabilityClock) Stop() {
	c.resendWorker.Halt()
	c.dedupeWorker.Halt()
	if c.metrics != nil {
		c.metricsWorker.Halt()
	}
	if c.reconnector != nil {
		c.reconnectWorker.Halt()
	}
}

func (c *ReliabilityClock) runResendLoop() {
	defer c.recoverAndLog("resend")
	ticker := time.NewTicker(c.cfg.ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.resendWorker.HaltCh():
			return
		case <-ticker.C:
			c.tickResend()
		}
	}
}

// tickResend runs one sweep in its own recover scope, so a panic on one
// tick doesn't kill the loop for subsequent ticks.
func (c *ReliabilityClock) tickResend() {
	defer c.recoverAndLog("resend-tick")
	c.transport.ResendSweep()
	if c.transport.AllAcked() {
		c.log.Debugf("reliability: nothing outstanding after sweep")
	}
}

func (c *ReliabilityClock) runDedupeLoop() {
	defer c.recoverAndLog("dedupe")
	ticker := time.NewTicker(c.cfg.DedupeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.dedupeWorker.HaltCh():
			return
		case <-ticker.C:
			c.tickDedupe()
		}
	}
}

func (c *ReliabilityClock) tickDedupe() {
	defer c.recoverAndLog("dedupe-tick")
	if err := c.dedupe.Rotate(); err != nil {
		c.log.Debugf("reliability: dedupe rotation failed: %v", err)
	}
}

func (c *ReliabilityClock) runMetricsLoop() {
	defer c.recoverAndLog("metrics")
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.metricsWorker.HaltCh():
			return
		case <-ticker.C:
			c.tickMetrics()
		}
	}
}

func (c *ReliabilityClock) tickMetrics() {
	defer c.recoverAndLog("metrics-tick")
	c.metrics.FlushGauges()
}

func (c *ReliabilityClock) runReconnectLoop() {
	defer c.recoverAndLog("reconnect")
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.reconnectWorker.HaltCh():
			return
		case <-ticker.C:
			c.tickReconnect()
		}
	}
}

func (c *ReliabilityClock) tickReconnect() {
	defer c.recoverAndLog("reconnect-tick")
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReconnectInterval)
	defer cancel()
	c.reconnector.ReconnectGone(ctx)
}

func (c *ReliabilityClock) recoverAndLog(task string) {
	if r := recover(); r != nil {
		c.log.Errorf("reliability: recovered panic in %s: %v", task, r)
	}
}
