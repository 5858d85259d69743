// Package mixer buffers outbound packets and re-emits them at shaped,
// randomized intervals instead of immediately, so that traffic timing
// does not reveal which packet was just queued.
package mixer

import (
	"context"
	"math"
	mRand "math/rand"
	"sync/atomic"
	"time"

	"github.com/katzenpost/core/worker"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/dflmix/peer/internal/peerid"
)

// Sender is the subset of SessionSwitch the mixer needs to actually put
// a packet on the wire.
type Sender interface {
	SendTo(ctx context.Context, peer peerid.ID, frame []byte) error
}

// CoverGenerator supplies padding traffic when the outbox runs dry.
// Implementations decide destination, shape and rate; the mixer only
// asks for one item at a time.
type CoverGenerator interface {
	NextCover() (OutboxItem, bool)
}

// Config are the tunables a deployment sets once at start.
type Config struct {
	Enabled    bool
	Mu         float64 // mean inter-send delay, milliseconds
	Std        float64 // standard deviation, milliseconds
	UpperBound float64 // upper clamp for the delay draw, milliseconds; 0 means unbounded
	OutboxSize int
	Shuffle    bool
}

// Mixer holds items in an unbounded pending queue, periodically drains a
// bounded window of them into a shuffled outbox, and emits one item per
// shaped delay tick.
type Mixer struct {
	worker.Worker

	cfg    Config
	log    *logging.Logger
	sender Sender
	cover  CoverGenerator
	rng    *mRand.Rand

	pending *channels.InfiniteChannel
	outbox  []OutboxItem
	depth   int32
}

// New constructs a Mixer. Call Start to start its background loop.
func New(cfg Config, sender Sender, cover CoverGenerator, log *logging.Logger) *Mixer {
	return &Mixer{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		cover:   cover,
		rng:     mRand.New(mRand.NewSource(time.Now().UnixNano())),
		pending: channels.NewInfiniteChannel(),
	}
}

// Enqueue submits an item for eventual emission. It never blocks: the
// underlying queue grows to absorb bursts rather than apply backpressure
// to callers on the send path.
func (m *Mixer) Enqueue(item OutboxItem) {
	m.pending.In() <- item
}

// Start launches the mixer's background loop.
func (m *Mixer) Start() {
	m.Go(m.worker)
}

func (m *Mixer) worker() {
	defer m.pending.Close()

	if !m.cfg.Enabled {
		m.runDirect()
		return
	}

	timer := time.NewTimer(m.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-m.HaltCh():
			m.log.Debugf("mixer: terminating")
			return
		case <-timer.C:
			m.refillOutbox()
			m.emitOne()
			timer.Reset(m.nextDelay())
		}
	}
}

// runDirect bypasses shaping entirely: every enqueued item is sent the
// moment it is pulled off the pending queue.
func (m *Mixer) runDirect() {
	out := m.pending.Out()
	for {
		select {
		case <-m.HaltCh():
			m.log.Debugf("mixer: terminating (direct mode)")
			return
		case v, ok := <-out:
			if !ok {
				return
			}
			m.send(v.(OutboxItem))
		}
	}
}

// refillOutbox drains the pending queue into the outbox up to
// OutboxSize, topping up with cover traffic when the queue is dry, then
// shuffles the window if configured.
func (m *Mixer) refillOutbox() {
	out := m.pending.Out()
fill:
	for len(m.outbox) < m.cfg.OutboxSize {
		select {
		case v := <-out:
			m.outbox = append(m.outbox, v.(OutboxItem))
		default:
			if m.cover == nil {
				break fill
			}
			item, ok := m.cover.NextCover()
			if !ok {
				break fill
			}
			m.outbox = append(m.outbox, item)
		}
	}
	if m.cfg.Shuffle {
		m.shuffleOutbox()
	}
	atomic.StoreInt32(&m.depth, int32(len(m.outbox)))
}

// shuffleOutbox applies an in-place Fisher-Yates shuffle to the outbox
// window so emission order does not mirror arrival order.
func (m *Mixer) shuffleOutbox() {
	for i := len(m.outbox) - 1; i > 0; i-- {
		j := m.rng.Intn(i + 1)
		m.outbox[i], m.outbox[j] = m.outbox[j], m.outbox[i]
	}
}

func (m *Mixer) emitOne() {
	if len(m.outbox) == 0 {
		return
	}
	item := m.outbox[0]
	m.outbox = m.outbox[1:]
	atomic.StoreInt32(&m.depth, int32(len(m.outbox)))
	m.send(item)
}

// Depth reports the current outbox window size, safe to call from any
// goroutine.
func (m *Mixer) Depth() int {
	return int(atomic.LoadInt32(&m.depth))
}

func (m *Mixer) send(item OutboxItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frame := item.Packet.Bytes()
	if err := m.sender.SendTo(ctx, item.NextHop, frame); err != nil {
		m.log.Debugf("mixer: send to peer %d failed (%v): %v", item.NextHop, item.Kind, err)
	}
}

// nextDelay draws a two-sided truncated-normal inter-send interval:
// samples outside [0, UpperBound] are clamped to the nearer bound rather
// than resampled. UpperBound of 0 leaves the upper side unbounded.
func (m *Mixer) nextDelay() time.Duration {
	sample := m.rng.NormFloat64()*m.cfg.Std + m.cfg.Mu
	if sample < 0 {
		sample = 0
	}
	if m.cfg.UpperBound > 0 && sample > m.cfg.UpperBound {
		sample = m.cfg.UpperBound
	}
	return time.Duration(math.Round(sample)) * time.Millisecond
}
