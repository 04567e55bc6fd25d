package meshradio

import (
	"context"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

// LoopbackConfig tunes the artificial loss/duplication a Loopback transport
// applies to every send, for exercising the retransmit and dedupe paths in
// tests without a real radio.
type LoopbackConfig struct {
	LocalNodeID   uint32
	BytesPerSec   int // 0 disables throttling
	DropProb      float64
	DuplicateProb float64
	Rand          *rand.Rand // nil uses a per-transport source seeded from LocalNodeID
}

// Loopback is an in-process Transport, pairing with another Loopback via
// Pair. It is the reference implementation's transport.loopback analogue
// used by the stream-manager tests and by both binaries when no serial
// device is configured.
type Loopback struct {
	cfg LoopbackConfig
	log *zap.Logger

	mu   sync.Mutex
	peer *Loopback

	recv    chan Datagram
	closeMu sync.Mutex
	closed  bool

	throttle *throttle
}

// NewLoopback constructs an unpaired Loopback transport; call Pair to
// connect two of them.
func NewLoopback(cfg LoopbackConfig, log *zap.Logger) *Loopback {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(int64(cfg.LocalNodeID) + 1))
	}
	return &Loopback{
		cfg:      cfg,
		log:      log.With(zap.Uint32("node_id", cfg.LocalNodeID)),
		recv:     make(chan Datagram, 64),
		throttle: newThrottle(cfg.BytesPerSec),
	}
}

// Pair connects two Loopback transports so that sends on one arrive (subject
// to configured loss/duplication) on the other's Recv channel, and vice
// versa.
func Pair(a, b *Loopback) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (l *Loopback) LocalNodeID() uint32 { return l.cfg.LocalNodeID }

func (l *Loopback) Recv() <-chan Datagram { return l.recv }

// Send applies the configured throttle and artificial loss/duplication,
// then hands the datagram to the peer's receive channel. Duplication here
// is deliberately unfiltered: it exists to exercise the dedupe logic one
// layer up (streammgr.Manager), not to suppress it at the transport.
func (l *Loopback) Send(ctx context.Context, toNode uint32, payload []byte) bool {
	if err := l.throttle.wait(ctx, len(payload)); err != nil {
		return false
	}

	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		l.log.Warn("send with no paired peer", zap.Uint32("to_node", toNode))
		return false
	}

	if l.cfg.DropProb > 0 && l.cfg.Rand.Float64() < l.cfg.DropProb {
		l.log.Debug("loopback dropped datagram")
		return true
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	dgram := Datagram{FromNode: l.cfg.LocalNodeID, Payload: cp}

	deliver := func() {
		select {
		case peer.recv <- dgram:
		default:
			l.log.Warn("peer recv channel full, dropping datagram")
		}
	}
	deliver()
	if l.cfg.DuplicateProb > 0 && l.cfg.Rand.Float64() < l.cfg.DuplicateProb {
		deliver()
	}
	return true
}

func (l *Loopback) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.recv)
	return nil
}
