package meshradio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// SerialConfig describes how to reach a real mesh radio attached over a
// serial link. Dialer is injected so tests never need an actual device; a
// production caller supplies one backed by a serial port opener.
type SerialConfig struct {
	LocalNodeID uint32
	BytesPerSec int
	Dialer      func() (io.ReadWriteCloser, error)
}

// Serial is a Transport backed by a length-prefixed framing over a serial
// byte stream. No Meshtastic client library appears anywhere in the
// reference dependency pack, so the wire framing here is a minimal
// stdlib-only length-prefix codec (4-byte big-endian length, then a node id
// u32 — destination on send, source on receive — a payload length u32, and
// the payload) rather than a vendored protocol stack; see
// DESIGN.md for the justification.
type Serial struct {
	cfg SerialConfig
	log *zap.Logger

	mu   sync.Mutex
	conn io.ReadWriteCloser

	recv     chan Datagram
	throttle *throttle
	seen     *cache.Cache

	closeOnce sync.Once
	done      chan struct{}
}

// NewSerial dials cfg.Dialer and starts the background receive loop.
func NewSerial(cfg SerialConfig, log *zap.Logger) (*Serial, error) {
	conn, err := cfg.Dialer()
	if err != nil {
		return nil, fmt.Errorf("meshradio: dial serial device: %w", err)
	}
	s := &Serial{
		cfg:      cfg,
		log:      log.With(zap.Uint32("node_id", cfg.LocalNodeID)),
		conn:     conn,
		recv:     make(chan Datagram, 64),
		throttle: newThrottle(cfg.BytesPerSec),
		seen:     cache.New(dedupeTTL, dedupeTTL*2),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Serial) LocalNodeID() uint32      { return s.cfg.LocalNodeID }
func (s *Serial) Recv() <-chan Datagram    { return s.recv }

func (s *Serial) Send(ctx context.Context, toNode uint32, payload []byte) bool {
	if err := s.throttle.wait(ctx, len(payload)); err != nil {
		return false
	}

	frameBuf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(frameBuf[0:4], toNode)
	binary.BigEndian.PutUint32(frameBuf[4:8], uint32(len(payload)))
	copy(frameBuf[8:], payload)

	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(frameBuf)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(lenPrefix); err != nil {
		s.log.Error("serial write failed", zap.Error(err))
		return false
	}
	if _, err := s.conn.Write(frameBuf); err != nil {
		s.log.Error("serial write failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Serial) readLoop() {
	r := bufio.NewReader(s.conn)
	lenBuf := make([]byte, 4)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err != io.EOF {
				s.log.Warn("serial read failed, stopping receive loop", zap.Error(err))
			}
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n < 8 {
			s.log.Warn("serial frame too short, resyncing", zap.Uint32("len", n))
			continue
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			s.log.Warn("serial read failed mid-frame", zap.Error(err))
			return
		}

		fromNode := binary.BigEndian.Uint32(body[0:4])
		payloadLen := binary.BigEndian.Uint32(body[4:8])
		if int(payloadLen) != len(body)-8 {
			s.log.Warn("serial frame length mismatch, dropping")
			continue
		}
		payload := body[8:]

		key := dedupeKey(fromNode, payload)
		if _, found := s.seen.Get(key); found {
			continue
		}
		s.seen.Set(key, struct{}{}, cache.DefaultExpiration)

		select {
		case s.recv <- Datagram{FromNode: fromNode, Payload: payload}:
		default:
			s.log.Warn("recv channel full, dropping datagram")
		}
	}
}

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		err = s.conn.Close()
		s.mu.Unlock()
	})
	return err
}
