// Package streammgr demultiplexes mesh datagrams to Streams by stream id,
// allocates new stream ids, accepts incoming connections on the gateway
// side, and runs the periodic retransmit/timeout sweep for every stream it
// owns.
package streammgr

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"meshbridge/internal/ackpolicy"
	"meshbridge/internal/config"
	"meshbridge/internal/frame"
	"meshbridge/internal/meshradio"
	"meshbridge/internal/stream"
)

// datagramDedupeTTL bounds how long a raw datagram's fingerprint is
// remembered purely to skip redundant processing of mesh-level rebroadcast
// duplicates (several radio hops echoing the same transmission within
// milliseconds of each other); the protocol itself is correct without
// this, it is a throughput optimization. It must stay well below any
// realistic retransmit_timeout_ms, or a legitimate application-level
// retransmission (which reuses the same seq and therefore encodes to the
// same bytes) would be mistaken for a rebroadcast duplicate and dropped.
// Grounded on the same go-cache dependency the upstream proxy uses for its
// WAF hit counters, repurposed here.
const datagramDedupeTTL = 250 * time.Millisecond

// Role distinguishes the two StreamManager personalities: a client opens
// streams on demand for local CONNECT requests, a gateway accepts incoming
// SYNs and dials the requested target.
type Role int

const (
	RoleClient Role = iota
	RoleGateway
)

// streamConfig aliases stream.Config so Manager's own Options struct reads
// as a self-contained manager-level config.
type streamConfig = stream.Config

// Manager owns every live stream for one mesh node and one role.
type Manager struct {
	role     Role
	nodeID   uint32
	cfg      streamConfig
	ackCfg   config.AckMethod
	smartCfg ackpolicy.SmartConfig
	allowlist []string

	transport meshradio.Transport
	log       *zap.Logger
	metrics   *StreamCollector
	dialer    *dialerPool

	mu      sync.RWMutex
	streams map[uint32]*stream.Stream

	seqMu   sync.Mutex
	nextID  uint32

	dedupe *cache.Cache

	// onAccept is invoked (gateway role only) once a new stream has reached
	// OPEN and its outbound dial has already succeeded, so the caller can
	// start the byte pump against the already-connected conn.
	onAccept func(s *stream.Stream, conn net.Conn)

	closeOnce sync.Once
	done      chan struct{}
}

// Options configures New.
type Options struct {
	Role        Role
	NodeID      uint32
	Config      streamConfig
	AckMethod   config.AckMethod
	SmartConfig ackpolicy.SmartConfig
	Allowlist   []string
	Transport   meshradio.Transport
	Log         *zap.Logger
	Metrics     *StreamCollector
	// OnAccept is required for RoleGateway, ignored for RoleClient. It fires
	// after the outbound dial for the requested target has already
	// succeeded and the stream has been accepted.
	OnAccept func(s *stream.Stream, conn net.Conn)
}

// New constructs a Manager. Callers must call Run to start its receive
// loop and retransmit ticker.
func New(opts Options) *Manager {
	return &Manager{
		role:      opts.Role,
		nodeID:    opts.NodeID,
		cfg:       opts.Config,
		ackCfg:    opts.AckMethod,
		smartCfg:  opts.SmartConfig,
		allowlist: opts.Allowlist,
		transport: opts.Transport,
		log:       opts.Log,
		metrics:   opts.Metrics,
		dialer:    newDialerPool(opts.Log),
		streams:   make(map[uint32]*stream.Stream),
		nextID:    randomStreamID(),
		dedupe:    cache.New(datagramDedupeTTL, datagramDedupeTTL*2),
		onAccept:  opts.OnAccept,
		done:      make(chan struct{}),
	}
}

// randomStreamID picks a nonzero starting stream id; 0 is reserved so a
// zeroed Frame can never be mistaken for a live stream reference.
func randomStreamID() uint32 {
	id := uuid.New()
	v := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	if v == 0 {
		v = 1
	}
	return v
}

// AllocateStreamID returns the next stream id for a client-initiated
// stream, skipping 0 and wrapping on overflow.
func (m *Manager) AllocateStreamID() uint32 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	id := m.nextID
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1
	}
	return id
}

func (m *Manager) newPolicy() ackpolicy.Policy {
	if m.ackCfg == config.AckMethodBasic {
		return ackpolicy.NewBasic()
	}
	return ackpolicy.NewSmart(m.smartCfg)
}

// sendTo returns the SendFunc every stream under this manager uses: encode
// happens in the stream, this just hands bytes to the transport addressed at
// remoteNodeID.
func (m *Manager) sendTo(remoteNodeID uint32) stream.SendFunc {
	return func(encoded []byte) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.transport.Send(ctx, remoteNodeID, encoded)
	}
}

// OpenStream allocates a new stream id, constructs the Stream, registers
// it, and sends the initial SYN. The synPayload for a client is the
// "CONNECT host:port" request line the gateway uses to pick a dial target.
func (m *Manager) OpenStream(remoteNodeID uint32, synPayload []byte) *stream.Stream {
	id := m.AllocateStreamID()
	s := stream.New(id, remoteNodeID, m.cfg, m.sendTo(remoteNodeID), m.newPolicy(), m.log)

	m.mu.Lock()
	m.streams[id] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Add(s)
	}

	s.Open(synPayload)
	return s
}

// Get returns the stream for id, if live.
func (m *Manager) Get(id uint32) (*stream.Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// Remove deregisters a stream, e.g. once its owning byte pump has finished.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Remove(id)
	}
}

func (m *Manager) allowed(target string) bool {
	if len(m.allowlist) == 0 {
		return true
	}
	for _, a := range m.allowlist {
		if a == target {
			return true
		}
	}
	return false
}

// parseConnectTarget extracts "host:port" from a "CONNECT host:port HTTP/1.1"
// style request line, or from a bare "host:port" payload — the gateway
// accepts either so a minimal client can skip building a full HTTP request.
func parseConnectTarget(payload []byte) (string, error) {
	line := strings.TrimSpace(string(payload))
	if strings.HasPrefix(strings.ToUpper(line), "CONNECT ") {
		rest := strings.TrimSpace(line[len("CONNECT "):])
		if sp := strings.IndexByte(rest, ' '); sp >= 0 {
			rest = rest[:sp]
		}
		line = rest
	}
	if line == "" || !strings.Contains(line, ":") {
		return "", fmt.Errorf("streammgr: malformed CONNECT target %q", line)
	}
	return line, nil
}

// dialAcceptTimeout bounds the outbound dial attempted before a stream is
// accepted, matching the spec's dial-before-accept ordering: the peer's SYN
// is not acknowledged at all until the gateway knows it can actually reach
// the requested target.
const dialAcceptTimeout = 10 * time.Second

// connectionFailedPayload is carried on the bare RST sent when the
// gateway's outbound dial fails, per the handshake's failure case.
var connectionFailedPayload = []byte("Connection failed")

// handleSyn processes a SYN for a stream id not currently tracked: the
// gateway's entry point for new connections. The SYN is not routed through
// an existing stream's ReceiveFrame in dispatch (there is no stream yet);
// instead a new Stream is created and fed the SYN via ReceiveFrame so its
// window accepts the peer's initial sequence and retransmitted SYNs route
// correctly while the dial below is still in flight. The stream is only
// Accept()ed — and the peer's SYN only acknowledged — once the outbound
// dial has actually succeeded; a failed dial gets a bare RST carrying
// "Connection failed" instead, and the stream never reaches OPEN.
func (m *Manager) handleSyn(fromNode uint32, f frame.Frame) {
	if m.role != RoleGateway {
		m.log.Warn("received SYN on non-gateway manager, ignoring", zap.Uint32("stream_id", f.StreamID))
		return
	}

	target, err := parseConnectTarget(f.Payload)
	if err != nil {
		m.log.Warn("rejecting SYN with unparseable target", zap.Error(err))
		return
	}
	if !m.allowed(target) {
		m.log.Warn("rejecting SYN for disallowed target", zap.String("target", target))
		return
	}

	s := stream.New(f.StreamID, fromNode, m.cfg, m.sendTo(fromNode), m.newPolicy(), m.log)
	s.ReceiveFrame(f)

	m.mu.Lock()
	m.streams[f.StreamID] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Add(s)
	}

	go m.dialAndAccept(s, target)
}

// dialAndAccept performs the outbound dial the new stream's SYN requested
// and only then accepts (or rejects) it; see handleSyn's doc comment for
// why this ordering matters.
func (m *Manager) dialAndAccept(s *stream.Stream, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), dialAcceptTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		m.log.Warn("outbound dial failed before accept, sending RST",
			zap.String("target", target), zap.Uint32("stream_id", s.StreamID()), zap.Error(err))
		s.Reset(connectionFailedPayload)
		m.Remove(s.StreamID())
		return
	}

	if !s.Accept() {
		conn.Close()
		m.Remove(s.StreamID())
		return
	}
	// The first dial to a target goes through dialFast directly, since no
	// pool exists for it yet (see dialerPool.Dial in dial.go); warm the pool
	// now so a later stream to the same target can reuse an idle connection
	// instead of paying for another handshake.
	m.dialer.Warm(target)
	if m.onAccept != nil {
		m.onAccept(s, conn)
	}
}

// dispatch routes one received, decoded frame.
func (m *Manager) dispatch(fromNode uint32, f frame.Frame) {
	if s, ok := m.Get(f.StreamID); ok {
		s.ReceiveFrame(f)
		return
	}
	if f.IsSYN() {
		m.handleSyn(fromNode, f)
		return
	}
	// A control frame for an unknown stream (already closed, or never
	// existed) is not actionable; the peer will time out its own side.
	m.log.Debug("dropping frame for unknown stream", zap.Uint32("stream_id", f.StreamID))
}

func (m *Manager) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case dgram, ok := <-m.transport.Recv():
			if !ok {
				return
			}
			key := dedupeKey(dgram)
			if _, found := m.dedupe.Get(key); found {
				continue
			}
			m.dedupe.Set(key, struct{}{}, cache.DefaultExpiration)

			f, err := frame.Decode(dgram.Payload)
			if err != nil {
				m.log.Debug("dropping undecodable datagram", zap.Error(err), zap.Uint32("from", dgram.FromNode))
				continue
			}
			m.dispatch(dgram.FromNode, f)
		}
	}
}

func dedupeKey(d meshradio.Datagram) string {
	return fmt.Sprintf("%d:%x", d.FromNode, d.Payload)
}

// retransmitLoop runs the periodic sweep described by the spec's
// RetransmitTicker: every tick, ask each stream to retransmit timed-out
// frames, and reap any stream that either exceeded max_retransmits or has
// been idle past its stream timeout.
func (m *Manager) retransmitLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.streams))
	snapshot := make([]*stream.Stream, 0, len(m.streams))
	for id, s := range m.streams {
		ids = append(ids, id)
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for i, s := range snapshot {
		ok := s.CheckRetransmits()
		timedOut := s.IsTimedOut()
		if !ok {
			// Retransmit cap exceeded: the link has already proven too noisy
			// to trust an RST getting through either, so the stream is just
			// abandoned locally without sending one.
			m.log.Info("stream exceeded max retransmits, abandoning without RST", zap.Uint32("stream_id", ids[i]))
			m.Remove(ids[i])
			continue
		}
		if timedOut {
			m.log.Info("stream inactivity timeout, resetting", zap.Uint32("stream_id", ids[i]))
			s.Reset(nil)
			m.Remove(ids[i])
		}
	}
}

// Run starts the receive loop and the retransmit ticker. It blocks until
// ctx is canceled or Shutdown is called.
func (m *Manager) Run(ctx context.Context, retransmitTick time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.receiveLoop(ctx) }()
	go func() { defer wg.Done(); m.retransmitLoop(ctx, retransmitTick) }()
	wg.Wait()
}

// Shutdown stops Run and resets every live stream.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		s.Reset(nil)
	}
}
