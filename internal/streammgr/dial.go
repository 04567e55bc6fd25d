package streammgr

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

// dialFast resolves every IP for addr and races parallel TCP connections,
// returning the first to succeed. Adapted from the upstream proxy's
// DialFast; a gateway here only ever dials the single target named by a
// CONNECT request, never a fan-out of configured rule targets, so this is
// the one dial helper instead of several routing modes.
func dialFast(ctx context.Context, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(dialCtx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}

	type result struct {
		c   net.Conn
		err error
	}
	resCh := make(chan result, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-dialCtx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(dialCtx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- result{c: c}:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}
	select {
	case r := <-resCh:
		return r.c, r.err
	case <-dialCtx.Done():
		return (&net.Dialer{Timeout: 3 * time.Second}).DialContext(ctx, "tcp", addr)
	}
}

// prewarmInitialSize and prewarmMax bound the idle pool kept for each
// allowlisted target, adapted from the upstream proxy's prewarmPool.
const (
	prewarmInitialSize = 4
	prewarmMax         = 32
)

type prewarmPool struct {
	addr    string
	log     *zap.Logger
	desired int

	mu      sync.Mutex
	idle    []net.Conn
	warming int
}

// dialerPool keeps one small idle-connection pool per allowlisted gateway
// target, so accepting a stream whose CONNECT target is already warm
// avoids paying a fresh TCP handshake on top of the mesh's own latency.
// Targets outside the allowlist (when one is configured there is none to
// warm) fall straight through to dialFast.
type dialerPool struct {
	log   *zap.Logger
	mu    sync.Mutex
	pools map[string]*prewarmPool
}

func newDialerPool(log *zap.Logger) *dialerPool {
	return &dialerPool{log: log, pools: make(map[string]*prewarmPool)}
}

// Warm ensures addr has a prewarm pool and starts filling it.
func (d *dialerPool) Warm(addr string) {
	d.mu.Lock()
	p, ok := d.pools[addr]
	if !ok {
		p = &prewarmPool{addr: addr, log: d.log, desired: prewarmInitialSize}
		d.pools[addr] = p
	}
	d.mu.Unlock()
	p.ensure()
}

func (p *prewarmPool) ensure() {
	p.mu.Lock()
	need := p.desired - len(p.idle) - p.warming
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.warming += need
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		go p.dialOne()
	}
}

func (p *prewarmPool) dialOne() {
	conn, err := dialFast(context.Background(), p.addr)
	p.mu.Lock()
	p.warming--
	if p.warming < 0 {
		p.warming = 0
	}
	if err != nil {
		p.mu.Unlock()
		p.log.Debug("prewarm dial failed", zap.String("target", p.addr), zap.Error(err))
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *prewarmPool) acquire() (net.Conn, bool) {
	p.mu.Lock()
	n := len(p.idle)
	if n == 0 {
		p.mu.Unlock()
		p.ensure()
		return nil, false
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	remaining := len(p.idle)
	if remaining*4 < p.desired && p.desired < prewarmMax {
		p.desired *= 2
		if p.desired > prewarmMax {
			p.desired = prewarmMax
		}
	}
	p.mu.Unlock()
	p.ensure()
	return conn, true
}

// Dial returns a connection to addr, preferring an idle prewarmed one.
func (d *dialerPool) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d.mu.Lock()
	p, ok := d.pools[addr]
	d.mu.Unlock()
	if ok {
		if conn, ok := p.acquire(); ok {
			return conn, nil
		}
	}
	return dialFast(ctx, addr)
}
