// Package client implements the local HTTP CONNECT acceptor: the side of
// the bridge an application's HTTP client talks to. Every accepted CONNECT
// opens one mesh stream to the configured gateway node and pumps bytes
// between the two once the tunnel is established.
package client

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"meshbridge/internal/streammgr"
)

// maxRequestsPerIP and rateWindow bound how many CONNECTs a single source
// IP may open in a fixed window that starts at that IP's first counted
// request (the counter's expiry is not extended), adapted from the upstream proxy's
// server.go WAF check (go-cache-backed request counters).
const (
	maxRequestsPerIP = 200
	rateWindow       = 30 * time.Second
)

// Listener accepts HTTP CONNECT requests on a local address and bridges
// each one to a mesh stream.
type Listener struct {
	addr          string
	gatewayNodeID uint32
	mgr           *streammgr.Manager
	log           *zap.Logger

	rateLimit *cache.Cache
}

// New constructs a Listener. Call Serve to run it.
func New(addr string, gatewayNodeID uint32, mgr *streammgr.Manager, log *zap.Logger) *Listener {
	return &Listener{
		addr:          addr,
		gatewayNodeID: gatewayNodeID,
		mgr:           mgr,
		log:           log,
		rateLimit:     cache.New(rateWindow, rateWindow*2),
	}
}

// Serve accepts connections until ln is closed or accept fails.
func (l *Listener) Serve(ln net.Listener) error {
	l.log.Info("CONNECT listener started", zap.String("addr", l.addr))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

func clientIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (l *Listener) rateLimited(ip string) bool {
	if count, found := l.rateLimit.Get(ip); found {
		if count.(int) >= maxRequestsPerIP {
			return true
		}
		l.rateLimit.Increment(ip, 1)
		return false
	}
	l.rateLimit.Set(ip, 1, cache.DefaultExpiration)
	return false
}

func (l *Listener) handle(conn net.Conn) {
	ip := clientIP(conn)
	if l.rateLimited(ip) {
		l.log.Warn("rate limit exceeded, dropping connection", zap.String("client_ip", ip))
		conn.Close()
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		l.log.Debug("failed to read CONNECT request", zap.Error(err))
		conn.Close()
		return
	}
	if req.Method != http.MethodConnect {
		l.log.Warn("rejecting non-CONNECT request", zap.String("method", req.Method))
		conn.Write([]byte("HTTP/1.1 405 Method Not Allowed\r\n\r\n"))
		conn.Close()
		return
	}
	target := req.Host
	if target == "" || !strings.Contains(target, ":") {
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		conn.Close()
		return
	}

	s := l.mgr.OpenStream(l.gatewayNodeID, []byte("CONNECT "+target))
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		s.Reset(nil)
		return
	}

	l.log.Info("tunnel established", zap.String("target", target), zap.String("client_ip", ip))
	streammgr.Pump(conn, s, l.log)
	l.mgr.Remove(s.StreamID())
}
