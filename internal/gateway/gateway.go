// Package gateway wires an accepted mesh stream to an outbound TCP dial,
// the far side of the bridge from package client.
package gateway

import (
	"net"

	"go.uber.org/zap"

	"meshbridge/internal/stream"
	"meshbridge/internal/streammgr"
)

// Gateway pumps bytes between an accepted mesh stream and the outbound
// connection streammgr.Manager already dialed for it before accepting.
type Gateway struct {
	mgr *streammgr.Manager
	log *zap.Logger
}

// New constructs a Gateway bound to mgr. Callers must pass Gateway.OnAccept
// as the Manager's Options.OnAccept when constructing mgr.
func New(mgr *streammgr.Manager, log *zap.Logger) *Gateway {
	return &Gateway{mgr: mgr, log: log}
}

// OnAccept bridges an already-connected outbound conn to s. The Manager
// only calls this once the dial it required before accepting has already
// succeeded; a failed dial never reaches here, it gets a bare RST instead.
func (g *Gateway) OnAccept(s *stream.Stream, conn net.Conn) {
	go func() {
		g.log.Info("outbound connection established", zap.Uint32("stream_id", s.StreamID()))
		streammgr.Pump(conn, s, g.log)
		g.mgr.Remove(s.StreamID())
	}()
}
