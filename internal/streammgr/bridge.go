package streammgr

import (
	"io"
	"net"

	"go.uber.org/zap"

	"meshbridge/internal/stream"
)

// Pump bridges conn and s bidirectionally until either side closes,
// adapted from the upstream proxy's HandleNormal: one goroutine copies
// conn->stream, another copies stream->conn, and the calling goroutine
// waits for whichever direction finishes first and then tears down both ends.
func Pump(conn net.Conn, s *stream.Stream, log *zap.Logger) {
	defer conn.Close()
	defer s.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, err := io.Copy(s, conn)
		if err != nil {
			log.Debug("conn->stream copy ended", zap.Error(err))
		}
		done <- struct{}{}
	}()
	go func() {
		_, err := io.Copy(conn, s)
		if err != nil {
			log.Debug("stream->conn copy ended", zap.Error(err))
		}
		done <- struct{}{}
	}()
	<-done
}
