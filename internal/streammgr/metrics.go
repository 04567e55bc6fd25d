package streammgr

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"meshbridge/internal/stream"
)

// streamSource is the narrow slice of a live stream a collector needs for
// a Collect pass.
type streamSource interface {
	StreamID() uint32
	RemoteNodeID() uint32
	State() stream.State
	Snapshot() stream.Stats
}

// metricInfo pairs a Desc with the function that reads it off a stream's
// stats snapshot, mirroring runZeroInc-sockstats's exporter.info/supplier
// split so adding a metric never touches Collect's loop body.
type metricInfo struct {
	desc    *prometheus.Desc
	valueOf func(st stream.State, s stream.Stats) (prometheus.ValueType, float64)
}

// StreamCollector is a prometheus.Collector exposing live per-stream
// counters, adapted from runZeroInc-sockstats's TCPInfoCollector (which
// polled kernel TCP_INFO per net.Conn) to poll this package's own Stats
// snapshots per stream instead.
type StreamCollector struct {
	mu      sync.Mutex
	streams map[uint32]streamSource
	infos   []metricInfo
}

// NewStreamCollector builds a collector with a fixed metric set. constLabels
// is applied to every exported series, e.g. {"role": "gateway"}.
func NewStreamCollector(prefix string, constLabels prometheus.Labels) *StreamCollector {
	c := &StreamCollector{streams: make(map[uint32]streamSource)}
	labels := []string{"stream_id", "remote_node", "state"}

	add := func(name, help string, vt prometheus.ValueType, fn func(stream.State, stream.Stats) float64) {
		c.infos = append(c.infos, metricInfo{
			desc: prometheus.NewDesc(prefix+"_"+name, help, labels, constLabels),
			valueOf: func(st stream.State, s stream.Stats) (prometheus.ValueType, float64) {
				return vt, fn(st, s)
			},
		})
	}

	add("bytes_sent", "Bytes sent on the stream.", prometheus.CounterValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.BytesSent) })
	add("bytes_received", "Bytes received on the stream.", prometheus.CounterValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.BytesReceived) })
	add("frames_sent", "Frames sent on the stream.", prometheus.CounterValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.FramesSent) })
	add("frames_received", "Frames received on the stream.", prometheus.CounterValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.FramesReceived) })
	add("retransmits", "Frames retransmitted on the stream.", prometheus.CounterValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.Retransmits) })
	add("max_pending", "High-water mark of unacknowledged in-flight frames.", prometheus.GaugeValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.MaxPending) })
	add("rtt_avg_ms", "Mean observed round-trip time, in milliseconds.", prometheus.GaugeValue,
		func(_ stream.State, s stream.Stats) float64 { return float64(s.AverageRTT().Milliseconds()) })

	return c
}

func (c *StreamCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.desc
	}
}

func (c *StreamCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.streams {
		st := s.State()
		snap := s.Snapshot()
		labels := []string{
			uint32ToLabel(s.StreamID()),
			uint32ToLabel(s.RemoteNodeID()),
			st.String(),
		}
		for _, info := range c.infos {
			vt, v := info.valueOf(st, snap)
			metrics <- prometheus.MustNewConstMetric(info.desc, vt, v, labels...)
		}
	}
}

// Add registers a stream for export. Remove deregisters it; callers must
// call Remove when a stream closes, or its last-known counters (and a
// stale OPEN-before-close state label) will linger forever.
func (c *StreamCollector) Add(s streamSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[s.StreamID()] = s
}

func (c *StreamCollector) Remove(streamID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, streamID)
}

func uint32ToLabel(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
