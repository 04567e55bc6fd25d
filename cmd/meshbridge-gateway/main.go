// Command meshbridge-gateway runs the gateway side of the mesh stream
// bridge: it accepts stream SYNs from clients over the mesh radio and
// dials the requested TCP target on their behalf.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshbridge/internal/ackpolicy"
	"meshbridge/internal/config"
	"meshbridge/internal/daemon"
	"meshbridge/internal/gateway"
	"meshbridge/internal/logging"
	"meshbridge/internal/meshradio"
	"meshbridge/internal/stream"
	"meshbridge/internal/streammgr"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	root := &cobra.Command{
		Use:   "meshbridge-gateway",
		Short: "Accept mesh streams and dial their requested TCP targets",
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.PathFromEnv("MESHBRIDGE_CONFIG", "config/gateway.json"), "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("meshbridge-gateway " + version)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Path: cfg.Log.Path, Console: true})
	defer log.Sync()

	transport, err := openTransport(cfg, log)
	if err != nil {
		return err
	}

	var metrics *streammgr.StreamCollector
	if cfg.MetricsAddr != "" {
		metrics = streammgr.NewStreamCollector("meshbridge", prometheus.Labels{"role": "gateway"})
		prometheus.MustRegister(metrics)
	}

	var gw *gateway.Gateway
	mgr := streammgr.New(streammgr.Options{
		Role:   streammgr.RoleGateway,
		NodeID: cfg.NodeID,
		Config: stream.Config{
			WindowSize:        cfg.WindowSize,
			ChunkPayloadSize:  cfg.ChunkPayloadSize,
			RetransmitTimeout: cfg.RetransmitTimeout(),
			MaxRetransmits:    cfg.MaxRetransmits,
			StreamTimeout:     cfg.StreamTimeout(),
		},
		AckMethod: cfg.AckMethod,
		SmartConfig: ackpolicy.SmartConfig{
			AckEveryN:    cfg.SmartAck.AckEveryN,
			AckInterval:  time.Duration(cfg.SmartAck.AckIntervalMs) * time.Millisecond,
			NackInterval: time.Duration(cfg.SmartAck.NackIntervalMs) * time.Millisecond,
		},
		Allowlist: cfg.GatewayAllowlist,
		Transport: transport,
		Log:       log,
		Metrics:   metrics,
		OnAccept:  func(s *stream.Stream, conn net.Conn) { gw.OnAccept(s, conn) },
	})
	gw = gateway.New(mgr, log)

	start := func(ctx context.Context) error {
		go mgr.Run(ctx, cfg.RetransmitTick())
		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr, log)
		}
		return nil
	}
	stop := func() {
		mgr.Shutdown()
	}

	return daemon.Run(ctx, log, start, stop, nil)
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics server started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

// openTransport selects the real serial radio transport when the config
// names a device, falling back to the in-process loopback transport
// otherwise (dry runs, and the handshake/bridging tests in internal/streammgr).
func openTransport(cfg *config.Config, log *zap.Logger) (meshradio.Transport, error) {
	if cfg.Radio.SerialDevice == "" {
		return meshradio.NewLoopback(meshradio.LoopbackConfig{
			LocalNodeID: cfg.NodeID,
			BytesPerSec: cfg.Radio.BytesPerSec,
		}, log), nil
	}

	device := cfg.Radio.SerialDevice
	serial, err := meshradio.NewSerial(meshradio.SerialConfig{
		LocalNodeID: cfg.NodeID,
		BytesPerSec: cfg.Radio.BytesPerSec,
		Dialer: func() (io.ReadWriteCloser, error) {
			return os.OpenFile(device, os.O_RDWR, 0)
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open mesh radio serial device %q: %w", device, err)
	}
	return serial, nil
}
