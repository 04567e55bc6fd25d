// Command meshbridge-client runs the client side of the mesh stream
// bridge: a local HTTP CONNECT listener that tunnels each accepted
// connection to a gateway node over the mesh radio.
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
	"meshbridge/internal/client"
	"meshbridge/internal/config"
	"meshbridge/internal/daemon"
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
		Use:   "meshbridge-client",
		Short: "Tunnel local HTTP CONNECT traffic over a LoRa mesh to a gateway node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.PathFromEnv("MESHBRIDGE_CONFIG", "config/client.json"), "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("meshbridge-client " + version)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the client daemon",
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
		metrics = streammgr.NewStreamCollector("meshbridge", prometheus.Labels{"role": "client"})
		prometheus.MustRegister(metrics)
	}

	mgr := streammgr.New(streammgr.Options{
		Role:   streammgr.RoleClient,
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
			AckInterval:  msDuration(cfg.SmartAck.AckIntervalMs),
			NackInterval: msDuration(cfg.SmartAck.NackIntervalMs),
		},
		Transport: transport,
		Log:       log,
		Metrics:   metrics,
	})

	listener := client.New(cfg.ListenAddr, cfg.GatewayNodeID, mgr, log)

	start := func(ctx context.Context) error {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
		}
		go mgr.Run(ctx, cfg.RetransmitTick())
		go func() {
			if err := listener.Serve(ln); err != nil {
				log.Warn("CONNECT listener stopped", zap.Error(err))
			}
		}()
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

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
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
			// The OS-level device is expected to already be configured for
			// the radio's line settings (baud rate etc.); no serial client
			// library appears anywhere in the reference dependency pack, so
			// opening the character device directly is the only option that
			// doesn't fabricate a dependency. See DESIGN.md.
			return os.OpenFile(device, os.O_RDWR, 0)
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open mesh radio serial device %q: %w", device, err)
	}
	return serial, nil
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics server started", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
