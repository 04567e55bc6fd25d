// Package daemon provides the process lifecycle glue shared by the client
// and gateway binaries, generalized from the upstream proxy's run.go
// (which only ever started a WaitGroup of listeners and waited for them to
// return). This version additionally wires SIGINT/SIGTERM for graceful
// shutdown and SIGHUP for config reload, since a long-lived radio daemon
// needs both.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Run blocks until the process receives SIGINT/SIGTERM, calling start once
// up front and stop on the way out. Every SIGHUP received while running
// invokes onReload, if non-nil.
func Run(ctx context.Context, log *zap.Logger, start func(context.Context) error, stop func(), onReload func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := start(ctx); err != nil {
		return err
	}
	log.Info("daemon started")

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			log.Info("received SIGHUP")
			if onReload != nil {
				onReload()
			}
		default:
			log.Info("received shutdown signal", zap.Stringer("signal", sigStringer{sig}))
			cancel()
			stop()
			log.Info("daemon stopped")
			return nil
		}
	}
}

type sigStringer struct{ sig os.Signal }

func (s sigStringer) String() string { return s.sig.String() }
