//go:build !windows

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// notifyStatusSignal forwards SIGUSR1 as a status request.
func notifyStatusSignal(ctx context.Context, requests chan<- struct{}) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				select {
				case requests <- struct{}{}:
				default:
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
