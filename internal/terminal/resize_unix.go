//go:build !windows

package terminal

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"

	"devtimeline/internal/logging"
)

// watchResize copies the size of tty to ptmx now and on every SIGWINCH.
func watchResize(ptmx, tty *os.File, logger *logging.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)

	go func() {
		for range ch {
			if err := pty.InheritSize(tty, ptmx); err != nil {
				logger.Debug("resize pty", "error", err)
			}
		}
	}()
	ch <- syscall.SIGWINCH

	return func() {
		signal.Stop(ch)
		close(ch)
	}
}
