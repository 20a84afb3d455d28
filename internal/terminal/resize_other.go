//go:build windows

package terminal

import (
	"os"

	"devtimeline/internal/logging"
)

func watchResize(_, _ *os.File, _ *logging.Logger) func() {
	return func() {}
}
