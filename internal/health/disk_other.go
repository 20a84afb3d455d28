//go:build !(linux || darwin || freebsd)

package health

import (
	"fmt"
	"runtime"
)

func freeBytes(string) (uint64, error) {
	return 0, fmt.Errorf("disk space not supported on %s", runtime.GOOS)
}
