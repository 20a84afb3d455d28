package health

import (
	"context"
	"os"
	"runtime"
)

// PingCheck reports a database as unhealthy when ping fails.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "database connection ok"}
	}
}

// DirectoryCheck reports whether path exists and is a directory.
func DirectoryCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{"path": path}

		info, err := os.Stat(path)
		switch {
		case err != nil:
			return CheckResult{Status: StatusUnhealthy, Message: "directory not accessible", Error: err.Error(), Details: details}
		case !info.IsDir():
			return CheckResult{Status: StatusUnhealthy, Message: "not a directory", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// MemoryCheck degrades when the Go heap exceeds maxHeapBytes.
func MemoryCheck(maxHeapBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		details := map[string]any{
			"heap_alloc_bytes": ms.HeapAlloc,
			"max_heap_bytes":   maxHeapBytes,
			"goroutines":       runtime.NumGoroutine(),
		}
		if ms.HeapAlloc > maxHeapBytes {
			return CheckResult{Status: StatusDegraded, Message: "heap above limit", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFreeBytes available. Unsupported platforms report unknown.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{"path": path, "min_free_bytes": minFreeBytes}

		free, err := freeBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "disk space unavailable", Error: err.Error(), Details: details}
		}
		details["free_bytes"] = free
		if free < minFreeBytes {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
