//go:build linux

package supervisor

import "github.com/prometheus/procfs"

// residentMemory returns pid's RSS in bytes, or nil when /proc cannot
// tell.
func residentMemory(pid int) *uint64 {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil
	}
	stat, err := proc.Stat()
	if err != nil {
		return nil
	}
	rss := uint64(stat.ResidentMemory())
	return &rss
}
