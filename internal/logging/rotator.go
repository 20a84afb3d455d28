package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatedStamp names rotated files: timeline.log becomes
// timeline.2026-03-01_23-59-00.log. Names sort chronologically.
const rotatedStamp = "2006-01-02_15-04-05"

// RotationPolicy decides when a RotatingFile starts a new file and how
// many old ones survive. Zero fields disable the matching limit.
type RotationPolicy struct {
	MaxBytes   int64
	MaxBackups int
	MaxAge     time.Duration
	Compress   bool
}

// RotatingFile appends to a log file and moves it aside when the local
// day changes or the next write would exceed MaxBytes.
type RotatingFile struct {
	path   string
	policy RotationPolicy
	now    func() time.Time

	mu      sync.Mutex
	f       *os.File
	written int64
	day     time.Time
	pending sync.WaitGroup
}

// OpenRotatingFile opens path for appending, creating its directory.
func OpenRotatingFile(path string, policy RotationPolicy) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rf := &RotatingFile{path: path, policy: policy, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.f, rf.written, rf.day = f, info.Size(), startOfDay(rf.now())
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.f == nil {
		if err := rf.open(); err != nil {
			return 0, err
		}
	}

	full := rf.policy.MaxBytes > 0 && rf.written > 0 && rf.written+int64(len(p)) > rf.policy.MaxBytes
	if full || !startOfDay(rf.now()).Equal(rf.day) {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := rf.f.Write(p)
	rf.written += int64(n)
	return n, err
}

// rotate closes the live file, renames it with the current time and opens
// a fresh one. Compression and pruning run in the background.
func (rf *RotatingFile) rotate() error {
	if err := rf.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	rf.f = nil

	target := rf.backupName(rf.now())
	if err := os.Rename(rf.path, target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := rf.open(); err != nil {
		return err
	}

	rf.pending.Add(1)
	go func() {
		defer rf.pending.Done()
		if rf.policy.Compress {
			_ = gzipInPlace(target)
		}
		rf.prune()
	}()
	return nil
}

// backupName returns an unused rotated name for t.
func (rf *RotatingFile) backupName(t time.Time) string {
	stem, ext := rf.stem()
	name := fmt.Sprintf("%s.%s%s", stem, t.Format(rotatedStamp), ext)
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s.%s-%d%s", stem, t.Format(rotatedStamp), i, ext)
	}
	return name
}

func (rf *RotatingFile) stem() (string, string) {
	ext := filepath.Ext(rf.path)
	return strings.TrimSuffix(rf.path, ext), ext
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// gzipInPlace replaces path with path.gz.
func gzipInPlace(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return err
	}
	return os.Remove(path)
}

// Backups lists rotated files, oldest first.
func (rf *RotatingFile) Backups() ([]string, error) {
	stem, _ := rf.stem()
	matches, err := filepath.Glob(stem + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, m := range matches {
		if m != rf.path {
			backups = append(backups, m)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

// prune deletes backups beyond MaxBackups and those older than MaxAge.
func (rf *RotatingFile) prune() {
	backups, err := rf.Backups()
	if err != nil {
		return
	}

	if max := rf.policy.MaxBackups; max > 0 && len(backups) > max {
		for _, old := range backups[:len(backups)-max] {
			os.Remove(old)
		}
		backups = backups[len(backups)-max:]
	}

	if rf.policy.MaxAge <= 0 {
		return
	}
	cutoff := rf.now().Add(-rf.policy.MaxAge)
	for _, b := range backups {
		if info, err := os.Stat(b); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(b)
		}
	}
}

// Sync flushes the live file.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f == nil {
		return nil
	}
	return rf.f.Sync()
}

// Close waits for background compression, then closes the live file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.pending.Wait()
	if rf.f == nil {
		return nil
	}
	err := rf.f.Close()
	rf.f = nil
	return err
}
