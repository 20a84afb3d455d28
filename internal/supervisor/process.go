package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"devtimeline/internal/logging"
)

// Output stream labels.
const (
	StreamOut = "OUT"
	StreamErr = "ERR"
)

const maxLine = 1 << 20

// process is one started child. Readers touch only the pipes; the waiter
// owns cmd.Wait and closes done.
type process struct {
	spec ProcessSpec
	cmd  *exec.Cmd
	pid  int

	done    chan struct{}
	waitErr error

	readers sync.WaitGroup
}

func startProcess(spec ProcessSpec, logger *logging.Logger) (*process, error) {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = sysProcAttr()

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &process{
		spec: spec,
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	log := logger.With("process", spec.Name, "pid", p.pid)
	p.readers.Add(2)
	go p.relay(outR, StreamOut, log)
	go p.relay(errR, StreamErr, log)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// relay logs one entry per line. Lines longer than maxLine are cut and
// flagged; the rest of the line is read and dropped so the child never
// blocks or sees a closed pipe.
func (p *process) relay(r io.ReadCloser, stream string, logger *logging.Logger) {
	defer p.readers.Done()
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 4096)
	truncated := false
	emit := func() {
		if truncated {
			logger.Info("output", "stream", stream, "line", string(line), "truncated", true)
		} else {
			logger.Info("output", "stream", stream, "line", string(line))
		}
		line, truncated = line[:0], false
	}

	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				emit()
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn("output reader stopped", "stream", stream, "error", err)
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}

		if room := maxLine - len(line); len(chunk) > room {
			line = append(line, chunk[:room]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if !more {
			emit()
		}
	}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// exitErr is only meaningful once done is closed.
func (p *process) exitErr() error {
	select {
	case <-p.done:
		if p.waitErr == nil {
			return fmt.Errorf("exited with status 0")
		}
		return p.waitErr
	default:
		return nil
	}
}

func (p *process) waitDone(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *process) waitOutput(timeout time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *process) terminate() error {
	return signalGroup(p.cmd.Process, false)
}

func (p *process) kill() error {
	return signalGroup(p.cmd.Process, true)
}
