// Package terminal runs an interactive shell on a pseudo-terminal and
// records every chunk of its output as a timeline event.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"devtimeline/internal/logging"
	"devtimeline/internal/store"
)

// Source and action of every terminal event.
const (
	Source = "shell"
	Action = "command"
)

// Options configures a capture session.
type Options struct {
	// Shell defaults to $SHELL, then /bin/bash.
	Shell string

	// ReadSize is the pty read buffer size.
	ReadSize int
}

func (o *Options) applyDefaults() {
	if o.Shell == "" {
		o.Shell = os.Getenv("SHELL")
	}
	if o.Shell == "" {
		o.Shell = "/bin/bash"
	}
	if o.ReadSize <= 0 {
		o.ReadSize = 1024
	}
}

// Stats counts chunks since the capture was created.
type Stats struct {
	Recorded uint64
	Dropped  uint64
}

// Capture mirrors a shell session to stdout while recording it.
type Capture struct {
	sink   store.Sink
	logger *logging.Logger
	opts   Options

	stdin  io.Reader
	stdout io.Writer

	recorded atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a capture bound to the process's stdin and stdout.
func New(sink store.Sink, logger *logging.Logger, opts Options) *Capture {
	opts.applyDefaults()
	return &Capture{
		sink:   sink,
		logger: logger.WithComponent("terminal"),
		opts:   opts,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
}

// Shell returns the shell the capture runs.
func (c *Capture) Shell() string {
	return c.opts.Shell
}

// Stats returns a snapshot of the counters.
func (c *Capture) Stats() Stats {
	return Stats{Recorded: c.recorded.Load(), Dropped: c.dropped.Load()}
}

// Run starts the shell and captures it until the shell exits or ctx is
// cancelled. It returns the shell's exit error.
func (c *Capture) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.opts.Shell)
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start %s on pty: %w", c.opts.Shell, err)
	}
	defer ptmx.Close()

	if in, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		stop := watchResize(ptmx, in, c.logger)
		defer stop()

		state, err := term.MakeRaw(int(in.Fd()))
		if err != nil {
			c.logger.Warn("raw mode unavailable", "error", err)
		} else {
			defer func() { _ = term.Restore(int(in.Fd()), state) }()
		}
	}

	go func() {
		_, _ = io.Copy(ptmx, c.stdin)
	}()

	c.logger.Info("capture started", "shell", c.opts.Shell, "pid", cmd.Process.Pid)

	pumpErr := c.Pump(ctx, ptmx, c.stdout)
	waitErr := cmd.Wait()

	stats := c.Stats()
	c.logger.Info("capture ended", "recorded", stats.Recorded, "dropped", stats.Dropped)

	if pumpErr != nil {
		return pumpErr
	}
	if waitErr != nil {
		return fmt.Errorf("shell exited: %w", waitErr)
	}
	return nil
}

// Pump copies r to w one read at a time and records each chunk. It returns
// nil when r reports EOF or EIO (a pty whose child has exited).
func (c *Capture) Pump(ctx context.Context, r io.Reader, w io.Writer) error {
	buf := make([]byte, c.opts.ReadSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				c.logger.Debug("mirror write failed", "error", werr)
			}
			c.record(chunk)
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read terminal: %w", err)
		}
	}
}

func (c *Capture) record(chunk []byte) {
	content := strings.ToValidUTF8(string(chunk), "\uFFFD")
	event := &store.Event{
		EventType: store.EventTerminal,
		Source:    Source,
		Action:    Action,
		Content:   &content,
	}

	if _, err := c.sink.Insert(event); err != nil {
		c.dropped.Add(1)
		c.logger.Error("failed to record terminal output", "bytes", len(chunk), "error", err)
		return
	}
	c.recorded.Add(1)
}
