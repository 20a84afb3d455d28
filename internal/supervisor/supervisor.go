// Package supervisor starts the timeline's long-running processes, relays
// their output into the log, watches their health and shuts them down in
// order. A child that dies stops the whole group; nothing is restarted.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"devtimeline/internal/errclass"
	"devtimeline/internal/health"
	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
)

// ProcessSpec describes one supervised child.
type ProcessSpec struct {
	Name    string
	Command []string

	// Env is appended to the supervisor's environment.
	Env []string

	// HealthURL marks the designated HTTP child. At most one spec sets it.
	HealthURL string
}

// DefaultSpecs returns the watcher and server children, both run from the
// executable self.
func DefaultSpecs(self, serverAddr string) []ProcessSpec {
	return []ProcessSpec{
		{Name: "Timeline Watcher", Command: []string{self, "watch"}},
		{
			Name:      "Timeline Server",
			Command:   []string{self, "serve", "--addr", serverAddr},
			HealthURL: "http://" + serverAddr + "/health",
		},
	}
}

// Options tunes the supervisor. Zero values take the defaults.
type Options struct {
	Tick            time.Duration
	ShutdownTimeout time.Duration
	ProbeRetries    int
	ProbeDelay      time.Duration
	HTTPClient      *http.Client

	// StatusOut receives the status table on request. Defaults to stdout.
	StatusOut io.Writer

	// Metrics is optional.
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.StatusOut == nil {
		o.StatusOut = os.Stdout
	}
}

// Supervisor owns a fixed, ordered set of child processes.
type Supervisor struct {
	specs  []ProcessSpec
	opts   Options
	logger *logging.Logger
	prober *health.Prober

	mu        sync.Mutex
	processes []*process
}

// New validates specs and creates a Supervisor.
func New(specs []ProcessSpec, logger *logging.Logger, opts Options) (*Supervisor, error) {
	opts.applyDefaults()

	seen := make(map[string]bool, len(specs))
	designated := 0
	for i, spec := range specs {
		switch {
		case spec.Name == "":
			return nil, fmt.Errorf("process %d: name is required", i)
		case seen[spec.Name]:
			return nil, fmt.Errorf("process %q: duplicate name", spec.Name)
		case len(spec.Command) == 0:
			return nil, fmt.Errorf("process %q: command is required", spec.Name)
		}
		seen[spec.Name] = true
		if spec.HealthURL != "" {
			designated++
		}
	}
	if designated > 1 {
		return nil, fmt.Errorf("%d processes declare a health URL, at most one may", designated)
	}

	return &Supervisor{
		specs:  specs,
		opts:   opts,
		logger: logger.WithComponent("supervisor"),
		prober: health.NewProber(opts.HTTPClient, opts.ProbeRetries, opts.ProbeDelay),
	}, nil
}

func (s *Supervisor) designated() (ProcessSpec, bool) {
	for _, spec := range s.specs {
		if spec.HealthURL != "" {
			return spec, true
		}
	}
	return ProcessSpec{}, false
}

// Preflight fails when the designated child's address already accepts
// connections.
func (s *Supervisor) Preflight(ctx context.Context) error {
	spec, ok := s.designated()
	if !ok {
		return nil
	}

	u, err := url.Parse(spec.HealthURL)
	if err != nil {
		return fmt.Errorf("parse health url for %s: %w", spec.Name, err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	dialer := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil
	}
	conn.Close()

	s.logger.Error("port already in use", "process", spec.Name, "addr", host)
	return fmt.Errorf("address %s for %s is already in use", host, spec.Name)
}

// Start launches every spec in order. After the designated child starts,
// its health endpoint is probed; a failed probe aborts the start. Callers
// must call Cleanup whatever Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, spec := range s.specs {
		s.logger.Info("starting process", "process", spec.Name, "command", spec.Command)

		p, err := startProcess(spec, s.logger)
		if err != nil {
			s.logger.Error("failed to start process", "process", spec.Name, "error", err)
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}

		s.mu.Lock()
		s.processes = append(s.processes, p)
		s.mu.Unlock()
		s.logger.Info("started process", "process", spec.Name, "pid", p.pid)

		if spec.HealthURL != "" {
			s.logger.Info("verifying process", "process", spec.Name, "url", spec.HealthURL)
			if err := s.prober.Probe(ctx, spec.HealthURL); err != nil {
				s.probeFailed(spec.Name)
				s.logger.Error("process failed verification", "process", spec.Name, "error", err)
				return err
			}
			s.logger.Info("process verified", "process", spec.Name)
		}
	}

	s.logger.Info("all services started", "count", len(s.specs))
	return nil
}

// Processes returns the started processes' names in start order.
func (s *Supervisor) Processes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.processes))
	for _, p := range s.processes {
		names = append(names, p.spec.Name)
	}
	return names
}

// Running reports whether the named process has been started and is alive.
func (s *Supervisor) Running(name string) bool {
	p := s.lookup(name)
	return p != nil && p.alive()
}

// PID returns the named process's PID, or 0.
func (s *Supervisor) PID(name string) int {
	if p := s.lookup(name); p != nil {
		return p.pid
	}
	return 0
}

func (s *Supervisor) lookup(name string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.processes {
		if p.spec.Name == name {
			return p
		}
	}
	return nil
}

func (s *Supervisor) snapshot() []*process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*process(nil), s.processes...)
}

// Run polls every process once per tick until ctx is cancelled (nil) or a
// process dies (errclass.ErrChildProcessDied). Each value received on
// statusRequests prints the status table. The report runs beside the poll
// loop, so a slow health probe never delays death detection; requests that
// arrive while a report is running are dropped.
func (s *Supervisor) Run(ctx context.Context, statusRequests <-chan struct{}) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	statusCtx, cancelStatus := context.WithCancel(ctx)
	var reports sync.WaitGroup
	var reporting atomic.Bool
	defer func() {
		cancelStatus()
		reports.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("received shutdown signal")
			return nil

		case _, ok := <-statusRequests:
			if !ok {
				statusRequests = nil
				continue
			}
			if !reporting.CompareAndSwap(false, true) {
				s.logger.Debug("status report already running")
				continue
			}
			reports.Add(1)
			go func() {
				defer reports.Done()
				defer reporting.Store(false)
				if err := RenderStatus(s.opts.StatusOut, s.CheckHealth(statusCtx)); err != nil {
					s.logger.Warn("render status", "error", err)
				}
			}()

		case <-ticker.C:
			if err := s.poll(); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) poll() error {
	for _, p := range s.snapshot() {
		if !p.alive() {
			s.observe(p.spec.Name, false, nil)
			s.logger.Error("process died unexpectedly", "process", p.spec.Name, "pid", p.pid, "error", p.exitErr())
			return errclass.ErrChildProcessDied.WithMessagef("%s died", p.spec.Name).Wrap(p.exitErr())
		}
		s.observe(p.spec.Name, true, residentMemory(p.pid))
	}
	return nil
}

// Cleanup stops every started process in start order: SIGTERM to its
// process group, then SIGKILL once ShutdownTimeout passes. It returns after
// each child has exited and its output has drained, or its timeouts expire.
func (s *Supervisor) Cleanup() {
	s.logger.Info("shutting down services")

	for _, p := range s.snapshot() {
		if p.alive() {
			s.logger.Info("stopping process", "process", p.spec.Name, "pid", p.pid)
			if err := p.terminate(); err != nil {
				s.logger.Warn("terminate process", "process", p.spec.Name, "error", err)
			}

			if !p.waitDone(s.opts.ShutdownTimeout) {
				s.logger.Warn("process did not stop in time, killing", "process", p.spec.Name, "timeout", s.opts.ShutdownTimeout)
				if err := p.kill(); err != nil {
					s.logger.Error("kill process", "process", p.spec.Name, "error", err)
				}
				if !p.waitDone(s.opts.ShutdownTimeout) {
					s.logger.Error("process still running after kill", "process", p.spec.Name)
				}
			}
		}

		if !p.waitOutput(s.opts.ShutdownTimeout) {
			s.logger.Warn("output readers did not drain", "process", p.spec.Name)
		}
		s.observe(p.spec.Name, false, nil)
	}

	s.logger.Info("all services stopped")
}

func (s *Supervisor) observe(name string, up bool, rss *uint64) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveChild(name, up, rss)
	}
}

func (s *Supervisor) probeFailed(name string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ProbeFailed(name)
	}
}
