package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devtimeline/internal/errclass"
	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
)

const helperEnv = "TIMELINE_SUPERVISOR_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelper(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelper is the body of a supervised child re-executed from the test
// binary.
func runHelper(mode string) {
	switch mode {
	case "sleep":
		fmt.Println("helper ready")
		fmt.Fprintln(os.Stderr, "helper warming up")
		time.Sleep(time.Minute)
	case "exit":
		fmt.Println("helper leaving")
		os.Exit(3)
	case "chatty":
		fmt.Println(strings.Repeat("a", 2*maxLine))
		fmt.Println("after long line")
		time.Sleep(time.Minute)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("helper ignoring SIGTERM")
		time.Sleep(time.Minute)
	case "serve":
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		})
		_ = http.ListenAndServe(os.Getenv("HELPER_ADDR"), nil)
	}
}

func helperSpec(name, mode string, env ...string) ProcessSpec {
	return ProcessSpec{
		Name:    name,
		Command: []string{os.Args[0], "-test.run=^$"},
		Env:     append([]string{helperEnv + "=" + mode}, env...),
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSupervisor(t *testing.T, specs []ProcessSpec, opts Options) (*Supervisor, *syncBuffer) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}

	logs := &syncBuffer{}
	if opts.Tick == 0 {
		opts.Tick = 20 * time.Millisecond
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	if opts.ProbeRetries == 0 {
		opts.ProbeRetries = 20
	}
	if opts.ProbeDelay == 0 {
		opts.ProbeDelay = 50 * time.Millisecond
	}

	s, err := New(specs, logging.NewWithWriter(logs, nil), opts)
	require.NoError(t, err)
	return s, logs
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewValidatesSpecs(t *testing.T) {
	tests := []struct {
		name  string
		specs []ProcessSpec
	}{
		{"missing name", []ProcessSpec{{Command: []string{"true"}}}},
		{"missing command", []ProcessSpec{{Name: "a"}}},
		{"duplicate", []ProcessSpec{{Name: "a", Command: []string{"true"}}, {Name: "a", Command: []string{"true"}}}},
		{"two health urls", []ProcessSpec{
			{Name: "a", Command: []string{"true"}, HealthURL: "http://127.0.0.1:1/health"},
			{Name: "b", Command: []string{"true"}, HealthURL: "http://127.0.0.1:2/health"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.specs, logging.Discard(), Options{})
			assert.Error(t, err)
		})
	}
}

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs("/usr/bin/timeline", "127.0.0.1:8010")
	require.Len(t, specs, 2)
	assert.Equal(t, "Timeline Watcher", specs[0].Name)
	assert.Equal(t, []string{"/usr/bin/timeline", "watch"}, specs[0].Command)
	assert.Empty(t, specs[0].HealthURL)
	assert.Equal(t, "http://127.0.0.1:8010/health", specs[1].HealthURL)

	_, err := New(specs, logging.Discard(), Options{})
	assert.NoError(t, err)
}

func TestPreflightDetectsBusyPort(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s, err := New([]ProcessSpec{{Name: "server", Command: []string{"true"}, HealthURL: srv.URL + "/health"}}, logging.Discard(), Options{})
	require.NoError(t, err)
	assert.ErrorContains(t, s.Preflight(context.Background()), "already in use")

	free, err := New([]ProcessSpec{{Name: "server", Command: []string{"true"}, HealthURL: "http://" + freeAddr(t) + "/health"}}, logging.Discard(), Options{})
	require.NoError(t, err)
	assert.NoError(t, free.Preflight(context.Background()))
}

func TestStartRelaysOutput(t *testing.T) {
	s, logs := newTestSupervisor(t, []ProcessSpec{helperSpec("sleeper", "sleep")}, Options{})
	defer s.Cleanup()

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"sleeper"}, s.Processes())
	assert.True(t, s.Running("sleeper"))
	assert.Positive(t, s.PID("sleeper"))
	assert.False(t, s.Running("missing"))

	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "helper ready") && strings.Contains(out, "helper warming up")
	}, 5*time.Second, 20*time.Millisecond)

	out := logs.String()
	assert.Contains(t, out, "stream=OUT")
	assert.Contains(t, out, "stream=ERR")
	assert.Contains(t, out, "process=sleeper")
}

func TestStartFailsForMissingBinary(t *testing.T) {
	s, _ := newTestSupervisor(t, []ProcessSpec{
		helperSpec("first", "sleep"),
		{Name: "ghost", Command: []string{"/nonexistent/timeline-ghost"}},
	}, Options{})
	defer s.Cleanup()

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "start ghost")
	assert.Equal(t, []string{"first"}, s.Processes())
}

func TestStartProbesDesignatedChild(t *testing.T) {
	addr := freeAddr(t)
	spec := helperSpec("server", "serve", "HELPER_ADDR="+addr)
	spec.HealthURL = "http://" + addr + "/health"

	m := metrics.New()
	s, _ := newTestSupervisor(t, []ProcessSpec{spec}, Options{Metrics: m})
	defer s.Cleanup()

	require.NoError(t, s.Start(context.Background()))

	reports := s.CheckHealth(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, StatusRunning, reports[0].Status)
	if runtime.GOOS == "linux" {
		require.NotNil(t, reports[0].MemoryBytes)
		assert.Positive(t, *reports[0].MemoryBytes)
	}
}

func TestStartFailsWhenProbeFails(t *testing.T) {
	spec := helperSpec("server", "sleep")
	spec.HealthURL = "http://" + freeAddr(t) + "/health"

	m := metrics.New()
	s, _ := newTestSupervisor(t, []ProcessSpec{spec}, Options{ProbeRetries: 2, ProbeDelay: 10 * time.Millisecond, Metrics: m})
	defer s.Cleanup()

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, errclass.ErrHealthProbeFailed)
}

func TestDeadChildEndsRun(t *testing.T) {
	s, logs := newTestSupervisor(t, []ProcessSpec{
		helperSpec("steady", "sleep"),
		helperSpec("flaky", "exit"),
	}, Options{})
	defer s.Cleanup()

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return !s.Running("flaky") }, 5*time.Second, 10*time.Millisecond)

	reports := s.CheckHealth(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, StatusRunning, reports[0].Status)
	assert.Equal(t, StatusDead, reports[1].Status)
	assert.Nil(t, reports[1].MemoryBytes)

	err := s.Run(context.Background(), nil)
	assert.ErrorIs(t, err, errclass.ErrChildProcessDied)
	assert.ErrorContains(t, err, "flaky")
	assert.Contains(t, logs.String(), "process died unexpectedly")
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestSupervisor(t, []ProcessSpec{helperSpec("sleeper", "sleep")}, Options{})
	defer s.Cleanup()
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nil) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunPrintsStatusOnRequest(t *testing.T) {
	out := &syncBuffer{}
	s, _ := newTestSupervisor(t, []ProcessSpec{helperSpec("sleeper", "sleep")}, Options{StatusOut: out})
	defer s.Cleanup()
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan struct{}, 1)
	requests <- struct{}{}
	go s.Run(ctx, requests)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Service Status")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "sleeper")
	assert.Contains(t, out.String(), StatusRunning)
}

func TestLongOutputLineKeepsChildAlive(t *testing.T) {
	s, logs := newTestSupervisor(t, []ProcessSpec{helperSpec("chatty", "chatty")}, Options{})
	defer s.Cleanup()
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "after long line")
	}, 10*time.Second, 50*time.Millisecond)

	assert.True(t, s.Running("chatty"))
	assert.NoError(t, s.poll())
	assert.Contains(t, logs.String(), "truncated=true")
}

func TestSlowStatusReportDoesNotDelayDeathDetection(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	server := helperSpec("server", "sleep")
	server.HealthURL = srv.URL
	s, _ := newTestSupervisor(t, []ProcessSpec{server, helperSpec("flaky", "exit")}, Options{
		ProbeRetries: 50,
		ProbeDelay:   200 * time.Millisecond,
		StatusOut:    io.Discard,
	})
	defer s.Cleanup()

	require.NoError(t, s.Start(context.Background()))
	failing.Store(true)
	require.Eventually(t, func() bool { return !s.Running("flaky") }, 5*time.Second, 10*time.Millisecond)

	requests := make(chan struct{}, 1)
	requests <- struct{}{}

	start := time.Now()
	err := s.Run(context.Background(), requests)
	assert.ErrorIs(t, err, errclass.ErrChildProcessDied)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCleanupStopsAllChildren(t *testing.T) {
	s, logs := newTestSupervisor(t, []ProcessSpec{
		helperSpec("one", "sleep"),
		helperSpec("two", "sleep"),
		helperSpec("three", "sleep"),
	}, Options{})

	require.NoError(t, s.Start(context.Background()))
	for _, name := range []string{"one", "two", "three"} {
		require.True(t, s.Running(name))
	}

	start := time.Now()
	s.Cleanup()
	assert.Less(t, time.Since(start), 6*time.Second)

	for _, name := range []string{"one", "two", "three"} {
		assert.False(t, s.Running(name), name)
	}
	assert.Contains(t, logs.String(), "all services stopped")
}

func TestCleanupKillsStubbornChild(t *testing.T) {
	s, logs := newTestSupervisor(t, []ProcessSpec{helperSpec("stubborn", "stubborn")}, Options{ShutdownTimeout: 300 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "helper ignoring SIGTERM")
	}, 5*time.Second, 20*time.Millisecond)

	s.Cleanup()
	assert.False(t, s.Running("stubborn"))
	assert.Contains(t, logs.String(), "did not stop in time")
}

func TestCleanupWithoutStart(t *testing.T) {
	s, _ := newTestSupervisor(t, []ProcessSpec{helperSpec("never", "sleep")}, Options{})
	s.Cleanup()
	assert.Empty(t, s.Processes())
}

func TestRenderStatus(t *testing.T) {
	rss := uint64(3 * 1024 * 1024)
	var buf bytes.Buffer
	require.NoError(t, RenderStatus(&buf, []HealthReport{
		{Name: "Timeline Watcher", Status: StatusRunning, PID: 42, MemoryBytes: &rss},
		{Name: "Timeline Server", Status: StatusDead, PID: 43},
	}))

	out := buf.String()
	for _, want := range []string{"Service Status", "Service", "Status", "PID", "Memory", "Timeline Watcher", "3.0 MB", "42", "dead", "N/A"} {
		assert.Contains(t, out, want)
	}
}
