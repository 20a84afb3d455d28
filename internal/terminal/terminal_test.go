package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devtimeline/internal/logging"
	"devtimeline/internal/store"
)

type chunkReader struct {
	chunks [][]byte
	end    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.end
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if len(r.chunks[0]) == 0 {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

type memSink struct {
	mu     sync.Mutex
	events []store.Event
	fail   bool
}

func (s *memSink) Insert(e *store.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("database is locked")
	}
	s.events = append(s.events, *e)
	return int64(len(s.events)), nil
}

func (s *memSink) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e.Content)
	}
	return out
}

func TestOptionsDefaults(t *testing.T) {
	t.Setenv("SHELL", "")
	c := New(&memSink{}, logging.Discard(), Options{})
	assert.Equal(t, "/bin/bash", c.Shell())
	assert.Equal(t, 1024, c.opts.ReadSize)

	t.Setenv("SHELL", "/bin/zsh")
	assert.Equal(t, "/bin/zsh", New(&memSink{}, logging.Discard(), Options{}).Shell())
}

func TestPumpRecordsEveryChunk(t *testing.T) {
	sink := &memSink{}
	c := New(sink, logging.Discard(), Options{ReadSize: 1024})

	r := &chunkReader{
		chunks: [][]byte{[]byte("$ ls\r\n"), []byte("a.go  b.go\r\n"), []byte("$ ")},
		end:    io.EOF,
	}
	var out bytes.Buffer

	require.NoError(t, c.Pump(context.Background(), r, &out))

	assert.Equal(t, "$ ls\r\na.go  b.go\r\n$ ", out.String())
	assert.Equal(t, []string{"$ ls\r\n", "a.go  b.go\r\n", "$ "}, sink.contents())

	for _, e := range sink.events {
		assert.Equal(t, store.EventTerminal, e.EventType)
		assert.Equal(t, Source, e.Source)
		assert.Equal(t, Action, e.Action)
		assert.Nil(t, e.Cursor)
	}
	assert.Equal(t, Stats{Recorded: 3}, c.Stats())
}

func TestPumpSplitsByReadSize(t *testing.T) {
	sink := &memSink{}
	c := New(sink, logging.Discard(), Options{ReadSize: 4})

	r := &chunkReader{chunks: [][]byte{[]byte("abcdefghij")}, end: io.EOF}
	require.NoError(t, c.Pump(context.Background(), r, io.Discard))

	assert.Equal(t, []string{"abcd", "efgh", "ij"}, sink.contents())
}

func TestPumpReplacesInvalidUTF8(t *testing.T) {
	sink := &memSink{}
	c := New(sink, logging.Discard(), Options{})

	r := &chunkReader{chunks: [][]byte{{'o', 'k', 0xff, 0xfe, '!'}}, end: io.EOF}
	var out bytes.Buffer
	require.NoError(t, c.Pump(context.Background(), r, &out))

	assert.Equal(t, []string{"ok\uFFFD!"}, sink.contents())
	assert.Equal(t, []byte{'o', 'k', 0xff, 0xfe, '!'}, out.Bytes())
}

func TestPumpKeepsGoingWhenStoreFails(t *testing.T) {
	sink := &memSink{fail: true}
	c := New(sink, logging.Discard(), Options{})

	r := &chunkReader{chunks: [][]byte{[]byte("one"), []byte("two")}, end: io.EOF}
	var out bytes.Buffer
	require.NoError(t, c.Pump(context.Background(), r, &out))

	assert.Equal(t, "onetwo", out.String())
	assert.Equal(t, Stats{Dropped: 2}, c.Stats())
}

func TestPumpTreatsEIOAsEnd(t *testing.T) {
	c := New(&memSink{}, logging.Discard(), Options{})
	r := &chunkReader{end: &os.PathError{Op: "read", Path: "/dev/ptmx", Err: syscall.EIO}}
	assert.NoError(t, c.Pump(context.Background(), r, io.Discard))
}

func TestPumpReturnsOtherErrors(t *testing.T) {
	c := New(&memSink{}, logging.Discard(), Options{})
	r := &chunkReader{end: errors.New("boom")}
	assert.ErrorContains(t, c.Pump(context.Background(), r, io.Discard), "boom")
}

func TestPumpStopsOnCancelledContext(t *testing.T) {
	sink := &memSink{}
	c := New(sink, logging.Discard(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &chunkReader{chunks: [][]byte{[]byte("never")}, end: io.EOF}
	require.NoError(t, c.Pump(ctx, r, io.Discard))
	assert.Empty(t, sink.contents())
}

func TestRunCapturesShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty on windows")
	}
	sh := "/bin/sh"
	if _, err := os.Stat(sh); err != nil {
		t.Skip("no /bin/sh")
	}

	sink := &memSink{}
	c := New(sink, logging.Discard(), Options{Shell: sh})
	c.stdin = strings.NewReader("echo tl_mark$((40+2))\nexit\n")
	var out bytes.Buffer
	c.stdout = &out

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Run(ctx))

	assert.Contains(t, out.String(), "tl_mark42")
	assert.Contains(t, strings.Join(sink.contents(), ""), "tl_mark42")
	assert.Positive(t, c.Stats().Recorded)
}
