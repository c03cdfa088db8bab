package ingest

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenUnix(t *testing.T) (net.Listener, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestReader_ReadsMultipleLinesFromOneFill(t *testing.T) {
	l, path := listenUnix(t)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("line one\nline two\n"))
	}()

	r := newReader(path)
	require.NoError(t, r.connect())

	state := r.wait(time.Second)
	require.Equal(t, stateReady, state)

	line, ok := r.readLine()
	require.True(t, ok)
	assert.Equal(t, "line one", string(line))

	line, ok = r.readLine()
	require.True(t, ok)
	assert.Equal(t, "line two", string(line))

	_, ok = r.readLine()
	assert.False(t, ok)
}

func TestReader_BufferGrowsUpToCap(t *testing.T) {
	l, path := listenUnix(t)

	payload := bytes.Repeat([]byte("x"), 100*1024)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(payload)
		_, _ = conn.Write([]byte("\n"))
	}()

	r := newReader(path)
	require.NoError(t, r.connect())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.wait(100 * time.Millisecond) == stateReady {
			break
		}
	}

	line, ok := r.readLine()
	require.True(t, ok)
	assert.Len(t, line, 100*1024)
	assert.GreaterOrEqual(t, len(r.buf), 100*1024)
	assert.LessOrEqual(t, len(r.buf), maxBufSize)
}

func TestReader_LineExceedingCapIsDropped(t *testing.T) {
	l, path := listenUnix(t)

	payload := bytes.Repeat([]byte("y"), maxBufSize+1024)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(payload)
		_, _ = conn.Write([]byte("\n"))
		_, _ = conn.Write([]byte("next\n"))
	}()

	r := newReader(path)
	require.NoError(t, r.connect())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.wait(100 * time.Millisecond)
		if r.linesDropped.Load() > 0 {
			break
		}
	}
	assert.Greater(t, r.linesDropped.Load(), int64(0))
}
