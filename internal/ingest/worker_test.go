package ingest

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnidsd/internal/logging"
	"vnidsd/internal/queue"
)

func TestWorker_ParsesAndPushesAlert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(`{"event_type":"alert","src_ip":"10.0.0.5","src_port":1,"dest_ip":"10.0.0.6","dest_port":2,"proto":"TCP","alert":{"signature_id":7,"gid":1,"signature":"hit","severity":1}}` + "\n"))
	}()

	q := queue.New(16)
	w := New(logging.New("error"), path, q)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go w.Run(ctx)

	deadline := time.Now().Add(400 * time.Millisecond)
	var gotEvent bool
	for time.Now().Before(deadline) {
		if q.Len() > 0 {
			gotEvent = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, gotEvent)

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(7), ev.Rule.SignatureID)
	assert.Equal(t, "hit", ev.Message)
}

func TestWorker_HandleLine_FlowEventIgnoredNotCountedAsParseError(t *testing.T) {
	q := queue.New(16)
	w := New(logging.New("error"), "/dev/null", q)

	w.handleLine([]byte(`{"event_type":"flow","src_ip":"1.2.3.4"}`))

	linesRead, parseErrors, _ := w.Stats()
	assert.Equal(t, int64(1), linesRead)
	assert.Equal(t, int64(0), parseErrors)
	assert.Equal(t, int64(0), q.Len())
}

func TestWorker_HandleLine_UnknownEventTypeCountsParseError(t *testing.T) {
	q := queue.New(16)
	w := New(logging.New("error"), "/dev/null", q)

	w.handleLine([]byte(`{"event_type":"foo","src_ip":"1.2.3.4"}`))

	_, parseErrors, _ := w.Stats()
	assert.Equal(t, int64(1), parseErrors)
}

func TestWorker_ReconnectsAfterSocketDisappears(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	connected := make(chan struct{}, 2)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			connected <- struct{}{}
			conn.Close()
		}
	}()

	q := queue.New(16)
	w := New(logging.New("error"), path, q)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go w.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected")
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reconnected after disconnect")
	}

	l.Close()
}
