package control

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnidsd/internal/logging"
)

type stubHandler struct {
	configKey, configValue string
	shutdownCalled         bool
}

func (s *stubHandler) Status() StatusInfo {
	return StatusInfo{Status: "ok", Version: "test", UptimeSeconds: 1, SuricataRunning: true}
}
func (s *stubHandler) GetStats() StatsSnapshot { return StatsSnapshot{EventsStored: 42} }
func (s *stubHandler) ReloadRules() error       { return nil }
func (s *stubHandler) SetConfig(key, value string) error {
	s.configKey, s.configValue = key, value
	return nil
}
func (s *stubHandler) RequestShutdown() { s.shutdownCalled = true }
func (s *stubHandler) ListRules() ([]string, error) {
	return []string{"rule1.rules"}, nil
}
func (s *stubHandler) ListEvents(max int) ([]EventSummary, error) {
	return []EventSummary{{Ordinal: 1, ID: "abc"}}, nil
}
func (s *stubHandler) ValidateRules() ([]RuleFileStatus, error) {
	return []RuleFileStatus{{Path: "rule1.rules", Valid: true}}, nil
}

func dialAndRoundTrip(t *testing.T, path string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [4]byte
	_, err = readFull(conn, lenBuf[:])
	require.NoError(t, err)
	respLen := binary.BigEndian.Uint32(lenBuf[:])

	respBody := make([]byte, respLen)
	_, err = readFull(conn, respBody)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(respBody, &resp))
	return resp
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func startTestServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "api.sock")
	s := New(logging.New("error"), h)
	require.NoError(t, s.Start(path))
	t.Cleanup(s.Stop)
	return s, path
}

func TestControl_StatusRoundTrip(t *testing.T) {
	_, path := startTestServer(t, &stubHandler{})
	resp := dialAndRoundTrip(t, path, Request{Command: "status"})
	assert.True(t, resp.Success)
}

func TestControl_UnknownCommand(t *testing.T) {
	_, path := startTestServer(t, &stubHandler{})
	resp := dialAndRoundTrip(t, path, Request{Command: "nonexistent"})
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.ErrorCode)
}

func TestControl_SetConfigUnknownKey(t *testing.T) {
	_, path := startTestServer(t, &stubHandler{})
	resp := dialAndRoundTrip(t, path, Request{
		Command: "set_config",
		Params:  json.RawMessage(`{"key":"nonexistent","value":"x"}`),
	})
	assert.False(t, resp.Success)
	assert.Equal(t, 3, resp.ErrorCode)
}

func TestControl_SetConfigValidKey(t *testing.T) {
	h := &stubHandler{}
	_, path := startTestServer(t, h)
	resp := dialAndRoundTrip(t, path, Request{
		Command: "set_config",
		Params:  json.RawMessage(`{"key":"log_level","value":"debug"}`),
	})
	assert.True(t, resp.Success)
	assert.Equal(t, "log_level", h.configKey)
}

func TestControl_NonObjectParamsRejected(t *testing.T) {
	_, path := startTestServer(t, &stubHandler{})
	resp := dialAndRoundTrip(t, path, Request{
		Command: "set_config",
		Params:  json.RawMessage(`"just a string"`),
	})
	assert.False(t, resp.Success)
	assert.Equal(t, 2, resp.ErrorCode)
}

func TestControl_OversizedMessageClosesSession(t *testing.T) {
	_, path := startTestServer(t, &stubHandler{})

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 131072)
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestControl_Shutdown(t *testing.T) {
	h := &stubHandler{}
	_, path := startTestServer(t, h)
	resp := dialAndRoundTrip(t, path, Request{Command: "shutdown"})
	assert.True(t, resp.Success)
	assert.True(t, h.shutdownCalled)
}
