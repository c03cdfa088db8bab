package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnidsd/internal/config"
	"vnidsd/internal/logging"
)

// fakeBinary writes an executable shell script that sleeps until killed,
// standing in for the detection subprocess during tests.
func fakeBinary(t *testing.T, sleepFor time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-suricata.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nsleep " + sleepFor.String() + " &\nwait\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "local.rules"), []byte("alert tcp any any -> any any (msg:\"test\"; sid:1;)\n"), 0o644))

	return config.Config{
		LogLevel:            "error",
		PIDFile:             filepath.Join(dir, "vnidsd.pid"),
		SuricataBinary:      fakeBinary(t, 10*time.Second),
		SuricataConfig:      "/dev/null",
		SuricataRulesDir:    rulesDir,
		EventSocketPath:     filepath.Join(dir, "events.sock"),
		ControlSocket:       filepath.Join(dir, "control.sock"),
		EventBufferSize:     1024,
		DatabasePath:        filepath.Join(dir, "events.db"),
		StoreCap:            10000,
		CheckIntervalMS:     50,
		MaxRestartAttempts:  3,
	}
}

func TestOrchestrator_BuildAndStatus(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(logging.New("error"), cfg)
	require.NoError(t, err)
	o.startTime = time.Now()

	status := o.Status()
	assert.Equal(t, "ok", status.Status)
	assert.False(t, status.SuricataRunning)

	require.NoError(t, o.store.Close())
}

func TestOrchestrator_RunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(logging.New("error"), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.Status().SuricataRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, o.Status().SuricataRunning)

	o.RequestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not shut down in time")
	}

	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestOrchestrator_SetConfig(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(logging.New("error"), cfg)
	require.NoError(t, err)
	defer o.store.Close()

	require.NoError(t, o.SetConfig("max_events", "500"))
	assert.Error(t, o.SetConfig("max_events", "not-a-number"))
	assert.Error(t, o.SetConfig("unknown_key", "x"))
	require.NoError(t, o.SetConfig("log_level", "debug"))
}

func TestOrchestrator_ListAndValidateRules(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(logging.New("error"), cfg)
	require.NoError(t, err)
	defer o.store.Close()

	rules, err := o.ListRules()
	require.NoError(t, err)
	assert.Equal(t, []string{"local.rules"}, rules)

	statuses, err := o.ValidateRules()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Valid)
}

func TestOrchestrator_ListEventsEmpty(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(logging.New("error"), cfg)
	require.NoError(t, err)
	defer o.store.Close()

	events, err := o.ListEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
