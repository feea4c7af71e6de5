package agentcli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentBin writes a tiny shell script that ignores all arguments and
// exits with the given code, standing in for the real agent CLI binary.
func fakeAgentBin(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent")
	script := "#!/bin/sh\necho ran\nexit " + string(rune('0'+exitCode)) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSpawn_CapturesOutputAndReportsExitCode(t *testing.T) {
	bin := fakeAgentBin(t, 0)
	dir := t.TempDir()
	a := New(bin, zerolog.New(os.Stderr))

	done := make(chan struct{})
	var gotExit int
	req := SpawnRequest{
		SessionID:  1,
		WorkingDir: dir,
		Prompt:     "do the thing",
		Model:      "sonnet",
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
	}

	pid, err := a.Spawn(req, func(sessionID int64, exitCode int, stdoutPath, stderrPath string) {
		gotExit = exitCode
		close(done)
	})
	require.NoError(t, err)
	assert.NotZero(t, pid)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not complete in time")
	}
	assert.Equal(t, 0, gotExit)

	out, err := os.ReadFile(filepath.Join(dir, "stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "ran")
}

func TestCancel_UnknownSessionIsNoop(t *testing.T) {
	a := New("sh", zerolog.New(os.Stderr))
	assert.NoError(t, a.Cancel(999))
}

func TestListRunning_EmptyInitially(t *testing.T) {
	a := New("sh", zerolog.New(os.Stderr))
	assert.Empty(t, a.ListRunning())
}

func TestStripAPIKey_RemovesAnthropicKey(t *testing.T) {
	env := []string{"HOME=/root", "ANTHROPIC_API_KEY=secret", "PATH=/usr/bin"}
	out := stripAPIKey(env)
	assert.NotContains(t, out, "ANTHROPIC_API_KEY=secret")
	assert.Contains(t, out, "HOME=/root")
	assert.Contains(t, out, "PATH=/usr/bin")
}
