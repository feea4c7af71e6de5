// Package agentcli spawns the external agent CLI as a supervised child
// process per session, captures its output to disk, and reports completion
// through a callback.
package agentcli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const terminationGrace = 5 * time.Second

// CompletionFunc is invoked once per session when its process exits, with
// the outcome needed to finalize the session in the store.
type CompletionFunc func(sessionID int64, exitCode int, stdoutPath, stderrPath string)

// SpawnRequest describes one session to launch.
type SpawnRequest struct {
	SessionID  int64
	WorkingDir string
	Prompt     string
	Model      string
	StdoutPath string
	StderrPath string
}

// RunningSession is a snapshot of one supervised process.
type RunningSession struct {
	SessionID int64
	PID       int
	StartedAt time.Time
}

type supervised struct {
	sessionID int64
	cmd       *exec.Cmd
	startedAt time.Time

	mu         sync.Mutex
	terminated bool
}

// Adapter supervises agent-CLI child processes.
type Adapter struct {
	bin    string
	logger zerolog.Logger

	mu      sync.Mutex
	running map[int64]*supervised
}

// New builds an Adapter. bin is the agent CLI executable name (e.g.
// "claude"); it is resolved through PATH like any other exec.Command.
func New(bin string, logger zerolog.Logger) *Adapter {
	if bin == "" {
		bin = "claude"
	}
	return &Adapter{
		bin:     bin,
		logger:  logger.With().Str("component", "agentcli").Logger(),
		running: make(map[int64]*supervised),
	}
}

// Spawn launches the agent CLI for one session and returns its PID once the
// process has started. onComplete is invoked from a background goroutine
// when the process exits, however it exits (success, failure, or
// cancellation).
func (a *Adapter) Spawn(req SpawnRequest, onComplete CompletionFunc) (int, error) {
	if err := os.MkdirAll(req.WorkingDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create working directory: %w", err)
	}
	for _, p := range []string{req.StdoutPath, req.StderrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create session log directory: %w", err)
		}
	}

	stdoutFile, err := os.OpenFile(req.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout log: %w", err)
	}
	stderrFile, err := os.OpenFile(req.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdoutFile.Close()
		return 0, fmt.Errorf("failed to open stderr log: %w", err)
	}

	args := []string{"-p", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

	cmd := exec.Command(a.bin, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = stripAPIKey(os.Environ())

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return 0, fmt.Errorf("failed to start agent cli: %w", err)
	}

	sup := &supervised{sessionID: req.SessionID, cmd: cmd, startedAt: time.Now()}

	a.mu.Lock()
	a.running[req.SessionID] = sup
	a.mu.Unlock()

	pid := cmd.Process.Pid
	a.logger.Info().Int64("session_id", req.SessionID).Int("pid", pid).Str("dir", req.WorkingDir).
		Msg("spawned agent cli")

	go func() {
		defer stdoutFile.Close()
		defer stderrFile.Close()

		waitErr := cmd.Wait()
		exitCode := exitCodeFromError(waitErr)

		sup.mu.Lock()
		sup.terminated = true
		sup.mu.Unlock()

		a.mu.Lock()
		delete(a.running, req.SessionID)
		a.mu.Unlock()

		a.logger.Info().Int64("session_id", req.SessionID).Int("exit_code", exitCode).
			Msg("agent cli exited")

		onComplete(req.SessionID, exitCode, req.StdoutPath, req.StderrPath)
	}()

	return pid, nil
}

// Cancel terminates a running session: SIGTERM first, then SIGKILL after a
// grace period if the process hasn't exited. Idempotent — calling it twice,
// or calling it after the process already exited on its own, is a no-op.
func (a *Adapter) Cancel(sessionID int64) error {
	a.mu.Lock()
	sup, ok := a.running[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	sup.mu.Lock()
	if sup.terminated {
		sup.mu.Unlock()
		return nil
	}
	sup.mu.Unlock()

	if err := sup.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		a.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("sigterm failed, trying sigkill")
		return sup.cmd.Process.Kill()
	}

	time.AfterFunc(terminationGrace, func() {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		if sup.terminated {
			return
		}
		_ = sup.cmd.Process.Kill()
	})

	return nil
}

// ListRunning returns a snapshot of every currently supervised session.
func (a *Adapter) ListRunning() []RunningSession {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]RunningSession, 0, len(a.running))
	for _, sup := range a.running {
		out = append(out, RunningSession{SessionID: sup.sessionID, PID: sup.cmd.Process.Pid, StartedAt: sup.startedAt})
	}
	return out
}

func stripAPIKey(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) >= len("ANTHROPIC_API_KEY=") && kv[:len("ANTHROPIC_API_KEY")] == "ANTHROPIC_API_KEY" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
