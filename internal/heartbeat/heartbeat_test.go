package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/llm"
	"github.com/ajfrai/agent-queue/internal/ratelimit"
	"github.com/ajfrai/agent-queue/internal/scheduler"
	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

type fakeProvider struct{ text string }

func (f *fakeProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Text: f.text}, nil
}
func (f *fakeProvider) Stream(context.Context, llm.CompletionRequest, chan<- llm.Token) error {
	return nil
}
func (f *fakeProvider) ModelID() string { return "fake" }
func (f *fakeProvider) MaxTokens() int  { return 4096 }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := "/tmp/agent-queue-heartbeat-test-" + time.Now().Format("20060102150405.000000000") + ".db"
	st, err := store.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})
	return st
}

func newTestHeartbeat(t *testing.T, interval time.Duration) (*Heartbeat, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	bus := eventbus.New(st, zerolog.Nop())
	provider := &fakeProvider{text: `{"complexity":"simple","recommended_model":"sonnet","should_decompose":false,"subtasks":[],"reasoning":"ok"}`}
	sched := scheduler.New(scheduler.Config{
		Store:       st,
		Bus:         bus,
		Assessor:    assessment.New(provider, "sonnet-assess"),
		Agents:      agentcli.New("", zerolog.Nop()),
		Git:         vcs.New(t.TempDir(), zerolog.Nop()),
		Logger:      zerolog.Nop(),
		SessionsDir: t.TempDir(),
	})
	probe := ratelimit.New(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())

	hb := New(Config{
		Scheduler:     sched,
		Probe:         probe,
		Bus:           bus,
		Store:         st,
		Logger:        zerolog.Nop(),
		Interval:      interval,
		MaxConcurrent: 5,
	})
	return hb, st
}

func TestTrigger_OddBeatRunsDedupeAndAssess(t *testing.T) {
	hb, st := newTestHeartbeat(t, time.Hour)
	_, err := st.CreateTask(&store.Task{Title: "t", Description: "d"})
	require.NoError(t, err)

	diag := hb.Trigger(context.Background())
	assert.Equal(t, int64(1), diag.Beat)
	assert.Equal(t, "assess", diag.Phase)
	assert.Equal(t, 1, diag.Assessed)
	assert.False(t, diag.RanGC)
}

func TestTrigger_EvenBeatRunsExecute(t *testing.T) {
	hb, _ := newTestHeartbeat(t, time.Hour)
	hb.Trigger(context.Background()) // beat 1, odd
	diag := hb.Trigger(context.Background())
	assert.Equal(t, int64(2), diag.Beat)
	assert.Equal(t, "execute", diag.Phase)
}

func TestTrigger_EveryTenthBeatRunsGC(t *testing.T) {
	hb, _ := newTestHeartbeat(t, time.Hour)
	var diag Diagnostics
	for i := 0; i < 10; i++ {
		diag = hb.Trigger(context.Background())
	}
	assert.Equal(t, int64(10), diag.Beat)
	assert.True(t, diag.RanGC)
}

func TestTrigger_RateLimitedBeatSkipsAssessAndExecute(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st, zerolog.Nop())
	provider := &fakeProvider{text: `{"complexity":"simple","recommended_model":"sonnet"}`}
	sched := scheduler.New(scheduler.Config{
		Store:       st,
		Bus:         bus,
		Assessor:    assessment.New(provider, "sonnet-assess"),
		Agents:      agentcli.New("", zerolog.Nop()),
		Git:         vcs.New(t.TempDir(), zerolog.Nop()),
		Logger:      zerolog.Nop(),
		SessionsDir: t.TempDir(),
	})

	cachePath := filepath.Join(t.TempDir(), "usage_cache.json")
	require.NoError(t, os.WriteFile(cachePath, []byte(`{"tier":"pro","is_limited":true}`), 0o644))
	probe := ratelimit.New(cachePath, zerolog.Nop())

	hb := New(Config{
		Scheduler:     sched,
		Probe:         probe,
		Bus:           bus,
		Store:         st,
		Logger:        zerolog.Nop(),
		Interval:      time.Hour,
		MaxConcurrent: 5,
	})

	id, err := st.CreateTask(&store.Task{Title: "t", Description: "d"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		diag := hb.Trigger(context.Background())
		assert.True(t, diag.RateLimit.IsLimited)
		assert.Equal(t, 0, diag.Assessed)
		assert.Equal(t, 0, diag.Executed)
	}

	task, err := st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Empty(t, task.Complexity)

	events, err := st.ListEvents(store.EventFilter{})
	require.NoError(t, err)
	limitedCount := 0
	for _, e := range events {
		if e.EventType == "heartbeat.rate_limited" {
			limitedCount++
		}
	}
	assert.Equal(t, 3, limitedCount)
}

func TestTrigger_UnknownRateLimitNeverBlocksPhases(t *testing.T) {
	hb, _ := newTestHeartbeat(t, time.Hour)
	diag := hb.Trigger(context.Background())
	assert.Equal(t, "unknown", diag.RateLimit.Tier)
	assert.False(t, diag.RateLimit.IsLimited)
}

func TestStartStop_RunsAtLeastOneBeatImmediately(t *testing.T) {
	hb, _ := newTestHeartbeat(t, time.Hour)
	require.NoError(t, hb.Start(context.Background()))
	deadline := time.Now().Add(2 * time.Second)
	for hb.BeatCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int64(1), hb.BeatCount())
	hb.Stop()
}

func TestStart_ErrorsWhenAlreadyRunning(t *testing.T) {
	hb, _ := newTestHeartbeat(t, time.Hour)
	require.NoError(t, hb.Start(context.Background()))
	err := hb.Start(context.Background())
	assert.Error(t, err)
	hb.Stop()
}
