package store

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dbPath := "/tmp/agent-queue-test-" + time.Now().Format("20060102150405.000000000") + ".db"
	logger := zerolog.New(os.Stderr)
	st, err := New(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})
	return st
}

func TestNew_CreatesSchema(t *testing.T) {
	st := newTestStore(t)

	tables := []string{"tasks", "sessions", "comments", "events", "rate_limits", "projects", "meta"}
	for _, table := range tables {
		var count int
		err := st.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestTask_CRUD(t *testing.T) {
	st := newTestStore(t)

	task := &Task{Title: "Add README", Description: "Create README.md", Priority: 1}
	id, err := st.CreateTask(task)
	require.NoError(t, err)
	assert.NotZero(t, id)

	fetched, err := st.GetTask(id)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "Add README", fetched.Title)
	assert.Equal(t, TaskPending, fetched.Status)

	require.NoError(t, st.UpdateTaskStatus(id, TaskAssessing))
	fetched, err = st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskAssessing, fetched.Status)

	require.NoError(t, st.SetAssessment(id, "simple", "sonnet", map[string]interface{}{"reasoning": "small change"}))
	require.NoError(t, st.UpdateTaskStatus(id, TaskPending))
	fetched, err = st.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, fetched.Status)
	assert.Equal(t, "simple", fetched.Complexity)
	assert.Equal(t, "sonnet", fetched.RecommendedModel)

	require.NoError(t, st.MergeMetadata(id, map[string]interface{}{MetaActive: true}))
	fetched, err = st.GetTask(id)
	require.NoError(t, err)
	assert.True(t, fetched.IsActive())
}

func TestTask_ParentMustExist(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateTask(&Task{Title: "orphan", ParentID: 999})
	assert.Error(t, err)
}

func TestTask_MetadataNullSentinelDeletes(t *testing.T) {
	st := newTestStore(t)

	id, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, st.MergeMetadata(id, map[string]interface{}{MetaActive: true, MetaBranch: "task-1-t"}))

	require.NoError(t, st.MergeMetadata(id, map[string]interface{}{MetaBranch: nil}))
	fetched, err := st.GetTask(id)
	require.NoError(t, err)
	_, hasBranch := fetched.Metadata[MetaBranch]
	assert.False(t, hasBranch)
	assert.True(t, fetched.IsActive())
}

func TestNextExecutable_RequiresActiveFlag(t *testing.T) {
	st := newTestStore(t)

	id, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, st.SetAssessment(id, "simple", "sonnet", nil))

	executable, err := st.NextExecutable(10)
	require.NoError(t, err)
	assert.Empty(t, executable)

	require.NoError(t, st.MergeMetadata(id, map[string]interface{}{MetaActive: true}))
	executable, err = st.NextExecutable(10)
	require.NoError(t, err)
	require.Len(t, executable, 1)
	assert.Equal(t, id, executable[0].ID)
}

func TestDedupePending_KeepsLowestID(t *testing.T) {
	st := newTestStore(t)

	first, err := st.CreateTask(&Task{Title: "dup", Description: "same"})
	require.NoError(t, err)
	_, err = st.CreateTask(&Task{Title: "dup", Description: "same"})
	require.NoError(t, err)
	_, err = st.CreateTask(&Task{Title: "different", Description: "same"})
	require.NoError(t, err)

	removed, err := st.DedupePending()
	require.NoError(t, err)
	require.Len(t, removed, 1)

	survivor, err := st.GetTask(first)
	require.NoError(t, err)
	assert.NotNil(t, survivor)

	deleted, err := st.GetTask(removed[0])
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestSession_OnlyOneActivePerTask(t *testing.T) {
	st := newTestStore(t)

	taskID, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	_, err = st.CreateSession(&Session{TaskID: taskID, WorktreePath: "/tmp/w1"})
	require.NoError(t, err)

	_, err = st.CreateSession(&Session{TaskID: taskID, WorktreePath: "/tmp/w2"})
	assert.Error(t, err)
}

func TestSession_Lifecycle(t *testing.T) {
	st := newTestStore(t)

	taskID, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	sessID, err := st.CreateSession(&Session{TaskID: taskID, WorktreePath: "/tmp/w1", StdoutPath: "stdout.log", StderrPath: "stderr.log"})
	require.NoError(t, err)

	require.NoError(t, st.MarkSessionStarted(sessID, 4242))
	count, err := st.CountRunningSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, st.CompleteSession(sessID, SessionCompleted, 0))
	count, err = st.CountRunningSessions()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	fetched, err := st.GetSession(sessID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, fetched.Status)
}

func TestComment_ListOrdersOldestFirst(t *testing.T) {
	st := newTestStore(t)

	taskID, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	_, err = st.CreateComment(&Comment{TaskID: taskID, Content: "first", Author: "assessment"})
	require.NoError(t, err)
	_, err = st.CreateComment(&Comment{TaskID: taskID, Content: "second", Author: "reviewer"})
	require.NoError(t, err)

	comments, err := st.ListComments(taskID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "first", comments[0].Content)
	assert.Equal(t, "second", comments[1].Content)
}

func TestEvent_AppendAndList(t *testing.T) {
	st := newTestStore(t)

	_, err := st.AppendEvent(&Event{EventType: "task.created", EntityType: "task", EntityID: "1"})
	require.NoError(t, err)
	_, err = st.AppendEvent(&Event{EventType: "task.assessed", EntityType: "task", EntityID: "1"})
	require.NoError(t, err)

	events, err := st.ListEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "task.created", events[0].EventType)

	since, err := st.ListEvents(EventFilter{SinceID: events[0].ID})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "task.assessed", since[0].EventType)
}

func TestRateLimitSnapshot_Upsert(t *testing.T) {
	st := newTestStore(t)

	none, err := st.GetRateLimitSnapshot()
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, st.SaveRateLimitSnapshot(&RateLimitSnapshot{Tier: "pro", Used: 10, Limit: 100, Percent: 10, IsLimited: false}))
	snap, err := st.GetRateLimitSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "pro", snap.Tier)

	require.NoError(t, st.SaveRateLimitSnapshot(&RateLimitSnapshot{Tier: "pro", Used: 95, Limit: 100, Percent: 95, IsLimited: true}))
	snap, err = st.GetRateLimitSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.IsLimited)
}

func TestProject_CRUD(t *testing.T) {
	st := newTestStore(t)

	id, err := st.CreateProject(&Project{Name: "demo", RepoDir: "/repos/demo"})
	require.NoError(t, err)

	fetched, err := st.GetProject(id)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "main", fetched.DefaultBranch)

	projects, err := st.ListProjects()
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestDBSizeBytes(t *testing.T) {
	st := newTestStore(t)

	_, err := st.CreateTask(&Task{Title: "t"})
	require.NoError(t, err)

	size, err := st.DBSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
