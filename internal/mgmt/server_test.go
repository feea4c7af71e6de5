package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajfrai/agent-queue/internal/agentcli"
	"github.com/ajfrai/agent-queue/internal/assessment"
	"github.com/ajfrai/agent-queue/internal/eventbus"
	"github.com/ajfrai/agent-queue/internal/health"
	"github.com/ajfrai/agent-queue/internal/heartbeat"
	"github.com/ajfrai/agent-queue/internal/llm"
	"github.com/ajfrai/agent-queue/internal/ratelimit"
	"github.com/ajfrai/agent-queue/internal/scheduler"
	"github.com/ajfrai/agent-queue/internal/store"
	"github.com/ajfrai/agent-queue/internal/vcs"
)

type fakeProvider struct{}

func (f *fakeProvider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Text: `{"complexity":"simple","recommended_model":"sonnet","should_decompose":false,"subtasks":[],"reasoning":"ok"}`}, nil
}
func (f *fakeProvider) Stream(context.Context, llm.CompletionRequest, chan<- llm.Token) error {
	return nil
}
func (f *fakeProvider) ModelID() string { return "fake" }
func (f *fakeProvider) MaxTokens() int  { return 4096 }

func newTestStoreForServer(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mgmt-test.db")
	st, err := store.New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// testApp wires a real Store/EventBus/Scheduler/Heartbeat behind the
// management API.
func testApp(t *testing.T, authMode string, apiKey string) *fiber.App {
	t.Helper()
	return testAppWithRoles(t, authMode, apiKey, nil)
}

func testAppWithRoles(t *testing.T, authMode string, apiKey string, roles map[string]Role) *fiber.App {
	t.Helper()
	logger := zerolog.Nop()
	checker := health.NewChecker(logger)

	st := newTestStoreForServer(t)
	bus := eventbus.New(st, logger)
	sched := scheduler.New(scheduler.Config{
		Store:       st,
		Bus:         bus,
		Assessor:    assessment.New(&fakeProvider{}, "sonnet-assess"),
		Agents:      agentcli.New("", logger),
		Git:         vcs.New(t.TempDir(), logger),
		Logger:      logger,
		SessionsDir: t.TempDir(),
	})
	probe := ratelimit.New(filepath.Join(t.TempDir(), "missing.json"), logger)
	hb := heartbeat.New(heartbeat.Config{
		Scheduler:     sched,
		Probe:         probe,
		Bus:           bus,
		Store:         st,
		Logger:        logger,
		Interval:      time.Hour,
		MaxConcurrent: 2,
	})

	srv := NewServer(ServerConfig{
		ListenAddr: ":0",
		AuthConfig: AuthConfig{
			Mode:   authMode,
			APIKey: apiKey,
			Roles:  roles,
		},
		RateLimit: RateLimitConfig{RPS: 1000, Burst: 2000},
	}, st, bus, sched, hb, checker, nil, logger)

	return srv.App()
}

func TestServer_HealthzEndpoint(t *testing.T) {
	app := testApp(t, "none", "")

	req, _ := http.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ReadyzEndpoint(t *testing.T) {
	app := testApp(t, "none", "")

	req, _ := http.NewRequest("GET", "/readyz", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CreateAndGetTask(t *testing.T) {
	app := testApp(t, "none", "")

	body := `{"title":"Add README","description":"Create a README file"}`
	req, _ := http.NewRequest("POST", "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created TaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotNil(t, created.Task)

	req2, _ := http.NewRequest("GET", "/api/v1/status", nil)
	resp2, err := app.Test(req2, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&status))
	assert.Equal(t, 1, status.TasksByStatus[store.TaskPending])
}

func TestServer_TriggerHeartbeatRequiresOperatorRole(t *testing.T) {
	app := testAppWithRoles(t, "api-key", "admin-key", map[string]Role{"readonly-key": RoleReadOnly})

	req, _ := http.NewRequest("POST", "/api/v1/heartbeat/trigger", nil)
	req.Header.Set("Authorization", "Bearer readonly-key")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
