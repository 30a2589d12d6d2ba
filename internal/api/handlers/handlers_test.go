package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agenthub/agenthub/internal/api"
	"github.com/agenthub/agenthub/internal/api/handlers"
	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/internal/config"
	"github.com/agenthub/agenthub/internal/credentials"
	"github.com/agenthub/agenthub/internal/engine"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/launcher"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

// testAPI wires the full handler stack over a fake engine.
type testAPI struct {
	router http.Handler
	store  store.Store
	eng    *engine.Fake
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dataDir := t.TempDir()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	bus := events.New(s.Snapshot)
	t.Cleanup(bus.Close)
	eng := engine.NewFake()

	builder := snapshot.NewBuilder(s, eng, bus, snapshot.Options{})
	t.Cleanup(builder.Close)
	broker := artifacts.NewBroker(s, bus, dataDir)
	launch := launcher.New(s, eng, bus, broker, credentials.NewChain(dataDir), launcher.Options{
		DataDir:      dataDir,
		BaseURL:      "http://127.0.0.1:7420",
		StartTimeout: 5 * time.Second,
		StopTimeout:  time.Second,
	})
	t.Cleanup(func() { launch.Shutdown(context.Background()) })

	cfg := config.Load()
	cfg.Telemetry.Enabled = false
	h := handlers.New(s, bus, builder, launch, broker, "test")
	return &testAPI{router: api.NewRouter(cfg, h), store: s, eng: eng}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func (a *testAPI) createProject(t *testing.T) models.Project {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"repo_url":   "https://example.com/demo.git",
		"base_image": map[string]string{"tag": "ubuntu:24.04"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Project](t, w)
}

// readyProject creates a project and marks its snapshot built.
func (a *testAPI) readyProject(t *testing.T) models.Project {
	t.Helper()
	p := a.createProject(t)
	cur, err := a.store.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	cur.BuildStatus = models.BuildReady
	cur.SnapshotImageRef = snapshot.ImageRef(snapshot.BuildKey(cur))
	require.NoError(t, a.store.UpdateProject(context.Background(), cur))
	a.eng.SeedImage(cur.SnapshotImageRef)
	return *cur
}

func (a *testAPI) waitChatStatus(t *testing.T, chatID string, want models.ChatStatus) models.ChatSession {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		chat, err := a.store.GetChat(context.Background(), chatID)
		if err == nil && chat.Status == want {
			return *chat
		}
		require.False(t, time.Now().After(deadline), "chat %s never reached %s", chatID, want)
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── Projects ────────────────────────────────────────────────

func TestCreateProject_Validation(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"base_image": map[string]string{"tag": "ubuntu:24.04"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/projects", map[string]any{
		"repo_url": "https://example.com/demo.git",
	}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateProject_Defaults(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t)

	require.NotEmpty(t, p.ID)
	require.Equal(t, models.BuildPending, p.BuildStatus)
	require.Equal(t, "main", p.DefaultBranch)
	require.Equal(t, "https://example.com/demo.git", p.Name, "name defaults to the repo URL")
}

func TestCreateProject_IdempotencyKeyReplays(t *testing.T) {
	a := newTestAPI(t)
	hdr := map[string]string{handlers.IdempotencyHeader: "req-42"}
	body := map[string]any{
		"repo_url":   "https://example.com/demo.git",
		"base_image": map[string]string{"tag": "ubuntu:24.04"},
	}

	first := a.do(t, http.MethodPost, "/api/v1/projects", body, hdr)
	require.Equal(t, http.StatusCreated, first.Code)
	created := decode[models.Project](t, first)

	second := a.do(t, http.MethodPost, "/api/v1/projects", body, hdr)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	replayed := decode[models.Project](t, second)
	require.Equal(t, created.ID, replayed.ID, "replay must not create a second project")

	projects, err := a.store.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)

	// A different key is a genuinely new request.
	third := a.do(t, http.MethodPost, "/api/v1/projects", body, map[string]string{handlers.IdempotencyHeader: "req-43"})
	require.Equal(t, http.StatusCreated, third.Code)
	require.Empty(t, third.Header().Get("X-Idempotent-Replay"))
}

func TestUpdateProject_BuildInputChangeResetsStatus(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPut, "/api/v1/projects/"+p.ID, map[string]any{
		"repo_url":     p.RepoURL,
		"base_image":   map[string]string{"tag": "ubuntu:24.04"},
		"setup_script": []string{"apt-get install -y make"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Project](t, w)
	require.Equal(t, models.BuildPending, updated.BuildStatus)
	require.Empty(t, updated.SnapshotImageRef)
}

func TestUpdateProject_CosmeticChangeKeepsStatus(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPut, "/api/v1/projects/"+p.ID, map[string]any{
		"name":       "renamed",
		"repo_url":   p.RepoURL,
		"base_image": map[string]string{"tag": "ubuntu:24.04"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Project](t, w)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, models.BuildReady, updated.BuildStatus)
	require.Equal(t, p.SnapshotImageRef, updated.SnapshotImageRef)
}

func TestDeleteProject_Idempotent(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t)

	w := a.do(t, http.MethodDelete, "/api/v1/projects/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodDelete, "/api/v1/projects/"+p.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, "second delete must succeed")
}

func TestBuildProject_EventuallyReady(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/build", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, err := a.store.GetProject(context.Background(), p.ID)
		require.NoError(t, err)
		if cur.BuildStatus == models.BuildReady {
			require.NotEmpty(t, cur.SnapshotImageRef)
			break
		}
		require.False(t, time.Now().After(deadline), "build never finished, status %s", cur.BuildStatus)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBuildLog_FollowStreamsLines(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t)
	a.eng.BuildLines = []string{"step one", "step two"}
	a.eng.BuildDelay = 200 * time.Millisecond

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/build", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v1/projects/"+p.ID+"/build/log?follow=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// Lines may arrive via the tail replay or live, and a line written
	// while the stream attaches can repeat, so collect until both appear.
	seen := map[string]bool{}
	dec := json.NewDecoder(resp.Body)
	for !seen["step one"] || !seen["step two"] {
		var entry snapshot.LogEntry
		require.NoError(t, dec.Decode(&entry), "stream ended before both build lines arrived")
		seen[entry.Line] = true
	}
}

func TestBuildLog_RecentWithoutFollow(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t)
	a.eng.BuildLines = []string{"step one", "step two"}

	a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/build", nil, nil)
	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, err := a.store.GetProject(context.Background(), p.ID)
		require.NoError(t, err)
		if cur.BuildStatus == models.BuildReady {
			break
		}
		require.False(t, time.Now().After(deadline), "build never finished")
		time.Sleep(10 * time.Millisecond)
	}

	w := a.do(t, http.MethodGet, "/api/v1/projects/"+p.ID+"/build/log?lines=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]snapshot.LogEntry](t, w)
	require.Len(t, entries, 1)
	require.Equal(t, "step two", entries[0].Line)
}

// ─── Chats ───────────────────────────────────────────────────

func startChatBody() map[string]any {
	return map[string]any{"agent": map[string]any{"type": "shell"}}
}

func TestStartChat_Flow(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	chat := decode[models.ChatSession](t, w)
	require.Equal(t, models.ChatStarting, chat.Status)

	running := a.waitChatStatus(t, chat.ID, models.ChatRunning)
	require.NotEmpty(t, running.ContainerID)

	got := a.do(t, http.MethodGet, "/api/v1/chats/"+chat.ID, nil, nil)
	require.Equal(t, http.StatusOK, got.Code)
}

func TestStartChat_ProjectNotReadyConflict(t *testing.T) {
	a := newTestAPI(t)
	p := a.createProject(t) // still pending

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestStartChat_UnknownProject404(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/nope/chats", startChatBody(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartChat_IdempotencyKey(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)
	hdr := map[string]string{handlers.IdempotencyHeader: "start-1"}

	first := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), hdr)
	require.Equal(t, http.StatusAccepted, first.Code)
	chat := decode[models.ChatSession](t, first)

	second := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), hdr)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	replayed := decode[models.ChatSession](t, second)
	require.Equal(t, chat.ID, replayed.ID)

	chats, err := a.store.ListChats(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1, "retry must not start a second chat")
}

func TestDeleteChat_AlwaysSucceeds(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	chat := decode[models.ChatSession](t, w)
	a.waitChatStatus(t, chat.ID, models.ChatRunning)

	require.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, "/api/v1/chats/"+chat.ID, nil, nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, "/api/v1/chats/"+chat.ID, nil, nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodDelete, "/api/v1/chats/never-existed", nil, nil).Code)
}

func TestRefreshChat_NotFound(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/chats/nope/refresh", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutdatedThenRefresh(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	p := a.readyProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	chat := decode[models.ChatSession](t, w)
	a.waitChatStatus(t, chat.ID, models.ChatRunning)

	// Change a build input and rebuild; the running chat goes stale.
	upd := a.do(t, http.MethodPut, "/api/v1/projects/"+p.ID, map[string]any{
		"repo_url":     p.RepoURL,
		"base_image":   map[string]string{"tag": "ubuntu:24.04"},
		"setup_script": []string{"make deps"},
	}, nil)
	require.Equal(t, http.StatusOK, upd.Code)
	require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/build", nil, nil).Code)

	deadline := time.Now().Add(3 * time.Second)
	for {
		cur, err := a.store.GetChat(ctx, chat.ID)
		require.NoError(t, err)
		if cur.ContainerOutdated {
			break
		}
		require.False(t, time.Now().After(deadline), "chat never flagged outdated")
		time.Sleep(10 * time.Millisecond)
	}

	ref := a.do(t, http.MethodPost, "/api/v1/chats/"+chat.ID+"/refresh", nil, nil)
	require.Equal(t, http.StatusOK, ref.Code, ref.Body.String())
	refreshed := decode[models.ChatSession](t, ref)
	require.False(t, refreshed.ContainerOutdated)

	cur, err := a.store.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, cur.SnapshotImageRef, refreshed.ContainerImageRef)
}

// ─── Artifacts ───────────────────────────────────────────────

// publishToken extracts the token injected into the chat's container env.
func (a *testAPI) publishToken(t *testing.T, containerID string) string {
	t.Helper()
	spec, ok := a.eng.Spec(containerID)
	require.True(t, ok)
	return spec.Env["AGENT_HUB_ARTIFACT_TOKEN"]
}

func TestPublishAndDownloadArtifact(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	chat := decode[models.ChatSession](t, w)
	running := a.waitChatStatus(t, chat.ID, models.ChatRunning)
	token := a.publishToken(t, running.ContainerID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/publish?name=result.txt", bytes.NewBufferString("payload"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[struct {
		Artifact models.Artifact `json:"artifact"`
		Created  bool            `json:"created"`
	}](t, rec)
	require.True(t, resp.Created)
	require.Equal(t, "result.txt", resp.Artifact.Name)

	// Retry of the same file replays with 200.
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/publish?name=result.txt", bytes.NewBufferString("payload"))
	req2.Header.Set("X-Artifact-Token", token)
	rec2 := httptest.NewRecorder()
	a.router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code, rec2.Body.String())

	list := a.do(t, http.MethodGet, "/api/v1/chats/"+chat.ID+"/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	arts := decode[[]models.Artifact](t, list)
	require.Len(t, arts, 1)

	dl := a.do(t, http.MethodGet, resp.Artifact.DownloadURL, nil, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	require.Equal(t, "payload", dl.Body.String())
	require.Contains(t, dl.Header().Get("Content-Disposition"), "result.txt")

	// Text artifacts have no preview surface.
	pv := a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/artifacts/%s/preview", resp.Artifact.ID), nil, nil)
	require.Equal(t, http.StatusUnsupportedMediaType, pv.Code)
}

func TestPublish_Unauthorized(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/publish?name=x.txt", bytes.NewBufferString("x"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/publish?name=x.txt", bytes.NewBufferString("x"))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBeginPrompt_ArchivesViaAPI(t *testing.T) {
	a := newTestAPI(t)
	p := a.readyProject(t)

	w := a.do(t, http.MethodPost, "/api/v1/projects/"+p.ID+"/chats", startChatBody(), nil)
	chat := decode[models.ChatSession](t, w)
	running := a.waitChatStatus(t, chat.ID, models.ChatRunning)
	token := a.publishToken(t, running.ContainerID)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/publish?name=a.txt", bytes.NewBufferString("a"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	turn := a.do(t, http.MethodPost, "/api/v1/chats/"+chat.ID+"/prompt", map[string]string{"prompt": "next step"}, nil)
	require.Equal(t, http.StatusOK, turn.Code)

	arts := decode[[]models.Artifact](t, a.do(t, http.MethodGet, "/api/v1/chats/"+chat.ID+"/artifacts", nil, nil))
	require.Len(t, arts, 1)
	require.True(t, arts[0].Archived)
}

// ─── Health and version ──────────────────────────────────────

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t)

	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", nil, nil).Code)

	w := a.do(t, http.MethodGet, "/version", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}
