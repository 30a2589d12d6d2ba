// Package launcher manages chat session lifecycles: workspace
// allocation, container start, supervision until exit, stale-container
// refresh, and idempotent teardown. Chats of one project start in
// parallel; operations on a single chat are serialized.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/internal/credentials"
	"github.com/agenthub/agenthub/internal/engine"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

// ContainerWorkspace is where the chat workspace is mounted in-container.
const ContainerWorkspace = "/workspace"

// ErrProjectNotReady rejects chat starts against unbuilt projects.
type ErrProjectNotReady struct {
	ProjectID string
	Status    models.BuildStatus
}

func (e *ErrProjectNotReady) Error() string {
	return fmt.Sprintf("project %s is not ready (build_status=%s); build the snapshot first", e.ProjectID, e.Status)
}

// Options configures a Launcher.
type Options struct {
	DataDir             string
	BaseURL             string // advertised to containers for artifact publish
	StartTimeout        time.Duration
	StopTimeout         time.Duration
	MaxConcurrentStarts int
}

// Launcher supervises all chat containers.
type Launcher struct {
	store  store.Store
	eng    engine.Engine
	bus    *events.Bus
	broker *artifacts.Broker
	creds  *credentials.Chain

	opts     Options
	startSem *semaphore.Weighted

	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
	watchers  map[string]context.CancelFunc // key: chat ID

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Launcher.
func New(s store.Store, eng engine.Engine, bus *events.Bus, broker *artifacts.Broker, creds *credentials.Chain, opts Options) *Launcher {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 60 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.MaxConcurrentStarts <= 0 {
		opts.MaxConcurrentStarts = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		store:      s,
		eng:        eng,
		bus:        bus,
		broker:     broker,
		creds:      creds,
		opts:       opts,
		startSem:   semaphore.NewWeighted(int64(opts.MaxConcurrentStarts)),
		chatLocks:  make(map[string]*sync.Mutex),
		watchers:   make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// lock returns the chat's operation mutex. No two lifecycle transitions
// for the same chat ever run concurrently.
func (l *Launcher) lock(chatID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.chatLocks[chatID]
	if !ok {
		m = &sync.Mutex{}
		l.chatLocks[chatID] = m
	}
	return m
}

// ── StartChat ───────────────────────────────────────────────

// StartChat accepts a chat-start request synchronously: it validates,
// allocates the chat ID and workspace, records the session in starting
// state, and returns. Container creation proceeds asynchronously so
// back-to-back starts never block on engine latency.
func (l *Launcher) StartChat(ctx context.Context, projectID string, agent models.AgentSpec) (*models.ChatSession, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	project, err := l.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.BuildStatus != models.BuildReady {
		return nil, &ErrProjectNotReady{ProjectID: projectID, Status: project.BuildStatus}
	}

	chatID := uuid.New().String()
	// Workspace paths embed the chat ID, so they are unique per chat and
	// never reused.
	workspace := filepath.Join(l.opts.DataDir, "workspaces", chatID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}

	now := time.Now().UTC()
	chat := &models.ChatSession{
		ID:                 chatID,
		ProjectID:          projectID,
		Agent:              agent,
		WorkspacePath:      workspace,
		ContainerWorkspace: ContainerWorkspace,
		Mounts:             append([]models.Mount(nil), project.Mounts...),
		Env:                copyEnv(project.Env),
		Status:             models.ChatStarting,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := l.store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	l.bus.Changed("chat", chat.ID, chat)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.launch(chat.ID)
	}()

	log.Info().Str("chat", chat.ID).Str("project", projectID).Str("agent", string(agent.Type)).Msg("Chat accepted")
	return chat, nil
}

// launch performs the asynchronous half of a start or restart.
func (l *Launcher) launch(chatID string) {
	m := l.lock(chatID)
	m.Lock()
	defer m.Unlock()

	ctx, cancel := context.WithTimeout(l.baseCtx, l.opts.StartTimeout)
	defer cancel()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil || chat.Status != models.ChatStarting {
		return // deleted or transitioned while queued
	}
	project, err := l.store.GetProject(ctx, chat.ProjectID)
	if err != nil {
		l.transition(chat, models.ChatFailed, "project deleted before container start", nil)
		return
	}

	if err := l.startSem.Acquire(ctx, 1); err != nil {
		l.transition(chat, models.ChatFailed, "container start canceled while queued", nil)
		return
	}
	defer l.startSem.Release(1)

	token, err := l.broker.IssueToken(ctx, chat.ID, "")
	if err != nil {
		l.transition(chat, models.ChatFailed, "cannot issue publish token: "+err.Error(), nil)
		return
	}

	// Restarts run on the project's current snapshot, not the image the
	// chat last ran with.
	chat.ContainerImageRef = project.SnapshotImageRef
	spec := l.runSpec(chat, project, token.Secret)
	containerID, err := l.eng.RunContainer(ctx, spec)
	if err != nil {
		l.transition(chat, models.ChatFailed, "container start failed: "+err.Error(), nil)
		return
	}

	chat.ContainerID = containerID
	if err := l.broker.BindContainer(ctx, chat.ID, containerID); err != nil {
		log.Warn().Err(err).Str("chat", chat.ID).Msg("Cannot bind publish token to container")
	}
	l.transition(chat, models.ChatRunning, "", nil)
	l.watch(chat.ID, containerID)
	log.Info().Str("chat", chat.ID).Str("container", containerID).Str("image", chat.ContainerImageRef).Msg("Chat running")
}

// runSpec resolves the container spec for a chat: workspace bind, project
// mounts, project env plus the publish credentials, the agent command,
// and any git credentials (absence is a soft warning, resolved inside
// the chain).
func (l *Launcher) runSpec(chat *models.ChatSession, project *models.Project, tokenSecret string) engine.RunSpec {
	env := copyEnv(chat.Env)
	env["AGENT_HUB_ARTIFACT_TOKEN"] = tokenSecret
	env["AGENT_HUB_PUBLISH_URL"] = l.opts.BaseURL + "/api/v1/artifacts/publish"
	env["AGENT_HUB_CHAT_ID"] = chat.ID
	env["AGENT_HUB_WORKSPACE"] = chat.ContainerWorkspace
	for k, v := range l.creds.Resolve(project.RepoURL).Env() {
		env[k] = v
	}

	mounts := make([]engine.Bind, 0, len(chat.Mounts))
	for _, m := range chat.Mounts {
		mounts = append(mounts, engine.Bind{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	return engine.RunSpec{
		Image:     chat.ContainerImageRef,
		Name:      "agenthub-" + chat.ID[:8] + "-" + uuid.NewString()[:8],
		Workspace: engine.Bind{Source: chat.WorkspacePath, Target: chat.ContainerWorkspace},
		Mounts:    mounts,
		Env:       env,
		WorkDir:   chat.ContainerWorkspace,
		Cmd:       chat.Agent.Command(),
		Labels: map[string]string{
			"agenthub.chat":    chat.ID,
			"agenthub.project": chat.ProjectID,
		},
	}
}

// watch supervises a container until it exits, then reconciles the
// chat's state with the observed exit code.
func (l *Launcher) watch(chatID, containerID string) {
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.mu.Lock()
	if old, ok := l.watchers[chatID]; ok {
		old()
	}
	l.watchers[chatID] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		code, err := l.eng.WaitContainer(ctx, containerID)
		if err != nil {
			return // watcher canceled; a lifecycle op owns the outcome
		}

		m := l.lock(chatID)
		m.Lock()
		defer m.Unlock()

		chat, gerr := l.store.GetChat(context.Background(), chatID)
		if gerr != nil || chat.ContainerID != containerID {
			return // chat deleted or container replaced under us
		}
		if chat.Status == models.ChatRunning || chat.Status == models.ChatStarting {
			status := models.ChatStopped
			reason := "container exited"
			if code != 0 {
				status = models.ChatFailed
				reason = fmt.Sprintf("container exited with code %d", code)
			}
			l.transition(chat, status, reason, &code)
			log.Info().Str("chat", chatID).Int("exit_code", code).Str("status", string(status)).Msg("Chat container exited")
		} else {
			chat.LastExitCode = &code
			if err := l.store.UpdateChat(context.Background(), chat); err == nil {
				l.bus.Changed("chat", chat.ID, chat)
			}
		}
	}()
}

// ── Stop / Restart / Refresh / Delete ───────────────────────

// StopChat gracefully stops a chat's container. Stopping an already
// stopped or unknown chat is an idempotent success.
func (l *Launcher) StopChat(ctx context.Context, chatID string) error {
	m := l.lock(chatID)
	m.Lock()
	defer m.Unlock()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if chat.Terminal() {
		return nil
	}

	l.cancelWatcher(chatID)
	if chat.ContainerID != "" {
		l.stopAndRemove(ctx, chat.ContainerID)
	}
	code := 0
	l.transition(chat, models.ChatStopped, "stopped by request", &code)
	log.Info().Str("chat", chatID).Msg("Chat stopped")
	return nil
}

// RestartChat brings a stopped or failed chat back up on the project's
// current snapshot, reusing the same workspace.
func (l *Launcher) RestartChat(ctx context.Context, chatID string) error {
	m := l.lock(chatID)
	m.Lock()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		m.Unlock()
		return err
	}
	if !chat.Terminal() {
		m.Unlock()
		return fmt.Errorf("chat %s is %s; only stopped or failed chats restart", chatID, chat.Status)
	}
	chat.ContainerID = ""
	chat.ContainerOutdated = false
	chat.OutdatedReason = ""
	l.transition(chat, models.ChatStarting, "restarting", nil)
	m.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.launch(chatID)
	}()
	return nil
}

// RefreshContainer replaces a chat's container with one started from the
// project's current snapshot image. The workspace and mounts are
// preserved byte-for-byte (they live on the host); the publish token is
// rotated because the old container's lifetime is over.
func (l *Launcher) RefreshContainer(ctx context.Context, chatID string) error {
	m := l.lock(chatID)
	m.Lock()
	defer m.Unlock()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	project, err := l.store.GetProject(ctx, chat.ProjectID)
	if err != nil {
		return err
	}
	if project.BuildStatus != models.BuildReady {
		return &ErrProjectNotReady{ProjectID: project.ID, Status: project.BuildStatus}
	}

	l.cancelWatcher(chatID)
	if chat.ContainerID != "" {
		l.stopAndRemove(ctx, chat.ContainerID)
	}

	token, err := l.broker.IssueToken(ctx, chat.ID, "")
	if err != nil {
		return fmt.Errorf("rotate publish token: %w", err)
	}

	chat.ContainerImageRef = project.SnapshotImageRef
	spec := l.runSpec(chat, project, token.Secret)
	startCtx, cancel := context.WithTimeout(ctx, l.opts.StartTimeout)
	defer cancel()
	containerID, err := l.eng.RunContainer(startCtx, spec)
	if err != nil {
		l.transition(chat, models.ChatFailed, "container refresh failed: "+err.Error(), nil)
		return err
	}

	chat.ContainerID = containerID
	chat.ContainerOutdated = false
	chat.OutdatedReason = ""
	if err := l.broker.BindContainer(ctx, chat.ID, containerID); err != nil {
		log.Warn().Err(err).Str("chat", chat.ID).Msg("Cannot bind publish token to container")
	}
	l.transition(chat, models.ChatRunning, "", nil)
	l.watch(chat.ID, containerID)
	log.Info().Str("chat", chatID).Str("container", containerID).Str("image", chat.ContainerImageRef).Msg("Chat container refreshed")
	return nil
}

// DeleteChat tears down a chat: container, workspace, artifacts, token,
// record. Deleting an already-deleted chat is a no-op success, so
// concurrent client retries never surface as failures.
func (l *Launcher) DeleteChat(ctx context.Context, chatID string) error {
	m := l.lock(chatID)
	m.Lock()
	defer m.Unlock()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	l.cancelWatcher(chatID)
	if chat.ContainerID != "" && !chat.Terminal() {
		l.stopAndRemove(ctx, chat.ContainerID)
	} else if chat.ContainerID != "" {
		// Stopped chats may still have their exited container around.
		_ = l.eng.RemoveContainer(ctx, chat.ContainerID)
	}
	if err := l.broker.DeleteChat(ctx, chatID); err != nil {
		log.Warn().Err(err).Str("chat", chatID).Msg("Artifact cleanup failed during chat delete")
	}
	if chat.WorkspacePath != "" {
		if err := os.RemoveAll(chat.WorkspacePath); err != nil {
			log.Warn().Err(err).Str("chat", chatID).Msg("Workspace cleanup failed during chat delete")
		}
	}
	if err := l.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	l.bus.Deleted("chat", chatID)

	l.mu.Lock()
	delete(l.chatLocks, chatID)
	l.mu.Unlock()
	log.Info().Str("chat", chatID).Msg("Chat deleted")
	return nil
}

// DeleteProject cascades: every chat goes first, then the project record.
func (l *Launcher) DeleteProject(ctx context.Context, projectID string) error {
	chats, err := l.store.ListChats(ctx, projectID)
	if err != nil {
		return err
	}
	for i := range chats {
		if err := l.DeleteChat(ctx, chats[i].ID); err != nil {
			return fmt.Errorf("delete chat %s: %w", chats[i].ID, err)
		}
	}
	if err := l.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	l.bus.Deleted("project", projectID)
	log.Info().Str("project", projectID).Int("chats", len(chats)).Msg("Project deleted")
	return nil
}

// Shutdown stops supervision and all running containers. Called once on
// control-plane exit.
func (l *Launcher) Shutdown(ctx context.Context) {
	chats, err := l.store.ListChats(ctx, "")
	if err == nil {
		for i := range chats {
			if !chats[i].Terminal() {
				if err := l.StopChat(ctx, chats[i].ID); err != nil {
					log.Warn().Err(err).Str("chat", chats[i].ID).Msg("Failed to stop chat during shutdown")
				}
			}
		}
	}
	l.baseCancel()
	l.wg.Wait()
	log.Info().Msg("All chat containers stopped")
}

// ── internals ───────────────────────────────────────────────

// transition writes the chat's new state and publishes it. Callers hold
// the chat's operation lock.
func (l *Launcher) transition(chat *models.ChatSession, status models.ChatStatus, reason string, exitCode *int) {
	chat.Status = status
	chat.StatusReason = reason
	if exitCode != nil {
		chat.LastExitCode = exitCode
	}
	if err := l.store.UpdateChat(context.Background(), chat); err != nil {
		if !store.IsNotFound(err) {
			log.Warn().Err(err).Str("chat", chat.ID).Msg("Cannot record chat transition")
		}
		return
	}
	l.bus.Changed("chat", chat.ID, chat)
}

func (l *Launcher) cancelWatcher(chatID string) {
	l.mu.Lock()
	if cancel, ok := l.watchers[chatID]; ok {
		cancel()
		delete(l.watchers, chatID)
	}
	l.mu.Unlock()
}

// stopAndRemove absorbs engine-side races: the container may already be
// gone, which is the outcome we wanted anyway.
func (l *Launcher) stopAndRemove(ctx context.Context, containerID string) {
	if err := l.eng.StopContainer(ctx, containerID, l.opts.StopTimeout); err != nil {
		log.Warn().Err(err).Str("container", containerID).Msg("Graceful container stop failed")
	}
	if err := l.eng.RemoveContainer(ctx, containerID); err != nil {
		log.Warn().Err(err).Str("container", containerID).Msg("Container remove failed")
	}
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
