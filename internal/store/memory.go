// In-memory Store implementation with debounced JSON
// snapshot persistence, so state survives control-plane restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agenthub/agenthub/pkg/models"
	"github.com/rs/zerolog/log"
)

// persisted is the JSON-serializable shape written to disk. Publish
// tokens are deliberately included: a restarted control plane must keep
// honoring tokens held by still-running containers.
type persisted struct {
	Projects  map[string]*models.Project       `json:"projects"`
	Chats     map[string]*models.ChatSession   `json:"chats"`
	Builds    map[string]*models.SnapshotBuild `json:"builds"`   // key: build key
	Artifacts map[string]*models.Artifact      `json:"artifacts"`
	Tokens    map[string]*models.PublishToken  `json:"tokens"`   // key: secret
	Requests  map[string]*RequestRecord        `json:"requests"` // key: request id
}

// MemoryStore implements Store with maps under one RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	projects  map[string]*models.Project
	chats     map[string]*models.ChatSession
	builds    map[string]*models.SnapshotBuild
	artifacts map[string]*models.Artifact
	tokens    map[string]*models.PublishToken
	requests  map[string]*RequestRecord

	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once

	// requestTTL bounds how long idempotency records are honored.
	requestTTL time.Duration
}

// NewMemoryStore creates a store persisting to <dataDir>/state.json.
// Pass an empty dataDir to disable persistence (tests).
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		projects:   make(map[string]*models.Project),
		chats:      make(map[string]*models.ChatSession),
		builds:     make(map[string]*models.SnapshotBuild),
		artifacts:  make(map[string]*models.Artifact),
		tokens:     make(map[string]*models.PublishToken),
		requests:   make(map[string]*RequestRecord),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
		requestTTL: 24 * time.Hour,
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "state.json")
		}
	}

	if m.snapshotPath != "" {
		m.load()
		go m.saveLoop()
	}
	go m.requestEvictionLoop()

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist. Non-blocking:
// rapid writes coalesce into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.save()
		}
	}
}

func (m *MemoryStore) requestEvictionLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.requestTTL)
			m.mu.Lock()
			for id, rec := range m.requests {
				if rec.CreatedAt.Before(cutoff) {
					delete(m.requests, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryStore) save() {
	m.mu.RLock()
	data, err := json.MarshalIndent(persisted{
		Projects:  m.projects,
		Chats:     m.chats,
		Builds:    m.builds,
		Artifacts: m.artifacts,
		Tokens:    m.tokens,
		Requests:  m.requests,
	}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Marshal store snapshot failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("Write store snapshot failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Rename store snapshot failed")
	}
}

func (m *MemoryStore) load() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Cannot read store snapshot")
		}
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Msg("Corrupt store snapshot, starting empty")
		return
	}
	if p.Projects != nil {
		m.projects = p.Projects
	}
	if p.Chats != nil {
		m.chats = p.Chats
	}
	if p.Builds != nil {
		m.builds = p.Builds
	}
	if p.Artifacts != nil {
		m.artifacts = p.Artifacts
	}
	if p.Tokens != nil {
		m.tokens = p.Tokens
	}
	if p.Requests != nil {
		m.requests = p.Requests
	}
	log.Info().
		Int("projects", len(m.projects)).
		Int("chats", len(m.chats)).
		Int("artifacts", len(m.artifacts)).
		Msg("Store snapshot loaded")
}

// ── Project Store ───────────────────────────────────────────

func (m *MemoryStore) ListProjects(_ context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, *p)
	}
	sortByCreated(out, func(p models.Project) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	cp := *p
	m.projects[p.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	if _, ok := m.projects[p.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "project", Key: p.ID}
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.projects[p.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.projects, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Chat Store ──────────────────────────────────────────────

func (m *MemoryStore) ListChats(_ context.Context, projectID string) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChatSession
	for _, c := range m.chats {
		if projectID == "" || c.ProjectID == projectID {
			out = append(out, *c)
		}
	}
	sortByCreated(out, func(c models.ChatSession) time.Time { return c.CreatedAt })
	return out, nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "chat", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateChat(_ context.Context, c *models.ChatSession) error {
	m.mu.Lock()
	cp := *c
	m.chats[c.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateChat(_ context.Context, c *models.ChatSession) error {
	m.mu.Lock()
	if _, ok := m.chats[c.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "chat", Key: c.ID}
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.chats[c.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.chats, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Build Store ─────────────────────────────────────────────

func (m *MemoryStore) GetBuild(_ context.Context, buildKey string) (*models.SnapshotBuild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builds[buildKey]
	if !ok {
		return nil, &ErrNotFound{Entity: "build", Key: buildKey}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutBuild(_ context.Context, b *models.SnapshotBuild) error {
	m.mu.Lock()
	cp := *b
	m.builds[b.BuildKey] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListBuilds(_ context.Context, projectID string) ([]models.SnapshotBuild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SnapshotBuild
	for _, b := range m.builds {
		if projectID == "" || b.ProjectID == projectID {
			out = append(out, *b)
		}
	}
	sortByCreated(out, func(b models.SnapshotBuild) time.Time { return b.StartedAt })
	return out, nil
}

func (m *MemoryStore) DeleteBuild(_ context.Context, buildKey string) error {
	m.mu.Lock()
	delete(m.builds, buildKey)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Artifact Store ──────────────────────────────────────────

func (m *MemoryStore) ListArtifacts(_ context.Context, chatID string) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Artifact
	for _, a := range m.artifacts {
		if chatID == "" || a.ChatID == chatID {
			out = append(out, *a)
		}
	}
	sortByCreated(out, func(a models.Artifact) time.Time { return a.CreatedAt })
	return out, nil
}

func (m *MemoryStore) GetArtifact(_ context.Context, id string) (*models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "artifact", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateArtifact(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	cp := *a
	m.artifacts[a.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateArtifact(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	if _, ok := m.artifacts[a.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "artifact", Key: a.ID}
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteArtifactsByChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	for id, a := range m.artifacts {
		if a.ChatID == chatID {
			delete(m.artifacts, id)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Token Store ─────────────────────────────────────────────

func (m *MemoryStore) PutToken(_ context.Context, t *models.PublishToken) error {
	m.mu.Lock()
	// One active token per chat: drop any prior secret for this chat.
	for secret, old := range m.tokens {
		if old.ChatID == t.ChatID {
			delete(m.tokens, secret)
		}
	}
	cp := *t
	m.tokens[t.Secret] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTokenBySecret(_ context.Context, secret string) (*models.PublishToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[secret]
	if !ok {
		return nil, &ErrNotFound{Entity: "publish token", Key: "<secret>"}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTokenByChat(_ context.Context, chatID string) (*models.PublishToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tokens {
		if t.ChatID == chatID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "publish token", Key: chatID}
}

func (m *MemoryStore) DeleteTokenByChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	for secret, t := range m.tokens {
		if t.ChatID == chatID {
			delete(m.tokens, secret)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Request Store ───────────────────────────────────────────

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.requests[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "request", Key: id}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PutRequest(_ context.Context, rec *RequestRecord) error {
	m.mu.Lock()
	cp := *rec
	m.requests[rec.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Store plumbing ──────────────────────────────────────────

func (m *MemoryStore) Snapshot() models.StateSnapshot {
	projects, _ := m.ListProjects(context.Background())
	chats, _ := m.ListChats(context.Background(), "")
	artifacts, _ := m.ListArtifacts(context.Background(), "")
	return models.StateSnapshot{Projects: projects, Chats: chats, Artifacts: artifacts}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.save()
		}
	})
	return nil
}

// sortByCreated orders a slice by timestamp then leaves insertion order
// stable; map iteration alone would make List results jitter.
func sortByCreated[T any](s []T, at func(T) time.Time) {
	sort.SliceStable(s, func(i, j int) bool { return at(s[i]).Before(at(s[j])) })
}
