// Package models defines the shared data types for the AgentHub control plane.
// All components (store, builder, launcher, broker, API) exchange these types;
// none of them carry behavior beyond small helpers.
package models

import (
	"time"
)

// ── Project ─────────────────────────────────────────────────

// BuildStatus tracks the lifecycle of a project's snapshot image.
type BuildStatus string

const (
	BuildPending  BuildStatus = "pending"
	BuildBuilding BuildStatus = "building"
	BuildReady    BuildStatus = "ready"
	BuildFailed   BuildStatus = "failed"
)

// BaseImage selects how the project's snapshot base is obtained:
// either a plain image tag, or an in-repo Dockerfile + build context.
type BaseImage struct {
	Tag        string `json:"tag,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"` // path relative to context
	Context    string `json:"context,omitempty"`    // host path of build context
}

// Mount describes a bind mount materialized into chat containers.
type Mount struct {
	Source   string `json:"source"` // host path, daemon-visible
	Target   string `json:"target"` // container path
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Project is the unit of configuration: one repository plus the recipe
// for turning it into a snapshot image.
type Project struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	RepoURL       string            `json:"repo_url"`
	DefaultBranch string            `json:"default_branch,omitempty"`
	BaseImage     BaseImage         `json:"base_image"`
	SetupScript   []string          `json:"setup_script,omitempty"` // ordered shell commands
	Mounts        []Mount           `json:"mounts,omitempty"`
	Env           map[string]string `json:"env,omitempty"`

	BuildStatus      BuildStatus `json:"build_status"`
	BuildError       string      `json:"build_error,omitempty"`
	SnapshotImageRef string      `json:"snapshot_image_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── ChatSession ─────────────────────────────────────────────

// ChatStatus is the session state machine:
// starting -> running | failed, running -> stopped | failed,
// stopped -> starting (restart). Deletion is terminal from any state.
type ChatStatus string

const (
	ChatStarting ChatStatus = "starting"
	ChatRunning  ChatStatus = "running"
	ChatStopped  ChatStatus = "stopped"
	ChatFailed   ChatStatus = "failed"
)

// ChatSession is one container-backed agent session bound to a workspace.
type ChatSession struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Agent     AgentSpec `json:"agent"`

	WorkspacePath      string            `json:"workspace_path"`      // host side
	ContainerWorkspace string            `json:"container_workspace"` // in-container
	Mounts             []Mount           `json:"mounts,omitempty"`    // resolved at creation
	Env                map[string]string `json:"env,omitempty"`

	Status       ChatStatus `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`

	ContainerID       string `json:"container_id,omitempty"`
	ContainerImageRef string `json:"container_image_ref,omitempty"` // image the container was started from
	ContainerOutdated bool   `json:"container_outdated"`
	OutdatedReason    string `json:"outdated_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the chat's container is no longer running.
// Delete paths use this to decide whether a container stop is still needed.
func (c *ChatSession) Terminal() bool {
	return c.Status == ChatStopped || c.Status == ChatFailed
}

// ── SnapshotBuild ───────────────────────────────────────────

// SnapshotBuild records one build attempt. The BuildKey is a content hash
// over build inputs, so identical inputs across projects share one image.
type SnapshotBuild struct {
	BuildKey   string      `json:"build_key"`
	ProjectID  string      `json:"project_id"`
	ImageRef   string      `json:"image_ref,omitempty"`
	Status     BuildStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	CacheHit   bool        `json:"cache_hit"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ── Artifact ────────────────────────────────────────────────

// Artifact is a file handed back from inside a chat's container.
// IDs are immutable; republishing a filename with new content creates a
// new entry rather than overwriting.
type Artifact struct {
	ID       string `json:"id"`
	ChatID   string `json:"chat_id"`
	Name     string `json:"name"`
	RelPath  string `json:"rel_path,omitempty"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Revision int    `json:"revision"` // bumps when the same name is republished with new content

	Prompt    string `json:"prompt,omitempty"` // instruction active when produced
	PromptSeq int    `json:"prompt_seq"`       // which prompt turn this belongs to
	Archived  bool   `json:"archived"`

	DownloadURL string `json:"download_url"`
	PreviewURL  string `json:"preview_url,omitempty"` // image/video only

	CreatedAt time.Time `json:"created_at"`
}

// ── PublishToken ────────────────────────────────────────────

// PublishToken scopes artifact uploads to one chat's current container
// lifetime. Refreshing the container rotates the secret.
type PublishToken struct {
	Secret      string    `json:"secret"`
	ChatID      string    `json:"chat_id"`
	ContainerID string    `json:"container_id"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ── Sync events ─────────────────────────────────────────────

// Event types delivered on the client synchronization channel.
const (
	EventStateSnapshot     = "state_snapshot"
	EventStateChanged      = "state_changed"
	EventBuildLogAppended  = "build_log_appended"
	EventArtifactPublished = "artifact_published"
)

// Event is the {type, payload} envelope pushed to subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StateSnapshot is the full authoritative view sent on subscribe,
// before any incremental events.
type StateSnapshot struct {
	Projects  []Project     `json:"projects"`
	Chats     []ChatSession `json:"chats"`
	Artifacts []Artifact    `json:"artifacts"`
}

// StateChange describes one entity mutation.
type StateChange struct {
	Entity  string `json:"entity"` // "project", "chat", "artifact"
	ID      string `json:"id"`
	Deleted bool   `json:"deleted,omitempty"`
	Record  any    `json:"record,omitempty"`
}

// BuildLogChunk is an incremental slice of a project's build log.
type BuildLogChunk struct {
	ProjectID string   `json:"project_id"`
	BuildKey  string   `json:"build_key"`
	Lines     []string `json:"lines"`
}
