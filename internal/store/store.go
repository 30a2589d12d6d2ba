// Package store provides the authoritative record of projects, chats,
// builds, artifacts and publish tokens. Every mutation in the control
// plane lands here before any event is broadcast.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agenthub/agenthub/pkg/models"
)

// Store is the primary storage interface for the control plane. Handler
// and component code depends on this interface, so tests can substitute
// a fresh in-memory store per test.
type Store interface {
	ProjectStore
	ChatStore
	BuildStore
	ArtifactStore
	TokenStore
	RequestStore

	// Snapshot returns the full authoritative state for new subscribers.
	Snapshot() models.StateSnapshot

	// Ping checks that the store is usable.
	Ping(ctx context.Context) error

	// Close flushes pending persistence and releases resources.
	Close() error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, p *models.Project) error
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error
}

// ── Chat Store ──────────────────────────────────────────────

type ChatStore interface {
	// ListChats returns chats, optionally filtered to one project
	// (projectID == "" means all).
	ListChats(ctx context.Context, projectID string) ([]models.ChatSession, error)
	GetChat(ctx context.Context, id string) (*models.ChatSession, error)
	CreateChat(ctx context.Context, c *models.ChatSession) error
	UpdateChat(ctx context.Context, c *models.ChatSession) error
	DeleteChat(ctx context.Context, id string) error
}

// ── Build Store ─────────────────────────────────────────────

// BuildStore records snapshot build attempts keyed by content hash.
type BuildStore interface {
	GetBuild(ctx context.Context, buildKey string) (*models.SnapshotBuild, error)
	PutBuild(ctx context.Context, b *models.SnapshotBuild) error
	ListBuilds(ctx context.Context, projectID string) ([]models.SnapshotBuild, error)
	DeleteBuild(ctx context.Context, buildKey string) error
}

// ── Artifact Store ──────────────────────────────────────────

type ArtifactStore interface {
	// ListArtifacts returns all artifacts for a chat, live and archived,
	// newest last. chatID == "" means all chats.
	ListArtifacts(ctx context.Context, chatID string) ([]models.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*models.Artifact, error)
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	UpdateArtifact(ctx context.Context, a *models.Artifact) error
	DeleteArtifactsByChat(ctx context.Context, chatID string) error
}

// ── Token Store ─────────────────────────────────────────────

// TokenStore holds active publish tokens, looked up by secret on every
// publish call and by chat when rotating or revoking.
type TokenStore interface {
	PutToken(ctx context.Context, t *models.PublishToken) error
	GetTokenBySecret(ctx context.Context, secret string) (*models.PublishToken, error)
	GetTokenByChat(ctx context.Context, chatID string) (*models.PublishToken, error)
	DeleteTokenByChat(ctx context.Context, chatID string) error
}

// ── Request Store ───────────────────────────────────────────

// RequestRecord is the remembered outcome of an idempotent mutating call.
// Replaying the same request ID returns this instead of re-executing.
type RequestRecord struct {
	ID        string    `json:"id"`
	Status    int       `json:"status"` // HTTP status of the original response
	Body      []byte    `json:"body"`   // original response body, JSON
	CreatedAt time.Time `json:"created_at"`
}

type RequestStore interface {
	GetRequest(ctx context.Context, id string) (*RequestRecord, error)
	PutRequest(ctx context.Context, rec *RequestRecord) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
