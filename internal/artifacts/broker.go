// Package artifacts is the publish reliability subsystem: code running
// inside a chat's container durably hands files back to the control
// plane. Publishes are idempotent per file, authenticated by a token
// scoped to the chat's current container lifetime, and survive container
// restarts because payloads live on the host, not the container fs.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

// MaxArtifactSize bounds one uploaded file.
const MaxArtifactSize = 256 << 20 // 256 MiB

// ErrInvalidToken is returned when a publish token is unknown or no
// longer bound to the chat's current container.
var ErrInvalidToken = fmt.Errorf("invalid or expired publish token")

// Broker issues publish tokens and accepts uploads.
type Broker struct {
	store   store.Store
	bus     *events.Bus
	dataDir string

	mu      sync.Mutex
	prompts map[string]promptTurn  // key: chat ID
	locks   map[string]*sync.Mutex // per-chat publish/archive lock
}

// promptTurn is the chat's current prompt context; artifacts published
// now belong to this turn.
type promptTurn struct {
	seq    int
	prompt string
}

// NewBroker creates a broker storing payloads under <dataDir>/artifacts.
func NewBroker(s store.Store, bus *events.Bus, dataDir string) *Broker {
	return &Broker{
		store:   s,
		bus:     bus,
		dataDir: dataDir,
		prompts: make(map[string]promptTurn),
		locks:   make(map[string]*sync.Mutex),
	}
}

// chatLock returns the chat's publish/archive mutex, creating it on
// first use. Held across the dedupe check and the create so concurrent
// retries of one file cannot both miss the existing entry.
func (b *Broker) chatLock(chatID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.locks[chatID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[chatID] = m
	}
	return m
}

// ── Tokens ──────────────────────────────────────────────────

// IssueToken mints a publish token bound to the chat's current container.
// Any prior token for the chat stops working.
func (b *Broker) IssueToken(ctx context.Context, chatID, containerID string) (*models.PublishToken, error) {
	t := &models.PublishToken{
		Secret:      uuid.NewString() + uuid.NewString(),
		ChatID:      chatID,
		ContainerID: containerID,
		IssuedAt:    time.Now().UTC(),
	}
	if err := b.store.PutToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// BindContainer re-binds the chat's current token to the container that
// was just started with it. The token is minted before the container
// exists (its secret must be in the container's environment), so the
// binding lands here once the engine hands back an ID.
func (b *Broker) BindContainer(ctx context.Context, chatID, containerID string) error {
	token, err := b.store.GetTokenByChat(ctx, chatID)
	if err != nil {
		return err
	}
	token.ContainerID = containerID
	return b.store.PutToken(ctx, token)
}

// RevokeToken drops the chat's token, if any.
func (b *Broker) RevokeToken(ctx context.Context, chatID string) error {
	return b.store.DeleteTokenByChat(ctx, chatID)
}

// Authenticate resolves a secret to its chat, enforcing that the token
// was minted for the chat's current container and the chat is live.
func (b *Broker) Authenticate(ctx context.Context, secret string) (*models.ChatSession, error) {
	token, err := b.store.GetTokenBySecret(ctx, secret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	chat, err := b.store.GetChat(ctx, token.ChatID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if chat.Terminal() {
		return nil, ErrInvalidToken
	}
	// A token with no container binding is mid-launch: valid while its
	// chat is still starting. Anything else must match the chat's
	// current container exactly; refresh rotates tokens.
	if token.ContainerID == "" {
		if chat.Status != models.ChatStarting {
			return nil, ErrInvalidToken
		}
		return chat, nil
	}
	if chat.ContainerID != token.ContainerID {
		return nil, ErrInvalidToken
	}
	return chat, nil
}

// ── Publish ─────────────────────────────────────────────────

// Publish accepts one file. The (chat, name, content) triple is the
// idempotency unit: republishing a file already acknowledged in the
// current live set returns the existing artifact with created=false, so
// batch callers can retry only their failed subset without duplicates.
// The same name with different content creates a new revision.
func (b *Broker) Publish(ctx context.Context, secret, name string, r io.Reader) (*models.Artifact, bool, error) {
	chat, err := b.Authenticate(ctx, secret)
	if err != nil {
		return nil, false, err
	}
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return nil, false, fmt.Errorf("invalid artifact name")
	}

	payload, err := io.ReadAll(io.LimitReader(r, MaxArtifactSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(payload)) > MaxArtifactSize {
		return nil, false, fmt.Errorf("artifact %s exceeds %d byte limit", name, int64(MaxArtifactSize))
	}
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	lock := b.chatLock(chat.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := b.store.ListArtifacts(ctx, chat.ID)
	if err != nil {
		return nil, false, err
	}
	maxRev := 0
	for i := range existing {
		a := &existing[i]
		if a.Name != name {
			continue
		}
		if !a.Archived && a.SHA256 == digest {
			// Already acknowledged; the caller's earlier attempt landed.
			return a, false, nil
		}
		if a.Revision > maxRev {
			maxRev = a.Revision
		}
	}

	art := &models.Artifact{
		ID:        uuid.New().String(),
		ChatID:    chat.ID,
		Name:      name,
		Size:      int64(len(payload)),
		SHA256:    digest,
		Revision:  maxRev + 1,
		CreatedAt: time.Now().UTC(),
	}
	turn := b.currentTurn(ctx, chat.ID)
	art.Prompt = turn.prompt
	art.PromptSeq = turn.seq
	art.RelPath = filepath.Join(chat.ID, art.ID, name)
	art.DownloadURL = "/api/v1/artifacts/" + art.ID + "/download"
	if previewable(name) {
		art.PreviewURL = "/api/v1/artifacts/" + art.ID + "/preview"
	}

	dir := filepath.Join(b.dataDir, "artifacts", chat.ID, art.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("artifact dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		return nil, false, fmt.Errorf("write artifact: %w", err)
	}
	if err := b.store.CreateArtifact(ctx, art); err != nil {
		return nil, false, err
	}

	b.bus.Publish(models.Event{Type: models.EventArtifactPublished, Payload: art})
	b.bus.Changed("artifact", art.ID, art)
	log.Info().
		Str("chat", chat.ID).
		Str("artifact", art.ID).
		Str("name", name).
		Int64("size", art.Size).
		Msg("Artifact published")
	return art, true, nil
}

// BeginPromptTurn archives the chat's live artifact set into prompt-scoped
// history and makes prompt the context for subsequent publishes.
func (b *Broker) BeginPromptTurn(ctx context.Context, chatID, prompt string) error {
	lock := b.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	arts, err := b.store.ListArtifacts(ctx, chatID)
	if err != nil {
		return err
	}
	for i := range arts {
		a := &arts[i]
		if a.Archived {
			continue
		}
		a.Archived = true
		if err := b.store.UpdateArtifact(ctx, a); err != nil {
			return err
		}
		b.bus.Changed("artifact", a.ID, a)
	}

	b.mu.Lock()
	turn := b.prompts[chatID]
	turn.seq = b.maxSeq(arts) + 1
	turn.prompt = prompt
	b.prompts[chatID] = turn
	b.mu.Unlock()
	return nil
}

// currentTurn returns the chat's active prompt turn. After a restart the
// in-memory prompt text is gone, but the sequence is re-derived from the
// store so turns keep monotonically increasing.
func (b *Broker) currentTurn(ctx context.Context, chatID string) promptTurn {
	b.mu.Lock()
	turn, ok := b.prompts[chatID]
	b.mu.Unlock()
	if ok {
		return turn
	}
	arts, err := b.store.ListArtifacts(ctx, chatID)
	if err != nil {
		return promptTurn{}
	}
	turn = promptTurn{seq: b.maxSeq(arts)}
	b.mu.Lock()
	b.prompts[chatID] = turn
	b.mu.Unlock()
	return turn
}

func (b *Broker) maxSeq(arts []models.Artifact) int {
	max := 0
	for i := range arts {
		if arts[i].PromptSeq > max {
			max = arts[i].PromptSeq
		}
	}
	return max
}

// ── Retrieval and cleanup ───────────────────────────────────

// Path returns the on-disk location of an artifact's payload.
func (b *Broker) Path(ctx context.Context, id string) (string, *models.Artifact, error) {
	art, err := b.store.GetArtifact(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return filepath.Join(b.dataDir, "artifacts", art.RelPath), art, nil
}

// DeleteChat removes a chat's artifact records, payloads, token and
// prompt context. Part of chat deletion, so it tolerates absence.
func (b *Broker) DeleteChat(ctx context.Context, chatID string) error {
	if err := b.store.DeleteArtifactsByChat(ctx, chatID); err != nil {
		return err
	}
	if err := b.store.DeleteTokenByChat(ctx, chatID); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.prompts, chatID)
	delete(b.locks, chatID)
	b.mu.Unlock()
	dir := filepath.Join(b.dataDir, "artifacts", chatID)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("chat", chatID).Msg("Cannot remove artifact payloads")
	}
	return nil
}

// previewable reports whether the filename has a recognized image or
// video extension; those get a streaming preview URL.
func previewable(name string) bool {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/")
}
