package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

func newTestBroker(t *testing.T) (*artifacts.Broker, store.Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	return artifacts.NewBroker(s, bus, dataDir), s, dataDir
}

// liveChat creates a running chat with a bound publish token and returns
// the token secret.
func liveChat(t *testing.T, b *artifacts.Broker, s store.Store, chatID string) string {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateChat(ctx, &models.ChatSession{
		ID:          chatID,
		ProjectID:   "p1",
		Status:      models.ChatRunning,
		ContainerID: "cont-" + chatID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	tok, err := b.IssueToken(ctx, chatID, "cont-"+chatID)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok.Secret
}

// ─── Authentication ──────────────────────────────────────────

func TestAuthenticate(t *testing.T) {
	b, s, _ := newTestBroker(t)
	secret := liveChat(t, b, s, "c1")

	chat, err := b.Authenticate(context.Background(), secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if chat.ID != "c1" {
		t.Errorf("Authenticate() chat = %q, want c1", chat.ID)
	}

	if _, err := b.Authenticate(context.Background(), "no-such-secret"); err != artifacts.ErrInvalidToken {
		t.Errorf("Authenticate(bad secret) error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_TerminalChatRejected(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	chat, _ := s.GetChat(ctx, "c1")
	chat.Status = models.ChatStopped
	s.UpdateChat(ctx, chat)

	if _, err := b.Authenticate(ctx, secret); err != artifacts.ErrInvalidToken {
		t.Errorf("Authenticate() on stopped chat error = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_UnboundTokenOnlyWhileStarting(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()

	s.CreateChat(ctx, &models.ChatSession{ID: "c1", Status: models.ChatStarting})
	tok, err := b.IssueToken(ctx, "c1", "")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	// Mid-launch: no container yet, token works.
	if _, err := b.Authenticate(ctx, tok.Secret); err != nil {
		t.Fatalf("Authenticate() while starting error = %v", err)
	}

	// Once running, an unbound token is stale unless BindContainer landed.
	chat, _ := s.GetChat(ctx, "c1")
	chat.Status = models.ChatRunning
	chat.ContainerID = "cont-1"
	s.UpdateChat(ctx, chat)

	if _, err := b.Authenticate(ctx, tok.Secret); err != artifacts.ErrInvalidToken {
		t.Errorf("Authenticate() with unbound token on running chat error = %v, want ErrInvalidToken", err)
	}

	if err := b.BindContainer(ctx, "c1", "cont-1"); err != nil {
		t.Fatalf("BindContainer() error = %v", err)
	}
	if _, err := b.Authenticate(ctx, tok.Secret); err != nil {
		t.Errorf("Authenticate() after bind error = %v", err)
	}
}

func TestIssueToken_RotationInvalidatesOld(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	old := liveChat(t, b, s, "c1")

	newTok, err := b.IssueToken(ctx, "c1", "cont-c1")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, err := b.Authenticate(ctx, old); err != artifacts.ErrInvalidToken {
		t.Errorf("Old secret still valid after rotation: %v", err)
	}
	if _, err := b.Authenticate(ctx, newTok.Secret); err != nil {
		t.Errorf("New secret rejected: %v", err)
	}
}

// ─── Publish ─────────────────────────────────────────────────

func TestPublish_CreatesArtifactAndPayload(t *testing.T) {
	b, s, dataDir := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	art, created, err := b.Publish(ctx, secret, "report.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if !created {
		t.Error("Publish() created = false for a new file")
	}
	if art.Name != "report.txt" || art.Size != 5 || art.Revision != 1 {
		t.Errorf("Artifact = %+v", art)
	}
	if art.SHA256 == "" {
		t.Error("Artifact has no digest")
	}
	if art.DownloadURL != "/api/v1/artifacts/"+art.ID+"/download" {
		t.Errorf("DownloadURL = %q", art.DownloadURL)
	}
	if art.PreviewURL != "" {
		t.Errorf("PreviewURL = %q for a text file, want empty", art.PreviewURL)
	}

	payload, err := os.ReadFile(filepath.Join(dataDir, "artifacts", "c1", art.ID, "report.txt"))
	if err != nil {
		t.Fatalf("Payload missing: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("Payload = %q, want %q", payload, "hello")
	}
}

func TestPublish_IdempotentReplay(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	first, created, err := b.Publish(ctx, secret, "out.log", strings.NewReader("same bytes"))
	if err != nil || !created {
		t.Fatalf("First Publish() = (%v, %v)", created, err)
	}

	// Same name, same content: the retry acknowledges the original.
	replay, created, err := b.Publish(ctx, secret, "out.log", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("Replay Publish() error = %v", err)
	}
	if created {
		t.Error("Replay Publish() created = true, want false")
	}
	if replay.ID != first.ID {
		t.Errorf("Replay returned artifact %q, want %q", replay.ID, first.ID)
	}
}

func TestPublish_ConcurrentRetriesCreateOnce(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	const attempts = 8
	errs := make(chan error, attempts)
	createds := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, created, err := b.Publish(ctx, secret, "out.log", strings.NewReader("same bytes"))
			createds <- created
			errs <- err
		}()
	}

	created := 0
	for i := 0; i < attempts; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Publish() error = %v", err)
		}
		if <-createds {
			created++
		}
	}
	if created != 1 {
		t.Errorf("created count = %d, want 1", created)
	}

	arts, err := s.ListArtifacts(ctx, "c1")
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	if len(arts) != 1 {
		t.Errorf("ListArtifacts() len = %d, want 1", len(arts))
	}

	arts, _ = s.ListArtifacts(ctx, "c1")
	if len(arts) != 1 {
		t.Errorf("Replay duplicated the artifact: %d records", len(arts))
	}
}

func TestPublish_NewContentBumpsRevision(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	first, _, err := b.Publish(ctx, secret, "main.go", strings.NewReader("v1"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	second, created, err := b.Publish(ctx, secret, "main.go", strings.NewReader("v2"))
	if err != nil {
		t.Fatalf("Second Publish() error = %v", err)
	}
	if !created {
		t.Error("New content Publish() created = false")
	}
	if second.ID == first.ID {
		t.Error("New content reused the old artifact ID")
	}
	if second.Revision != 2 {
		t.Errorf("Revision = %d, want 2", second.Revision)
	}

	arts, _ := s.ListArtifacts(ctx, "c1")
	if len(arts) != 2 {
		t.Errorf("Artifact count = %d, want 2", len(arts))
	}
}

func TestPublish_InvalidToken(t *testing.T) {
	b, _, _ := newTestBroker(t)

	_, _, err := b.Publish(context.Background(), "bogus", "f.txt", strings.NewReader("x"))
	if err != artifacts.ErrInvalidToken {
		t.Errorf("Publish() error = %v, want ErrInvalidToken", err)
	}
}

func TestPublish_NameSanitized(t *testing.T) {
	b, s, dataDir := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	art, _, err := b.Publish(ctx, secret, "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if art.Name != "passwd" {
		t.Errorf("Name = %q, want base name only", art.Name)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "artifacts", "c1", art.ID, "passwd")); err != nil {
		t.Errorf("Payload not under the chat's artifact dir: %v", err)
	}

	if _, _, err := b.Publish(ctx, secret, "..", strings.NewReader("x")); err == nil {
		t.Error("Publish(\"..\") returned nil error")
	}
}

func TestPublish_PreviewURLForImages(t *testing.T) {
	b, s, _ := newTestBroker(t)
	secret := liveChat(t, b, s, "c1")

	art, _, err := b.Publish(context.Background(), secret, "shot.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if art.PreviewURL != "/api/v1/artifacts/"+art.ID+"/preview" {
		t.Errorf("PreviewURL = %q", art.PreviewURL)
	}
}

// ─── Prompt turns ────────────────────────────────────────────

func TestBeginPromptTurn_ArchivesLiveSet(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	b.Publish(ctx, secret, "a.txt", strings.NewReader("a"))
	b.Publish(ctx, secret, "b.txt", strings.NewReader("b"))

	if err := b.BeginPromptTurn(ctx, "c1", "add error handling"); err != nil {
		t.Fatalf("BeginPromptTurn() error = %v", err)
	}

	arts, _ := s.ListArtifacts(ctx, "c1")
	for _, a := range arts {
		if !a.Archived {
			t.Errorf("Artifact %s not archived after new turn", a.Name)
		}
	}

	// The next publish belongs to the new turn and carries its prompt.
	art, created, err := b.Publish(ctx, secret, "a.txt", strings.NewReader("a"))
	if err != nil {
		t.Fatalf("Publish() after turn error = %v", err)
	}
	if !created {
		t.Error("Republishing into a new turn replayed an archived artifact")
	}
	if art.Prompt != "add error handling" {
		t.Errorf("Prompt = %q", art.Prompt)
	}
	if art.PromptSeq != 1 {
		t.Errorf("PromptSeq = %d, want 1", art.PromptSeq)
	}
}

func TestPromptSeq_MonotonicAcrossRestart(t *testing.T) {
	_, s, dataDir := newTestBroker(t)
	ctx := context.Background()
	bus := events.New(nil)
	defer bus.Close()

	b1 := artifacts.NewBroker(s, bus, dataDir)
	secret := liveChat(t, b1, s, "c1")
	b1.BeginPromptTurn(ctx, "c1", "first")
	b1.Publish(ctx, secret, "x.txt", strings.NewReader("x"))

	// A fresh broker over the same store re-derives the sequence.
	b2 := artifacts.NewBroker(s, bus, dataDir)
	art, _, err := b2.Publish(ctx, secret, "y.txt", strings.NewReader("y"))
	if err != nil {
		t.Fatalf("Publish() on restarted broker error = %v", err)
	}
	if art.PromptSeq != 1 {
		t.Errorf("PromptSeq after restart = %d, want 1", art.PromptSeq)
	}

	if err := b2.BeginPromptTurn(ctx, "c1", "second"); err != nil {
		t.Fatalf("BeginPromptTurn() error = %v", err)
	}
	art2, _, _ := b2.Publish(ctx, secret, "z.txt", strings.NewReader("z"))
	if art2.PromptSeq != 2 {
		t.Errorf("PromptSeq = %d, want 2", art2.PromptSeq)
	}
}

// ─── Retrieval and cleanup ───────────────────────────────────

func TestPath(t *testing.T) {
	b, s, _ := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	art, _, _ := b.Publish(ctx, secret, "data.bin", strings.NewReader("123"))

	path, got, err := b.Path(ctx, art.ID)
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if got.ID != art.ID {
		t.Errorf("Path() artifact = %q, want %q", got.ID, art.ID)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Path() points at missing file: %v", err)
	}

	if _, _, err := b.Path(ctx, "missing"); !store.IsNotFound(err) {
		t.Errorf("Path(missing) error = %v, want not-found", err)
	}
}

func TestDeleteChat_RemovesEverything(t *testing.T) {
	b, s, dataDir := newTestBroker(t)
	ctx := context.Background()
	secret := liveChat(t, b, s, "c1")

	b.Publish(ctx, secret, "a.txt", strings.NewReader("a"))

	if err := b.DeleteChat(ctx, "c1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}

	arts, _ := s.ListArtifacts(ctx, "c1")
	if len(arts) != 0 {
		t.Errorf("Artifact records survived: %v", arts)
	}
	if _, err := s.GetTokenBySecret(ctx, secret); !store.IsNotFound(err) {
		t.Error("Token survived chat delete")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "artifacts", "c1")); !os.IsNotExist(err) {
		t.Errorf("Payload dir survived: %v", err)
	}

	// Deleting again tolerates absence.
	if err := b.DeleteChat(ctx, "c1"); err != nil {
		t.Errorf("Second DeleteChat() error = %v", err)
	}
}
