// Package snapshot turns a project's configuration into a cached,
// content-addressed container image. Reuse is purely a function of input
// equality: two projects with identical base image, setup script and
// relevant mounts/env converge on one image and one build.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/agenthub/agenthub/internal/engine"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/store"
	"github.com/agenthub/agenthub/pkg/models"
)

// ImageRepo is the local repository snapshot images are tagged under.
const ImageRepo = "agenthub-snapshot"

// Builder runs snapshot builds with per-project coalescing and a bounded
// concurrency gate on the engine.
type Builder struct {
	store store.Store
	eng   engine.Engine
	bus   *events.Bus
	sem   *semaphore.Weighted

	buildTimeout time.Duration
	logLines     int

	mu       sync.Mutex
	inflight map[string]*buildRun  // key: project ID
	keyRuns  map[string]*buildRun  // key: build key, coalesces across projects
	logs     map[string]*LogBuffer // key: project ID
	cancels  map[string]context.CancelFunc
}

// buildRun is one in-flight build; later Ensure calls for the same
// project join it instead of starting a duplicate.
type buildRun struct {
	key  string
	done chan struct{}
	err  error
}

// Options configures a Builder.
type Options struct {
	BuildTimeout        time.Duration
	MaxConcurrentBuilds int
	BuildLogLines       int
}

// NewBuilder creates a Builder.
func NewBuilder(s store.Store, eng engine.Engine, bus *events.Bus, opts Options) *Builder {
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 20 * time.Minute
	}
	if opts.MaxConcurrentBuilds <= 0 {
		opts.MaxConcurrentBuilds = 2
	}
	if opts.BuildLogLines <= 0 {
		opts.BuildLogLines = 2000
	}
	return &Builder{
		store:        s,
		eng:          eng,
		bus:          bus,
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrentBuilds)),
		buildTimeout: opts.BuildTimeout,
		logLines:     opts.BuildLogLines,
		inflight:     make(map[string]*buildRun),
		keyRuns:      make(map[string]*buildRun),
		logs:         make(map[string]*LogBuffer),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// BuildKey hashes the build-relevant inputs: base image, setup script,
// mount targets and environment. Mount sources are host paths that do
// not influence image content, so they stay out of the key.
func BuildKey(p *models.Project) string {
	type keyedMount struct {
		Target   string `json:"target"`
		ReadOnly bool   `json:"read_only"`
	}
	mounts := make([]keyedMount, 0, len(p.Mounts))
	for _, m := range p.Mounts {
		mounts = append(mounts, keyedMount{Target: m.Target, ReadOnly: m.ReadOnly})
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Target < mounts[j].Target })

	envKeys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	env := make([]string, 0, len(envKeys))
	for _, k := range envKeys {
		env = append(env, k+"="+p.Env[k])
	}

	input, _ := json.Marshal(struct {
		Base   models.BaseImage `json:"base"`
		Script []string         `json:"script"`
		Mounts []keyedMount     `json:"mounts"`
		Env    []string         `json:"env"`
	}{p.BaseImage, p.SetupScript, mounts, env})

	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// ImageRef is the tag a build key resolves to.
func ImageRef(buildKey string) string {
	return ImageRepo + ":" + buildKey[:16]
}

// Log returns the project's build log buffer, creating it on first use.
func (b *Builder) Log(projectID string) *LogBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	lb, ok := b.logs[projectID]
	if !ok {
		lb = NewLogBuffer(b.logLines)
		b.logs[projectID] = lb
	}
	return lb
}

// Ensure makes the project's snapshot ready: cache hit, joined in-flight
// build, or a fresh build. Blocks until the outcome is known; callers
// that must not block run it in a goroutine and watch the event bus.
func (b *Builder) Ensure(ctx context.Context, projectID string) error {
	p, err := b.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	key := BuildKey(p)

	var run *buildRun
	var buildCtx context.Context
	for {
		b.mu.Lock()
		if existing, ok := b.inflight[projectID]; ok {
			// Coalesce into this project's running attempt regardless of
			// key: the attempt snapshotted its inputs when it started.
			b.mu.Unlock()
			select {
			case <-existing.done:
				return existing.err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if other, ok := b.keyRuns[key]; ok {
			// Another project is already building identical inputs. Wait
			// for it, then re-check: on success our attempt resolves as a
			// cache hit without a second build.
			b.mu.Unlock()
			select {
			case <-other.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		run = &buildRun{key: key, done: make(chan struct{})}
		b.inflight[projectID] = run
		b.keyRuns[key] = run
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(context.Background(), b.buildTimeout)
		b.cancels[projectID] = cancel
		b.mu.Unlock()
		break
	}

	run.err = b.build(buildCtx, p, key)

	b.mu.Lock()
	delete(b.inflight, projectID)
	delete(b.keyRuns, key)
	if c, ok := b.cancels[projectID]; ok {
		c()
		delete(b.cancels, projectID)
	}
	b.mu.Unlock()
	close(run.done)
	return run.err
}

// Cancel aborts an in-flight build for the project, if any. Safe to call
// when no build is running.
func (b *Builder) Cancel(projectID string) {
	b.mu.Lock()
	cancel, ok := b.cancels[projectID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels all in-flight builds.
func (b *Builder) Close() {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()
}

func (b *Builder) build(ctx context.Context, p *models.Project, key string) error {
	ref := ImageRef(key)
	started := time.Now().UTC()

	// Cache check: input equality is the whole policy. A hit resolves to
	// ready without producing a fresh build log.
	exists, err := b.eng.ImageExists(ctx, ref)
	if err != nil {
		return b.fail(ctx, p, key, started, fmt.Errorf("image lookup: %w", err))
	}
	if exists {
		log.Info().Str("project", p.ID).Str("image", ref).Msg("Snapshot cache hit")
		return b.succeed(ctx, p, key, ref, started, true)
	}

	b.setStatus(ctx, p, models.BuildBuilding, "")
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return b.fail(ctx, p, key, started, fmt.Errorf("build canceled while queued: %w", err))
	}
	defer b.sem.Release(1)

	contextDir, dockerfile, cleanup, err := b.materializeContext(ctx, p, key)
	if err != nil {
		return b.fail(ctx, p, key, started, err)
	}
	defer cleanup()

	lb := b.Log(p.ID)
	sink := func(line string) {
		lb.Write(line)
		b.bus.Publish(models.Event{Type: models.EventBuildLogAppended, Payload: models.BuildLogChunk{
			ProjectID: p.ID,
			BuildKey:  key,
			Lines:     []string{line},
		}})
	}

	log.Info().Str("project", p.ID).Str("image", ref).Str("key", key[:16]).Msg("Snapshot build started")
	if err := b.eng.BuildImage(ctx, ref, engine.BuildInput{
		ContextDir: contextDir,
		Dockerfile: dockerfile,
		Labels:     map[string]string{"agenthub.build-key": key},
	}, sink); err != nil {
		return b.fail(ctx, p, key, started, err)
	}

	return b.succeed(ctx, p, key, ref, started, false)
}

// materializeContext prepares the docker build context. Tag-based projects
// get a generated Dockerfile; Dockerfile-based projects build from their
// own context first, with the setup script layered on top.
func (b *Builder) materializeContext(ctx context.Context, p *models.Project, key string) (dir, dockerfile string, cleanup func(), err error) {
	base := p.BaseImage.Tag
	if p.BaseImage.Dockerfile != "" {
		base = ImageRepo + "-base:" + key[:16]
		df := p.BaseImage.Dockerfile
		if err := b.eng.BuildImage(ctx, base, engine.BuildInput{
			ContextDir: p.BaseImage.Context,
			Dockerfile: df,
		}, b.Log(p.ID).Write); err != nil {
			return "", "", nil, fmt.Errorf("base image build: %w", err)
		}
	}
	if base == "" {
		return "", "", nil, fmt.Errorf("project %s has neither a base image tag nor a Dockerfile", p.ID)
	}

	tmp, err := os.MkdirTemp("", "agenthub-build-")
	if err != nil {
		return "", "", nil, fmt.Errorf("build context dir: %w", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", base)
	for _, k := range sortedEnvKeys(p.Env) {
		fmt.Fprintf(&sb, "ENV %s=%q\n", k, p.Env[k])
	}
	for _, cmd := range p.SetupScript {
		fmt.Fprintf(&sb, "RUN %s\n", cmd)
	}
	if err := os.WriteFile(filepath.Join(tmp, "Dockerfile"), []byte(sb.String()), 0o644); err != nil {
		os.RemoveAll(tmp)
		return "", "", nil, fmt.Errorf("write Dockerfile: %w", err)
	}
	return tmp, "Dockerfile", func() { os.RemoveAll(tmp) }, nil
}

func (b *Builder) succeed(ctx context.Context, p *models.Project, key, ref string, started time.Time, cacheHit bool) error {
	finished := time.Now().UTC()
	_ = b.store.PutBuild(ctx, &models.SnapshotBuild{
		BuildKey:   key,
		ProjectID:  p.ID,
		ImageRef:   ref,
		Status:     models.BuildReady,
		CacheHit:   cacheHit,
		StartedAt:  started,
		FinishedAt: &finished,
	})

	// Refetch: the project may have been edited while the build ran, and
	// config edits must not be clobbered by our stale copy.
	cur, err := b.store.GetProject(ctx, p.ID)
	if err != nil {
		// Project deleted mid-build; the image stays cached for reuse.
		return nil
	}
	cur.BuildStatus = models.BuildReady
	cur.BuildError = ""
	cur.SnapshotImageRef = ref
	if err := b.store.UpdateProject(ctx, cur); err != nil {
		return err
	}
	b.bus.Changed("project", cur.ID, cur)

	// The previous ref may be empty here: config edits clear it before
	// queuing the rebuild. Flagging keys off each chat's own image ref,
	// so live chats are caught either way.
	b.flagOutdatedChats(ctx, cur, ref)
	log.Info().Str("project", p.ID).Str("image", ref).Bool("cache_hit", cacheHit).Msg("Snapshot ready")
	return nil
}

func (b *Builder) fail(ctx context.Context, p *models.Project, key string, started time.Time, buildErr error) error {
	finished := time.Now().UTC()
	_ = b.store.PutBuild(ctx, &models.SnapshotBuild{
		BuildKey:   key,
		ProjectID:  p.ID,
		Status:     models.BuildFailed,
		Error:      buildErr.Error(),
		StartedAt:  started,
		FinishedAt: &finished,
	})
	b.setStatus(ctx, p, models.BuildFailed, buildErr.Error())
	log.Error().Err(buildErr).Str("project", p.ID).Msg("Snapshot build failed")
	return buildErr
}

func (b *Builder) setStatus(ctx context.Context, p *models.Project, status models.BuildStatus, errText string) {
	cur, err := b.store.GetProject(ctx, p.ID)
	if err != nil {
		return
	}
	cur.BuildStatus = status
	cur.BuildError = errText
	if err := b.store.UpdateProject(ctx, cur); err != nil {
		log.Warn().Err(err).Str("project", p.ID).Msg("Cannot record build status")
		return
	}
	b.bus.Changed("project", cur.ID, cur)
}

// flagOutdatedChats marks live chats started from an older image. The
// flag is a plain equality check against the project's current ref; no
// engine query involved.
func (b *Builder) flagOutdatedChats(ctx context.Context, p *models.Project, newRef string) {
	chats, err := b.store.ListChats(ctx, p.ID)
	if err != nil {
		return
	}
	for i := range chats {
		c := &chats[i]
		if c.ContainerImageRef == "" || c.ContainerImageRef == newRef || c.ContainerOutdated {
			continue
		}
		c.ContainerOutdated = true
		c.OutdatedReason = fmt.Sprintf("project snapshot rebuilt (%s -> %s); refresh the container to pick it up", c.ContainerImageRef, newRef)
		if err := b.store.UpdateChat(ctx, c); err == nil {
			b.bus.Changed("chat", c.ID, c)
		}
	}
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
