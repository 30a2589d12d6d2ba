// Package retention sweeps snapshot images and build records that nothing
// references anymore. Rebuilding a project retags its snapshot, so
// superseded images accumulate on the engine until removed here.
//
// The sweep is conservative: an image survives if any project's current
// snapshot points at it or any chat's container was started from it,
// regardless of chat state. Build records for removed images go too.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agenthub/agenthub/internal/engine"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/store"
)

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	ImagesRemoved int
	BuildsRemoved int
	Errors        []error
}

// Janitor periodically removes unreferenced snapshot images.
type Janitor struct {
	store    store.Store
	engine   engine.Engine
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps on the given interval.
func NewJanitor(s store.Store, eng engine.Engine, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{store: s, engine: eng, interval: interval}
}

// Start runs the janitor until ctx is canceled. The first sweep is
// delayed one full interval so startup never races in-flight builds.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and returns what it did.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	inUse, err := j.referencedTags(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: failed to resolve references")
		stats.Errors = append(stats.Errors, err)
		return stats
	}

	for _, repo := range []string{snapshot.ImageRepo, snapshot.ImageRepo + "-base"} {
		refs, err := j.engine.ListImages(ctx, repo)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		for _, ref := range refs {
			if inUse[tagOf(ref)] {
				continue
			}
			if err := j.engine.RemoveImage(ctx, ref); err != nil {
				// In use by a container the store does not know about.
				// Leave it for the next cycle.
				log.Debug().Err(err).Str("image", ref).Msg("Retention sweep: image not removed")
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.ImagesRemoved++
			log.Info().Str("image", ref).Msg("Removed unreferenced snapshot image")
		}
	}

	stats.BuildsRemoved = j.pruneBuilds(ctx, inUse, &stats)

	if stats.ImagesRemoved > 0 || stats.BuildsRemoved > 0 {
		log.Info().
			Int("images_removed", stats.ImagesRemoved).
			Int("builds_removed", stats.BuildsRemoved).
			Dur("elapsed", time.Since(start)).
			Msg("Retention sweep complete")
	}
	return stats
}

// referencedTags collects every image tag a project or chat still points at.
func (j *Janitor) referencedTags(ctx context.Context) (map[string]bool, error) {
	inUse := make(map[string]bool)

	projects, err := j.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.SnapshotImageRef != "" {
			inUse[tagOf(p.SnapshotImageRef)] = true
		}
	}

	chats, err := j.store.ListChats(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if c.ContainerImageRef != "" {
			inUse[tagOf(c.ContainerImageRef)] = true
		}
	}
	return inUse, nil
}

// pruneBuilds deletes build records whose image tag is no longer referenced.
// Failed builds have no image; those are kept for a day so the error stays
// inspectable, then dropped.
func (j *Janitor) pruneBuilds(ctx context.Context, inUse map[string]bool, stats *CycleStats) int {
	builds, err := j.store.ListBuilds(ctx, "")
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return 0
	}
	removed := 0
	for _, b := range builds {
		switch {
		case b.ImageRef != "" && !inUse[tagOf(b.ImageRef)]:
		case b.ImageRef == "" && b.FinishedAt != nil && time.Since(*b.FinishedAt) > 24*time.Hour:
		default:
			continue
		}
		if err := j.store.DeleteBuild(ctx, b.BuildKey); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		removed++
	}
	return removed
}

func tagOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
