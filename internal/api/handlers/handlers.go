// Package handlers implements the HTTP handlers for the AgentHub control
// plane. All handlers go through the Store for state and the Bus for
// fan-out; none of them talk to the container engine directly except via
// the builder and launcher.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agenthub/agenthub/internal/artifacts"
	"github.com/agenthub/agenthub/internal/events"
	"github.com/agenthub/agenthub/internal/launcher"
	"github.com/agenthub/agenthub/internal/snapshot"
	"github.com/agenthub/agenthub/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Bus      *events.Bus
	Builder  *snapshot.Builder
	Launcher *launcher.Launcher
	Broker   *artifacts.Broker
	Version  string

	// keyed per-idempotency-key locks so concurrent retries of one
	// request serialize without serializing unrelated requests. Entries
	// live only while a request holds them; the durable replay record
	// is the store's RequestRecord.
	idemMu    sync.Mutex
	idemLocks map[string]*keyLock
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, bus *events.Bus, b *snapshot.Builder, l *launcher.Launcher, br *artifacts.Broker, version string) *Handlers {
	return &Handlers{
		Store:     s,
		Bus:       bus,
		Builder:   b,
		Launcher:  l,
		Broker:    br,
		Version:   version,
		idemLocks: make(map[string]*keyLock),
	}
}

// ── idempotency ─────────────────────────────────────────────

// IdempotencyHeader carries the caller's request ID on mutating calls.
const IdempotencyHeader = "Idempotency-Key"

// idempotent runs fn once per request ID. A replay returns the recorded
// original outcome instead of repeating the effect, so a caller retrying
// after a network timeout cannot create a second entity.
func (h *Handlers) idempotent(w http.ResponseWriter, r *http.Request, fn func() (int, any)) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		status, body := fn()
		respondJSON(w, status, body)
		return
	}

	lock := h.acquireKey(key)
	defer h.releaseKey(key, lock)

	if rec, err := h.Store.GetRequest(r.Context(), key); err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(rec.Status)
		w.Write(rec.Body)
		return
	}

	status, body := fn()
	data, err := json.Marshal(body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Only remember successful outcomes: a validation failure should not
	// poison a later corrected retry under the same key.
	if status < 400 {
		_ = h.Store.PutRequest(r.Context(), &store.RequestRecord{
			ID:        key,
			Status:    status,
			Body:      data,
			CreatedAt: time.Now().UTC(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// acquireKey takes the lock for key, creating it on first use. refs
// counts the holders and waiters so releaseKey knows when the entry
// can be dropped from the map.
func (h *Handlers) acquireKey(key string) *keyLock {
	h.idemMu.Lock()
	l, ok := h.idemLocks[key]
	if !ok {
		l = &keyLock{}
		h.idemLocks[key] = l
	}
	l.refs++
	h.idemMu.Unlock()
	l.mu.Lock()
	return l
}

func (h *Handlers) releaseKey(key string, l *keyLock) {
	l.mu.Unlock()
	h.idemMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(h.idemLocks, key)
	}
	h.idemMu.Unlock()
}

// ── responses ───────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
