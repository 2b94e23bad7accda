// Package invalidate clears cached views after the underlying data changed.
package invalidate

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stockfeed/stockfeed/internal/cache"
	"github.com/stockfeed/stockfeed/internal/events"
	"github.com/stockfeed/stockfeed/pkg/logging"
)

// DefaultPath is the rendered path revalidated when none is given
const DefaultPath = "/"

// Result acknowledges an invalidation
type Result struct {
	Revalidated bool   `json:"revalidated"`
	Path        string `json:"path"`
}

// Renderer drops cached rendered output
type Renderer interface {
	Revalidate(ctx context.Context, path string) error
}

// Publisher tells peer instances to invalidate too
type Publisher interface {
	Publish(ctx context.Context, path string) error
}

// Trigger clears the in-memory cache, the rendering layer and peers
type Trigger struct {
	memory    *cache.Memory
	keys      []string
	prefixes  []string
	renderer  Renderer
	publisher Publisher
	logger    *zap.Logger
}

// New creates a Trigger that drops keys and every key under prefixes.
// renderer and publisher may be nil.
func New(memory *cache.Memory, keys, prefixes []string, renderer Renderer, publisher Publisher) *Trigger {
	return &Trigger{
		memory:    memory,
		keys:      keys,
		prefixes:  prefixes,
		renderer:  renderer,
		publisher: publisher,
		logger:    logging.WithComponent("invalidate"),
	}
}

// Invalidate clears local caches for path, asks the rendering layer to drop
// its output and notifies peers. Failures beyond the local clear are logged
// and reported through Revalidated.
func (t *Trigger) Invalidate(ctx context.Context, path string) Result {
	path = normalizePath(path)
	t.clearLocal()

	revalidated := true
	if t.renderer != nil {
		if err := t.renderer.Revalidate(ctx, path); err != nil {
			revalidated = false
			t.logger.Warn("Render revalidation failed", zap.String("path", path), zap.Error(err))
		}
	}
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, path); err != nil {
			t.logger.Warn("Failed to publish invalidation", zap.String("path", path), zap.Error(err))
		}
	}

	return Result{Revalidated: revalidated, Path: path}
}

// HandleRemote applies an invalidation received from a peer. It only
// touches local state so events are never re-published.
func (t *Trigger) HandleRemote(ev events.Event) {
	t.clearLocal()
	t.logger.Debug("Applied remote invalidation",
		zap.String("path", ev.Path),
		zap.String("origin", ev.Origin))
}

func (t *Trigger) clearLocal() {
	if t.memory == nil {
		return
	}
	t.memory.Invalidate(t.keys...)
	for _, prefix := range t.prefixes {
		t.memory.InvalidatePrefix(prefix)
	}
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
