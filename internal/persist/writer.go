// Package persist mirrors the conversation store into a StateRepository in the
// background, so storage latency and failures never reach a running turn.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"flowchat/internal/model"
	"flowchat/internal/repository"
	"flowchat/internal/store"
)

// Writer writes the parts of the state that changed since the last write.
type Writer struct {
	store *store.ConversationStore
	repo  *repository.StateRepository

	mu    sync.Mutex
	dirty map[model.Change]bool

	// wake holds at most one pending signal; marks never block the store.
	wake chan struct{}

	// writeMu serializes Flush calls from Run and from shutdown.
	writeMu sync.Mutex
}

// NewWriter subscribes to s and returns a writer that saves into repo.
func NewWriter(s *store.ConversationStore, repo *repository.StateRepository) *Writer {
	w := &Writer{
		store: s,
		repo:  repo,
		dirty: make(map[model.Change]bool),
		wake:  make(chan struct{}, 1),
	}
	s.OnChange(w.mark)
	return w
}

func (w *Writer) mark(c model.Change) {
	w.mu.Lock()
	w.dirty[c] = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run writes dirty state until ctx is done. It always returns nil so that an
// errgroup running it is only stopped by its context.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
			if err := w.Flush(ctx); err != nil {
				slog.Error("Failed to persist state", "error", err)
			}
		}
	}
}

// Flush synchronously writes everything marked dirty.
func (w *Writer) Flush(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	dirty := w.dirty
	w.dirty = make(map[model.Change]bool)
	w.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	state := w.store.Snapshot()
	var errs []error
	if dirty[model.ChangeConversations] {
		if err := w.repo.SaveConversations(ctx, Persistable(state.Conversations)); err != nil {
			errs = append(errs, fmt.Errorf("conversations: %w", err))
		}
	}
	if dirty[model.ChangeModel] {
		if err := w.repo.SaveModel(ctx, state.Model); err != nil {
			errs = append(errs, fmt.Errorf("model: %w", err))
		}
	}
	if dirty[model.ChangeActive] {
		if err := w.repo.SaveActiveID(ctx, state.ActiveID); err != nil {
			errs = append(errs, fmt.Errorf("active conversation: %w", err))
		}
	}
	slog.Debug("Persisted state", "changes", len(dirty), "conversations", len(state.Conversations), "failed", len(errs))
	return errors.Join(errs...)
}

// MarkAll forces the next Flush to write every part of the state.
func (w *Writer) MarkAll() {
	w.mark(model.ChangeConversations)
	w.mark(model.ChangeModel)
	w.mark(model.ChangeActive)
}

// Persistable drops conversations that have no messages yet.
func Persistable(conversations []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, 0, len(conversations))
	for _, c := range conversations {
		if len(c.Messages) > 0 {
			out = append(out, c)
		}
	}
	return out
}
