package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flowchat/internal/model"
)

// KV is the key-value storage collaborator the application persists through.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns ErrNotFound when key has never been set.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Keys under which the state is mirrored.
const (
	KeyConversations = "conversations"
	KeyModel         = "selected-model"
	KeyActiveID      = "active-conversation-id"
)

// StateRepository maps the application state onto a KV as JSON values.
type StateRepository struct {
	kv KV
}

// NewStateRepository returns a repository backed by kv.
func NewStateRepository(kv KV) *StateRepository {
	return &StateRepository{kv: kv}
}

// Load reads everything that was saved. Missing keys yield zero values.
func (r *StateRepository) Load(ctx context.Context) (*model.State, error) {
	state := &model.State{Conversations: []model.Conversation{}}

	if err := r.getJSON(ctx, KeyConversations, &state.Conversations); err != nil {
		return nil, err
	}
	if err := r.getJSON(ctx, KeyModel, &state.Model); err != nil {
		return nil, err
	}
	if err := r.getJSON(ctx, KeyActiveID, &state.ActiveID); err != nil {
		return nil, err
	}
	if state.Conversations == nil {
		state.Conversations = []model.Conversation{}
	}
	return state, nil
}

// SaveConversations writes the conversation list.
func (r *StateRepository) SaveConversations(ctx context.Context, conversations []model.Conversation) error {
	if conversations == nil {
		conversations = []model.Conversation{}
	}
	return r.setJSON(ctx, KeyConversations, conversations)
}

// SaveModel writes the selected model.
func (r *StateRepository) SaveModel(ctx context.Context, name string) error {
	return r.setJSON(ctx, KeyModel, name)
}

// SaveActiveID writes the active conversation id; nil is stored as JSON null.
func (r *StateRepository) SaveActiveID(ctx context.Context, id *string) error {
	return r.setJSON(ctx, KeyActiveID, id)
}

// Close releases the underlying KV.
func (r *StateRepository) Close() error {
	return r.kv.Close()
}

func (r *StateRepository) getJSON(ctx context.Context, key string, dst interface{}) error {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("could not read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("could not decode %s: %w", key, err)
	}
	return nil
}

func (r *StateRepository) setJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", key, err)
	}
	if err := r.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("could not write %s: %w", key, err)
	}
	return nil
}
