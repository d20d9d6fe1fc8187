// Package store holds conversations in memory and enforces their invariants.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/model"
)

// DefaultTitleLength is the number of runes of the first user message kept as title.
const DefaultTitleLength = 50

// Options configure a ConversationStore.
type Options struct {
	Model       string
	TitleLength int
	Now         func() time.Time
	NewID       func() string
}

// ConversationStore is the single mutable copy of the conversation list, the
// selected model and the active conversation id. Conversations are kept most
// recent first. All methods are safe for concurrent use; values handed out
// are copies.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations []*model.Conversation
	activeID      *string
	selected      string

	titleLength int
	now         func() time.Time
	newID       func() string

	obsMu     sync.RWMutex
	observers []func(model.Change)
}

// New returns an empty store.
func New(opts Options) *ConversationStore {
	s := &ConversationStore{
		selected:    opts.Model,
		titleLength: opts.TitleLength,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if s.titleLength <= 0 {
		s.titleLength = DefaultTitleLength
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// OnChange registers fn to be called after every mutation.
func (s *ConversationStore) OnChange(fn func(model.Change)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *ConversationStore) notify(changes ...model.Change) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, c := range changes {
		for _, fn := range observers {
			fn(c)
		}
	}
}

// Restore replaces the whole state, typically with what was loaded at startup.
// An active id that matches no conversation falls back to the first one.
func (s *ConversationStore) Restore(state *model.State) {
	s.mu.Lock()
	s.conversations = make([]*model.Conversation, 0, len(state.Conversations))
	for _, c := range state.Conversations {
		cp := c.Clone()
		s.conversations = append(s.conversations, &cp)
	}
	if state.Model != "" {
		s.selected = state.Model
	}
	s.activeID = nil
	if state.ActiveID != nil && s.findLocked(*state.ActiveID) != nil {
		id := *state.ActiveID
		s.activeID = &id
	} else if len(s.conversations) > 0 {
		id := s.conversations[0].ID
		s.activeID = &id
	}
	s.mu.Unlock()
}

// Create adds a new empty conversation at the front of the list. It does not
// make it active.
func (s *ConversationStore) Create() model.Conversation {
	s.mu.Lock()
	now := s.now()
	c := &model.Conversation{
		ID:        s.newID(),
		Title:     model.DefaultTitle,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Model:     s.selected,
	}
	s.conversations = append([]*model.Conversation{c}, s.conversations...)
	out := c.Clone()
	s.mu.Unlock()

	s.notify(model.ChangeConversations)
	return out
}

// Select makes id the active conversation. Unknown ids are ignored.
func (s *ConversationStore) Select(id string) bool {
	s.mu.Lock()
	if s.findLocked(id) == nil {
		s.mu.Unlock()
		return false
	}
	s.activeID = &id
	s.mu.Unlock()

	s.notify(model.ChangeActive)
	return true
}

// Delete removes a conversation. When it was active, the first remaining
// conversation becomes active, or none if the list is empty.
func (s *ConversationStore) Delete(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	activeChanged := false
	if s.activeID != nil && *s.activeID == id {
		activeChanged = true
		s.activeID = nil
		if len(s.conversations) > 0 {
			next := s.conversations[0].ID
			s.activeID = &next
		}
	}
	s.mu.Unlock()

	if activeChanged {
		s.notify(model.ChangeConversations, model.ChangeActive)
	} else {
		s.notify(model.ChangeConversations)
	}
	return true
}

// AppendUserMessage appends a user message. The first message of a
// conversation also sets its title.
func (s *ConversationStore) AppendUserMessage(id, text string) (model.Message, error) {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("conversation %s: %w", id, app_errors.ErrNotFound)
	}
	now := s.touchLocked(c)
	msg := model.Message{
		ID:        s.newID(),
		Role:      model.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	if len(c.Messages) == 0 {
		c.Title = Truncate(text, s.titleLength)
	}
	c.Messages = append(c.Messages, msg)
	s.mu.Unlock()

	s.notify(model.ChangeConversations)
	return msg, nil
}

// AppendAssistantPlaceholder appends an empty assistant message whose content
// is grown while the reply streams in.
func (s *ConversationStore) AppendAssistantPlaceholder(id string) (model.Message, error) {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("conversation %s: %w", id, app_errors.ErrNotFound)
	}
	now := s.touchLocked(c)
	msg := model.Message{
		ID:        s.newID(),
		Role:      model.RoleAssistant,
		Timestamp: now,
		Model:     c.Model,
	}
	c.Messages = append(c.Messages, msg)
	s.mu.Unlock()

	s.notify(model.ChangeConversations)
	return msg, nil
}

// GrowAssistantMessage appends delta to a message in place. A conversation or
// message that no longer exists is not an error; it returns false.
func (s *ConversationStore) GrowAssistantMessage(conversationID, messageID, delta string) bool {
	s.mu.Lock()
	c := s.findLocked(conversationID)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	grown := false
	for i := range c.Messages {
		if c.Messages[i].ID == messageID && c.Messages[i].Role == model.RoleAssistant {
			c.Messages[i].Content += delta
			s.touchLocked(c)
			grown = true
			break
		}
	}
	s.mu.Unlock()

	if grown {
		s.notify(model.ChangeConversations)
	}
	return grown
}

// ReplaceLastMessageWithError swaps the trailing assistant placeholder for an
// assistant message carrying errorText. Earlier messages are untouched.
func (s *ConversationStore) ReplaceLastMessageWithError(conversationID, errorText string) bool {
	s.mu.Lock()
	c := s.findLocked(conversationID)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	now := s.touchLocked(c)
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Role == model.RoleAssistant {
		c.Messages = c.Messages[:n-1]
	}
	c.Messages = append(c.Messages, model.Message{
		ID:        s.newID(),
		Role:      model.RoleAssistant,
		Content:   errorText,
		Timestamp: now,
		Model:     c.Model,
	})
	s.mu.Unlock()

	s.notify(model.ChangeConversations)
	return true
}

// SetModel changes the model used for new conversations and turns.
func (s *ConversationStore) SetModel(name string) {
	s.mu.Lock()
	s.selected = name
	s.mu.Unlock()
	s.notify(model.ChangeModel)
}

// SetConversationModel changes the model of one conversation.
func (s *ConversationStore) SetConversationModel(id, name string) bool {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return false
	}
	c.Model = name
	s.touchLocked(c)
	s.mu.Unlock()
	s.notify(model.ChangeConversations)
	return true
}

// Model returns the selected model.
func (s *ConversationStore) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// ActiveID returns the active conversation id, or nil.
func (s *ConversationStore) ActiveID() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == nil {
		return nil
	}
	id := *s.activeID
	return &id
}

// Active returns the active conversation.
func (s *ConversationStore) Active() (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeID == nil {
		return model.Conversation{}, false
	}
	c := s.findLocked(*s.activeID)
	if c == nil {
		return model.Conversation{}, false
	}
	return c.Clone(), true
}

// Get returns one conversation.
func (s *ConversationStore) Get(id string) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.findLocked(id)
	if c == nil {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", id, app_errors.ErrNotFound)
	}
	return c.Clone(), nil
}

// List returns every conversation, most recent first.
func (s *ConversationStore) List() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	return out
}

// Snapshot returns a consistent copy of the whole state.
func (s *ConversationStore) Snapshot() *model.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := &model.State{
		Conversations: make([]model.Conversation, 0, len(s.conversations)),
		Model:         s.selected,
	}
	for _, c := range s.conversations {
		state.Conversations = append(state.Conversations, c.Clone())
	}
	if s.activeID != nil {
		id := *s.activeID
		state.ActiveID = &id
	}
	return state
}

// touchLocked bumps UpdatedAt without ever moving it backwards.
func (s *ConversationStore) touchLocked(c *model.Conversation) time.Time {
	now := s.now()
	if now.Before(c.UpdatedAt) {
		now = c.UpdatedAt
	}
	c.UpdatedAt = now
	return now
}

func (s *ConversationStore) findLocked(id string) *model.Conversation {
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i]
	}
	return nil
}

func (s *ConversationStore) indexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Truncate shortens a string to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
