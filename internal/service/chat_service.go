package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/llm"
	"flowchat/internal/model"
	"flowchat/internal/store"
	"flowchat/internal/stream"
)

// noResponseText is stored when a non-streaming completion comes back empty.
const noResponseText = "No response from AI"

// TurnState is the lifecycle of one submission.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnUserAppended
	TurnPlaceholderCreated
	TurnStreaming
	TurnCompleted
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnUserAppended:
		return "user_appended"
	case TurnPlaceholderCreated:
		return "placeholder_created"
	case TurnStreaming:
		return "streaming"
	case TurnCompleted:
		return "completed"
	case TurnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TurnResult is how a turn ended.
type TurnResult struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	State          TurnState `json:"state"`
	Content        string    `json:"content"`
	Error          string    `json:"error,omitempty"`
}

// Observer receives the events of a turn in order. It is never called
// concurrently for the same turn.
type Observer func(model.StreamResponse)

// CreateMessageRequest is the structure for a new message request from the client.
type CreateMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// ChatOptions configure how turns talk to the provider.
type ChatOptions struct {
	SystemPrompt string
	// Stream selects streamed completions; false requests the whole reply at once.
	Stream    bool
	Scheduler stream.Scheduler
}

type ChatService struct {
	store *store.ConversationStore
	llm   llm.CompletionProvider
	opts  ChatOptions

	loading atomic.Bool

	turnMu sync.Mutex
	turn   *activeTurn
}

type activeTurn struct {
	conversationID string
	cancel         context.CancelFunc
}

func NewChatService(s *store.ConversationStore, provider llm.CompletionProvider, opts ChatOptions) *ChatService {
	return &ChatService{store: s, llm: provider, opts: opts}
}

// Loading reports whether a turn is in flight.
func (s *ChatService) Loading() bool {
	return s.loading.Load()
}

// Session returns the active conversation, the loading flag and the selected model.
func (s *ChatService) Session() model.Session {
	return model.Session{
		ActiveConversationID: s.store.ActiveID(),
		Loading:              s.Loading(),
		Model:                s.store.Model(),
	}
}

// ListConversations returns every conversation, most recent first.
func (s *ChatService) ListConversations(_ context.Context) []model.Conversation {
	return s.store.List()
}

// GetConversation retrieves one conversation with all its messages.
func (s *ChatService) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	c, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation starts an empty conversation and makes it active.
func (s *ChatService) CreateConversation(_ context.Context) *model.Conversation {
	c := s.store.Create()
	s.store.Select(c.ID)
	slog.Info("Created conversation", "conversation_id", c.ID)
	return &c
}

// SelectConversation makes id the active conversation.
func (s *ChatService) SelectConversation(_ context.Context, id string) error {
	if !s.store.Select(id) {
		return fmt.Errorf("conversation %s: %w", id, app_errors.ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation. A turn streaming into it is
// aborted first.
func (s *ChatService) DeleteConversation(_ context.Context, id string) error {
	s.turnMu.Lock()
	if s.turn != nil && s.turn.conversationID == id {
		slog.Info("Aborting turn of deleted conversation", "conversation_id", id)
		s.turn.cancel()
	}
	s.turnMu.Unlock()

	if !s.store.Delete(id) {
		return fmt.Errorf("conversation %s: %w", id, app_errors.ErrNotFound)
	}
	slog.Info("Deleted conversation", "conversation_id", id)
	return nil
}

// Abort cancels the in-flight turn. It reports whether there was one.
func (s *ChatService) Abort() bool {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turn == nil {
		return false
	}
	s.turn.cancel()
	return true
}

// HandleNewMessage runs one turn and reports its events on streamChan, which
// is closed once the turn is over.
func (s *ChatService) HandleNewMessage(
	ctx context.Context,
	req *CreateMessageRequest,
	streamChan chan<- model.StreamResponse,
) {
	defer close(streamChan)

	emit := func(ev model.StreamResponse) {
		select {
		case streamChan <- ev:
		case <-ctx.Done():
		}
	}
	if _, err := s.run(ctx, req.Content, emit); err != nil {
		emit(model.StreamResponse{Type: model.EventError, Error: err.Error(), Done: true})
	}
}

// Send runs one turn and returns how it ended. observer may be nil.
func (s *ChatService) Send(ctx context.Context, content string, observer Observer) (*TurnResult, error) {
	if observer == nil {
		observer = func(model.StreamResponse) {}
	}
	return s.run(ctx, content, observer)
}

// run returns an error only when the submission is rejected before the turn
// starts. Once the active conversation is resolved every failure, including
// the conversation being deleted underneath the turn, ends in TurnFailed.
func (s *ChatService) run(ctx context.Context, content string, observer Observer) (*TurnResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is empty: %w", app_errors.ErrValidation)
	}
	if !s.loading.CompareAndSwap(false, true) {
		return nil, app_errors.ErrBusy
	}
	defer s.loading.Store(false)

	conv, ok := s.store.Active()
	if !ok {
		conv = s.store.Create()
		s.store.Select(conv.ID)
	}
	history := conv.Messages
	selected := s.store.Model()

	// Registered before the first write so a delete of conv aborts the turn.
	turnCtx, cancel := context.WithCancel(ctx)
	s.setTurn(&activeTurn{conversationID: conv.ID, cancel: cancel})
	defer func() {
		s.setTurn(nil)
		cancel()
	}()

	result := &TurnResult{ConversationID: conv.ID, State: TurnIdle}
	logger := slog.With("conversation_id", conv.ID, "model", selected)
	fail := func(err error) (*TurnResult, error) {
		result.State = TurnFailed
		result.Error = failureText(err)
		s.store.ReplaceLastMessageWithError(conv.ID, result.Error)
		logger.Error("Turn failed", "message_id", result.MessageID, "error", err)
		observer(model.StreamResponse{
			Type:           model.EventError,
			ConversationID: conv.ID,
			MessageID:      result.MessageID,
			Error:          result.Error,
			Done:           true,
		})
		return result, nil
	}

	if _, err := s.store.AppendUserMessage(conv.ID, content); err != nil {
		return fail(err)
	}
	result.State = TurnUserAppended

	if conv.Model != selected {
		s.store.SetConversationModel(conv.ID, selected)
	}
	placeholder, err := s.store.AppendAssistantPlaceholder(conv.ID)
	if err != nil {
		return fail(err)
	}
	result.MessageID = placeholder.ID
	result.State = TurnPlaceholderCreated
	if err := turnCtx.Err(); err != nil {
		return fail(err)
	}
	observer(model.StreamResponse{Type: model.EventStart, ConversationID: conv.ID, MessageID: placeholder.ID})

	req := &llm.CompletionRequest{Model: selected, Messages: s.buildContext(history, content)}

	var text string
	if s.opts.Stream {
		text, err = s.streamReply(turnCtx, cancel, req, result, observer)
	} else {
		text, err = s.completeReply(turnCtx, req, result, observer)
	}
	if err != nil {
		return fail(err)
	}

	result.State = TurnCompleted
	result.Content = text
	logger.Info("Turn completed", "message_id", placeholder.ID, "length", len(text))
	observer(model.StreamResponse{
		Type:           model.EventDone,
		ConversationID: conv.ID,
		MessageID:      placeholder.ID,
		Content:        text,
		Done:           true,
	})
	return result, nil
}

// streamReply feeds the decoder through a coalescer into the placeholder. A
// batch that no longer has a message to grow into aborts the turn.
func (s *ChatService) streamReply(ctx context.Context, abort context.CancelFunc, req *llm.CompletionRequest, result *TurnResult, observer Observer) (string, error) {
	dec, err := s.llm.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer dec.Close()
	// Closing the body unblocks a read that is waiting on the network.
	stop := context.AfterFunc(ctx, func() { _ = dec.Close() })
	defer stop()

	coalescer := stream.NewCoalescer(s.opts.Scheduler, func(batch string) {
		if !s.store.GrowAssistantMessage(result.ConversationID, result.MessageID, batch) {
			abort()
			return
		}
		observer(model.StreamResponse{
			Type:           model.EventDelta,
			ConversationID: result.ConversationID,
			MessageID:      result.MessageID,
			Content:        batch,
		})
	})
	result.State = TurnStreaming

	for {
		if err := ctx.Err(); err != nil {
			coalescer.Cancel()
			return "", err
		}
		delta, err := dec.Next()
		if errors.Is(err, io.EOF) {
			coalescer.Complete()
			if err := ctx.Err(); err != nil {
				return "", err
			}
			slog.Debug("Stream finished", "deltas", dec.Count(), "batches", coalescer.Flushes(), "skipped", dec.Skipped())
			return dec.Text(), nil
		}
		if err != nil {
			coalescer.Cancel()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		coalescer.Push(delta)
	}
}

func (s *ChatService) completeReply(ctx context.Context, req *llm.CompletionRequest, result *TurnResult, observer Observer) (string, error) {
	text, err := s.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if text == "" {
		text = noResponseText
	}
	if !s.store.GrowAssistantMessage(result.ConversationID, result.MessageID, text) {
		return "", fmt.Errorf("conversation %s: %w", result.ConversationID, app_errors.ErrNotFound)
	}
	observer(model.StreamResponse{
		Type:           model.EventDelta,
		ConversationID: result.ConversationID,
		MessageID:      result.MessageID,
		Content:        text,
	})
	return text, nil
}

// buildContext sends the prior messages followed by the new user message.
func (s *ChatService) buildContext(history []model.Message, content string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	if s.opts.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: string(model.RoleSystem), Content: s.opts.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return append(messages, llm.Message{Role: string(model.RoleUser), Content: content})
}

func (s *ChatService) setTurn(t *activeTurn) {
	s.turnMu.Lock()
	s.turn = t
	s.turnMu.Unlock()
}

// failureText renders the assistant message that replaces a failed reply.
func failureText(err error) string {
	cause := err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		cause = "Request was cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		cause = "Request timed out"
	}
	return fmt.Sprintf("Error: %s. Please try again.", cause)
}
