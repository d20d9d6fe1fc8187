package service_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/llm"
	mock_llm "flowchat/internal/llm/mocks"
	"flowchat/internal/model"
	"flowchat/internal/service"
	"flowchat/internal/store"
	"flowchat/internal/stream"
)

type Mocks struct {
	llm   *mock_llm.MockCompletionProvider
	store *store.ConversationStore
}

func setupChatService(t *testing.T, opts service.ChatOptions) (*service.ChatService, Mocks) {
	t.Helper()
	if opts.Scheduler == nil {
		opts.Scheduler = stream.FrameScheduler{Interval: time.Millisecond}
	}
	mocks := Mocks{
		llm:   mock_llm.NewMockCompletionProvider(t),
		store: store.New(store.Options{Model: "gpt-4o-mini"}),
	}
	return service.NewChatService(mocks.store, mocks.llm, opts), mocks
}

func record(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func decoderOf(body string) *stream.Decoder {
	return stream.NewDecoder(io.NopCloser(strings.NewReader(body)))
}

// eventLog collects observer events.
type eventLog struct {
	mu     sync.Mutex
	events []model.StreamResponse
}

func (l *eventLog) observe(ev model.StreamResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for i, ev := range l.events {
		if ev.Type == model.EventDelta && i > 0 && out[len(out)-1] == model.EventDelta {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) deltas() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b strings.Builder
	for _, ev := range l.events {
		if ev.Type == model.EventDelta {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func contextOf(req *llm.CompletionRequest) []string {
	out := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, m.Role+":"+m.Content)
	}
	return out
}

func TestChatService_Send_EndToEnd(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})

	// ARRANGE
	var sent *llm.CompletionRequest
	mocks.llm.On("Stream", mock.Anything, mock.AnythingOfType("*llm.CompletionRequest")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*llm.CompletionRequest) }).
		Return(decoderOf(record("4")+"data: [DONE]\n\n"), nil).Once()
	log := &eventLog{}

	// ACT
	result, err := chatService.Send(ctx, "2+2?", log.observe)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, service.TurnCompleted, result.State)
	assert.Equal(t, "4", result.Content)
	assert.Empty(t, result.Error)
	assert.False(t, chatService.Loading())

	require.NotNil(t, sent)
	assert.Equal(t, "gpt-4o-mini", sent.Model)
	assert.Equal(t, []string{"user:2+2?"}, contextOf(sent))

	conversations := mocks.store.List()
	require.Len(t, conversations, 1)
	conv := conversations[0]
	assert.Equal(t, result.ConversationID, conv.ID)
	assert.Equal(t, "2+2?", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "2+2?", conv.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "4", conv.Messages[1].Content)
	assert.Equal(t, result.MessageID, conv.Messages[1].ID)
	assert.Equal(t, "gpt-4o-mini", conv.Messages[1].Model)

	active := mocks.store.ActiveID()
	require.NotNil(t, active)
	assert.Equal(t, conv.ID, *active)

	assert.Equal(t, []string{model.EventStart, model.EventDelta, model.EventDone}, log.types())
	assert.Equal(t, "4", log.deltas())
}

func TestChatService_Send_Context(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true, SystemPrompt: "Be brief."})

	first := decoderOf(record("Hello") + record(" there") + "data: [DONE]\n\n")
	second := decoderOf(record("Fine") + "data: [DONE]\n\n")
	var requests []*llm.CompletionRequest
	capture := func(args mock.Arguments) { requests = append(requests, args.Get(1).(*llm.CompletionRequest)) }
	mocks.llm.On("Stream", mock.Anything, mock.Anything).Run(capture).Return(first, nil).Once()
	mocks.llm.On("Stream", mock.Anything, mock.Anything).Run(capture).Return(second, nil).Once()

	_, err := chatService.Send(ctx, "Hi", nil)
	require.NoError(t, err)
	result, err := chatService.Send(ctx, "How are you?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Fine", result.Content)
	require.Len(t, requests, 2)
	assert.Equal(t, []string{"system:Be brief.", "user:Hi"}, contextOf(requests[0]))
	assert.Equal(t, []string{
		"system:Be brief.",
		"user:Hi",
		"assistant:Hello there",
		"user:How are you?",
	}, contextOf(requests[1]))

	conv, err := mocks.store.Get(result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Hi", conv.Title, "title comes from the first message only")
	assert.Len(t, conv.Messages, 4)
}

func TestChatService_Send_UsesSelectedModel(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
	conv := chatService.CreateConversation(ctx)
	mocks.store.SetModel("deepseek-r1")

	mocks.llm.On("Stream", mock.Anything, mock.MatchedBy(func(req *llm.CompletionRequest) bool {
		return req.Model == "deepseek-r1"
	})).Return(decoderOf(record("ok")+"data: [DONE]\n\n"), nil).Once()

	result, err := chatService.Send(ctx, "hi", nil)

	require.NoError(t, err)
	assert.Equal(t, conv.ID, result.ConversationID)
	got, err := mocks.store.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-r1", got.Model)
	assert.Equal(t, "deepseek-r1", got.Messages[1].Model)
}

func TestChatService_Send_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("Failure - Provider rejects the request", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
		mocks.llm.On("Stream", mock.Anything, mock.Anything).
			Return(decoderOf(record("earlier")+"data: [DONE]\n\n"), nil).Once()
		_, err := chatService.Send(ctx, "first", nil)
		require.NoError(t, err)

		mocks.llm.On("Stream", mock.Anything, mock.Anything).
			Return(nil, &llm.StatusError{Code: 401, Status: "401 Unauthorized"}).Once()
		log := &eventLog{}

		result, err := chatService.Send(ctx, "second", log.observe)

		require.NoError(t, err)
		assert.Equal(t, service.TurnFailed, result.State)
		assert.Equal(t, "Error: API Error: 401 Unauthorized. Please try again.", result.Error)
		assert.False(t, chatService.Loading())

		conv, err := mocks.store.Get(result.ConversationID)
		require.NoError(t, err)
		require.Len(t, conv.Messages, 4)
		assert.Equal(t, "first", conv.Messages[0].Content)
		assert.Equal(t, "earlier", conv.Messages[1].Content)
		assert.Equal(t, "second", conv.Messages[2].Content)
		assert.Equal(t, model.RoleAssistant, conv.Messages[3].Role)
		assert.Equal(t, result.Error, conv.Messages[3].Content)

		assert.Equal(t, []string{model.EventStart, model.EventError}, log.types())
	})

	t.Run("Failure - Provider error mid-stream discards the partial reply", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
		body := record("partial ") + `data: {"error":{"message":"overloaded"}}` + "\n\n" + record("never")
		mocks.llm.On("Stream", mock.Anything, mock.Anything).Return(decoderOf(body), nil).Once()

		result, err := chatService.Send(ctx, "hi", nil)

		require.NoError(t, err)
		assert.Equal(t, service.TurnFailed, result.State)
		assert.Equal(t, "Error: provider error: overloaded. Please try again.", result.Error)
		conv, err := mocks.store.Get(result.ConversationID)
		require.NoError(t, err)
		require.Len(t, conv.Messages, 2)
		assert.Equal(t, result.Error, conv.Messages[1].Content)
	})

	t.Run("Failure - Empty content is rejected", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})

		_, err := chatService.Send(ctx, "   ", nil)

		assert.ErrorIs(t, err, app_errors.ErrValidation)
		assert.Empty(t, mocks.store.List())
	})
}

func TestChatService_Send_NonStreaming(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: false})
		mocks.llm.On("Complete", mock.Anything, mock.Anything).Return("4", nil).Once()

		result, err := chatService.Send(ctx, "2+2?", nil)

		require.NoError(t, err)
		assert.Equal(t, service.TurnCompleted, result.State)
		assert.Equal(t, "4", result.Content)
	})

	t.Run("Empty reply", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: false})
		mocks.llm.On("Complete", mock.Anything, mock.Anything).Return("", nil).Once()

		result, err := chatService.Send(ctx, "2+2?", nil)

		require.NoError(t, err)
		assert.Equal(t, "No response from AI", result.Content)
		conv, err := mocks.store.Get(result.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, "No response from AI", conv.Messages[1].Content)
	})
}

// blockingStream returns a decoder that yields one delta and then waits for
// the body to be closed.
func blockingStream(t *testing.T) *stream.Decoder {
	t.Helper()
	pr, pw := io.Pipe()
	go func() { _, _ = pw.Write([]byte(record("thinking"))) }()
	t.Cleanup(func() { _ = pw.Close() })
	return stream.NewDecoder(pr)
}

// startBlockedTurn runs a turn in the background and waits until its first
// batch was flushed.
func startBlockedTurn(t *testing.T, chatService *service.ChatService, mocks Mocks) <-chan *service.TurnResult {
	t.Helper()
	mocks.llm.On("Stream", mock.Anything, mock.Anything).Return(blockingStream(t), nil).Once()

	flushed := make(chan struct{})
	var once sync.Once
	done := make(chan *service.TurnResult, 1)
	go func() {
		result, err := chatService.Send(context.Background(), "slow question", func(ev model.StreamResponse) {
			if ev.Type == model.EventDelta {
				once.Do(func() { close(flushed) })
			}
		})
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never streamed")
	}
	return done
}

func waitResult(t *testing.T, done <-chan *service.TurnResult) *service.TurnResult {
	t.Helper()
	select {
	case result := <-done:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
		return nil
	}
}

func TestChatService_Busy(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
	done := startBlockedTurn(t, chatService, mocks)

	assert.True(t, chatService.Loading())
	assert.True(t, chatService.Session().Loading)
	before := mocks.store.List()

	// ACT
	_, err := chatService.Send(ctx, "impatient", nil)

	// ASSERT
	assert.ErrorIs(t, err, app_errors.ErrBusy)
	assert.Equal(t, before, mocks.store.List(), "a rejected submission must not touch the store")

	require.True(t, chatService.Abort())
	result := waitResult(t, done)
	assert.Equal(t, service.TurnFailed, result.State)
	assert.Equal(t, "Error: Request was cancelled. Please try again.", result.Error)
	assert.False(t, chatService.Loading())
	assert.False(t, chatService.Abort(), "nothing left to abort")

	conv, err := mocks.store.Get(result.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, result.Error, conv.Messages[1].Content)
}

func TestChatService_DeleteConversationMidStream(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
	done := startBlockedTurn(t, chatService, mocks)

	active := mocks.store.ActiveID()
	require.NotNil(t, active)

	require.NoError(t, chatService.DeleteConversation(ctx, *active))

	result := waitResult(t, done)
	assert.Equal(t, service.TurnFailed, result.State)
	assert.Empty(t, mocks.store.List())
	assert.Nil(t, mocks.store.ActiveID())
	assert.False(t, chatService.Loading())
}

func TestChatService_DeleteConversationBeforeStreamStarts(t *testing.T) {
	ctx := context.Background()
	chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
	conv := chatService.CreateConversation(ctx)

	// ARRANGE: delete the conversation as soon as its placeholder exists.
	var once sync.Once
	var deleteErr error
	mocks.store.OnChange(func(model.Change) {
		c, err := mocks.store.Get(conv.ID)
		if err != nil || len(c.Messages) < 2 {
			return
		}
		once.Do(func() { deleteErr = chatService.DeleteConversation(ctx, conv.ID) })
	})
	log := &eventLog{}

	// ACT
	result, err := chatService.Send(ctx, "2+2?", log.observe)

	// ASSERT
	require.NoError(t, err)
	require.NoError(t, deleteErr)
	assert.Equal(t, service.TurnFailed, result.State)
	assert.Equal(t, "Error: Request was cancelled. Please try again.", result.Error)
	assert.Empty(t, result.Content)
	assert.Empty(t, mocks.store.List())
	assert.False(t, chatService.Loading())
	assert.Equal(t, []string{model.EventError}, log.types())
	mocks.llm.AssertNotCalled(t, "Stream", mock.Anything, mock.Anything)
}

func TestChatService_ConversationRemovedUnderReply(t *testing.T) {
	ctx := context.Background()

	t.Run("stream", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
		conv := chatService.CreateConversation(ctx)
		mocks.llm.On("Stream", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { mocks.store.Delete(conv.ID) }).
			Return(decoderOf(record("4")+"data: [DONE]\n\n"), nil).Once()
		log := &eventLog{}

		result, err := chatService.Send(ctx, "2+2?", log.observe)

		require.NoError(t, err)
		assert.Equal(t, service.TurnFailed, result.State)
		assert.Equal(t, "Error: Request was cancelled. Please try again.", result.Error)
		assert.Empty(t, log.deltas(), "nothing is reported for a message that no longer exists")
		assert.Equal(t, []string{model.EventStart, model.EventError}, log.types())
		assert.False(t, chatService.Loading())
	})

	t.Run("complete", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: false})
		conv := chatService.CreateConversation(ctx)
		mocks.llm.On("Complete", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { mocks.store.Delete(conv.ID) }).
			Return("4", nil).Once()

		result, err := chatService.Send(ctx, "2+2?", nil)

		require.NoError(t, err)
		assert.Equal(t, service.TurnFailed, result.State)
		assert.Contains(t, result.Error, app_errors.ErrNotFound.Error())
		assert.Empty(t, result.Content)
	})
}

func TestChatService_HandleNewMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Events then close", func(t *testing.T) {
		chatService, mocks := setupChatService(t, service.ChatOptions{Stream: true})
		mocks.llm.On("Stream", mock.Anything, mock.Anything).
			Return(decoderOf(record("Hel")+record("lo")+"data: [DONE]\n\n"), nil).Once()

		streamChan := make(chan model.StreamResponse)
		go chatService.HandleNewMessage(ctx, &service.CreateMessageRequest{Content: "hi"}, streamChan)

		var events []model.StreamResponse
		for ev := range streamChan {
			events = append(events, ev)
		}

		require.GreaterOrEqual(t, len(events), 3)
		assert.Equal(t, model.EventStart, events[0].Type)
		assert.NotEmpty(t, events[0].ConversationID)
		last := events[len(events)-1]
		assert.Equal(t, model.EventDone, last.Type)
		assert.True(t, last.Done)
		assert.Equal(t, "Hello", last.Content)
	})

	t.Run("Failure - Rejected submission is reported as an error event", func(t *testing.T) {
		chatService, _ := setupChatService(t, service.ChatOptions{Stream: true})

		streamChan := make(chan model.StreamResponse, 4)
		chatService.HandleNewMessage(ctx, &service.CreateMessageRequest{Content: ""}, streamChan)

		ev, ok := <-streamChan
		require.True(t, ok)
		assert.Equal(t, model.EventError, ev.Type)
		assert.True(t, ev.Done)
		_, ok = <-streamChan
		assert.False(t, ok, "channel must be closed")
	})
}

func TestChatService_Conversations(t *testing.T) {
	ctx := context.Background()
	chatService, _ := setupChatService(t, service.ChatOptions{Stream: true})

	a := chatService.CreateConversation(ctx)
	b := chatService.CreateConversation(ctx)
	assert.Equal(t, b.ID, *chatService.Session().ActiveConversationID)

	list := chatService.ListConversations(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most recent first")

	require.NoError(t, chatService.SelectConversation(ctx, a.ID))
	assert.Equal(t, a.ID, *chatService.Session().ActiveConversationID)

	err := chatService.SelectConversation(ctx, "missing")
	assert.ErrorIs(t, err, app_errors.ErrNotFound)

	got, err := chatService.GetConversation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, got.Title)

	_, err = chatService.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, app_errors.ErrNotFound)

	require.NoError(t, chatService.DeleteConversation(ctx, a.ID))
	assert.Equal(t, b.ID, *chatService.Session().ActiveConversationID)
	assert.ErrorIs(t, chatService.DeleteConversation(ctx, a.ID), app_errors.ErrNotFound)
	assert.Equal(t, "gpt-4o-mini", chatService.Session().Model)
}

func TestTurnState_String(t *testing.T) {
	assert.Equal(t, "idle", service.TurnIdle.String())
	assert.Equal(t, "streaming", service.TurnStreaming.String())
	assert.Equal(t, "failed", service.TurnFailed.String())
	assert.Equal(t, "unknown", service.TurnState(42).String())
}
