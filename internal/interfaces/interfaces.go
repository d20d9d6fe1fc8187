package interfaces

import (
	"context"

	"flowchat/internal/model"
	"flowchat/internal/service"
)

// This file defines the interfaces for our core services.
// The HTTP handlers and the terminal client depend on these instead of the
// concrete services, so they can be tested against mocks.

// ChatService defines the contract for conversations and turns.
type ChatService interface {
	Session() model.Session
	Loading() bool
	ListConversations(ctx context.Context) []model.Conversation
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context) *model.Conversation
	SelectConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	Abort() bool
	HandleNewMessage(ctx context.Context, req *service.CreateMessageRequest, streamChan chan<- model.StreamResponse)
	Send(ctx context.Context, content string, observer service.Observer) (*service.TurnResult, error)
}

// ModelService defines the contract for model selection.
type ModelService interface {
	List(ctx context.Context) ([]model.ModelInfo, error)
	Selected() string
	Select(ctx context.Context, name string) error
}

var (
	_ ChatService  = (*service.ChatService)(nil)
	_ ModelService = (*service.ModelService)(nil)
)
