package service

import (
	"context"
	"fmt"
	"log/slog"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/llm"
	"flowchat/internal/model"
	"flowchat/internal/store"
)

// KnownModels describes the models offered out of the box.
var KnownModels = []model.ModelInfo{
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Description: "Fast and efficient for most tasks"},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", Description: "Balanced performance and capability"},
	{ID: "deepseek-v3", Name: "DeepSeek V3", Description: "Advanced reasoning and analysis"},
	{ID: "deepseek-r1", Name: "DeepSeek R1", Description: "Specialized research model"},
}

// Catalog builds the static catalog for the given model ids. Ids that are
// not in KnownModels are listed under their own name.
func Catalog(ids []string) []model.ModelInfo {
	if len(ids) == 0 {
		return append([]model.ModelInfo(nil), KnownModels...)
	}
	out := make([]model.ModelInfo, 0, len(ids))
	for _, id := range ids {
		info := model.ModelInfo{ID: id, Name: id}
		for _, known := range KnownModels {
			if known.ID == id {
				info = known
				break
			}
		}
		out = append(out, info)
	}
	return out
}

// ModelService handles the business logic for model selection.
type ModelService struct {
	store   *store.ConversationStore
	llm     llm.CompletionProvider
	catalog []model.ModelInfo
}

// NewModelService creates a new ModelService.
func NewModelService(s *store.ConversationStore, provider llm.CompletionProvider, catalog []model.ModelInfo) *ModelService {
	return &ModelService{store: s, llm: provider, catalog: catalog}
}

// List returns the configured catalog followed by any other model the
// provider reports. When the provider cannot be reached the catalog alone is
// returned.
func (s *ModelService) List(ctx context.Context) ([]model.ModelInfo, error) {
	out := append([]model.ModelInfo(nil), s.catalog...)
	ids, err := s.llm.ListModels(ctx)
	if err != nil {
		slog.Warn("Could not list provider models, using the configured catalog", "error", err)
		return out, nil
	}
	seen := make(map[string]bool, len(out))
	for _, m := range out {
		seen[m.ID] = true
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, model.ModelInfo{ID: id, Name: id})
	}
	return out, nil
}

// Selected returns the model used for new turns.
func (s *ModelService) Selected() string {
	return s.store.Model()
}

// Select changes the model used for new turns. The name must be listed.
func (s *ModelService) Select(ctx context.Context, name string) error {
	models, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.ID == name {
			s.store.SetModel(name)
			slog.Info("Selected model", "model", name)
			return nil
		}
	}
	return fmt.Errorf("model '%s' is not available: %w", name, app_errors.ErrValidation)
}
