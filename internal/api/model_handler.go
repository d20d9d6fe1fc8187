package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	app_errors "flowchat/internal/errors"
	"flowchat/internal/interfaces"
)

// ModelHandler handles HTTP requests for model selection.
type ModelHandler struct {
	service interfaces.ModelService
}

func NewModelHandler(svc interfaces.ModelService) *ModelHandler {
	return &ModelHandler{service: svc}
}

// HandleListModels godoc
// @Summary      List models
// @Description  Returns the configured catalog, extended with the models the provider reports, and the selected model.
// @Tags         Models
// @Produce      json
// @Success      200  {object}  ModelsResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /v1/models [get]
func (h *ModelHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.service.List(r.Context())
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ModelsResponse{Models: models, Selected: h.service.Selected()})
}

// HandleSelectModel godoc
// @Summary      Select a model
// @Description  Changes the model used for the next replies.
// @Tags         Models
// @Accept       json
// @Produce      json
// @Param        modelRequest  body  SelectModelRequest  true  "Model"
// @Success      200  {object}  StatusResponse
// @Failure      400  {object}  ErrorResponse
// @Router       /v1/models/selected [put]
func (h *ModelHandler) HandleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req SelectModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, fmt.Errorf("%w: invalid request payload", app_errors.ErrValidation))
		return
	}
	if err := validateRequest(&req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.service.Select(r.Context(), req.Model); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}
