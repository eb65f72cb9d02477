package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"tripsync-server/internal/domain"
	"tripsync-server/internal/middleware"
	"tripsync-server/internal/service"
	"tripsync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type TripHandler struct {
	service  *service.TripService
	validate *validator.Validate
}

func NewTripHandler(service *service.TripService) *TripHandler {
	return &TripHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *TripHandler) Get(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	if tripID == "" {
		response.BadRequest(w, "Trip ID is required")
		return
	}

	userID := middleware.GetUserID(r)

	trip, err := h.service.Get(r.Context(), tripID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response.Success(w, trip)
}

// Update is the scalar endpoint: a partial field set plus the client's
// last-known version. A stale version yields 409 with the complete
// current record in the body, so the client can put both versions in
// front of the user.
func (h *TripHandler) Update(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["id"]
	if tripID == "" {
		response.BadRequest(w, "Trip ID is required")
		return
	}

	var req domain.UpdateTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	userID := middleware.GetUserID(r)

	trip, err := h.service.Update(r.Context(), tripID, userID, &req)
	if err != nil {
		var conflict *service.VersionConflictError
		if errors.As(err, &conflict) {
			response.JSON(w, http.StatusConflict, conflict.Remote)
			return
		}
		h.writeError(w, err)
		return
	}

	response.Success(w, trip)
}

func (h *TripHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "Trip not found")
	case errors.Is(err, domain.ErrAccessDenied):
		response.Forbidden(w, "Access denied")
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, "Failed to process request")
	}
}
