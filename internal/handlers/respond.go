package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/salmart/salmart-backend/internal/bargain"
	"github.com/salmart/salmart-backend/internal/models"
	"github.com/salmart/salmart-backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// writeServiceError maps chat errors to HTTP statuses. Unexpected errors are logged
// and reported without detail.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var (
		verr *models.ValidationError
		aerr *models.AuthorizationError
		terr *bargain.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &aerr):
		writeError(w, http.StatusForbidden, aerr.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusConflict, terr.Error())
	case errors.Is(err, services.ErrNoBargain):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("chat: %s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
