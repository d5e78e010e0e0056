package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/keygate/keygate/internal/model"
)

func writeError(w http.ResponseWriter, status int, code, message string, ctx map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Status:  status,
			Context: ctx,
		},
	})
}
