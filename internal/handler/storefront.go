package handler

import (
	"net/http"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
)

// whoamiResponse describes the caller of a storefront route.
type whoamiResponse struct {
	Type     string          `json:"type"`
	OwnerID  string          `json:"owner_id"`
	Identity *model.Identity `json:"identity,omitempty"`
}

// Whoami reports the identity the Guard attached to the request. Owners
// calling with a JWT get their owner ID and no key identity.
// GET /storefront/v1/whoami
func Whoami(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, whoamiResponse{
		Type:     p.Type,
		OwnerID:  p.OwnerID,
		Identity: p.Identity,
	})
}
