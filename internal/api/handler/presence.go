package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/stockwatch/internal/api/respond"
	"github.com/albapepper/stockwatch/internal/presence"
)

// GetBranchPresence returns the members online in a branch.
// @Summary Online members of a branch
// @Description Same payload as the online-members real-time event.
// @Tags presence
// @Produce json
// @Security BearerToken
// @Param branchID path string true "Branch id"
// @Success 200 {array} presence.Member
// @Failure 401 {object} respond.ErrorResponse
// @Router /api/v1/presence/{branchID} [get]
func (h *Handler) GetBranchPresence(w http.ResponseWriter, r *http.Request) {
	if h.deps.Presence == nil {
		unavailable(w, "Presence")
		return
	}
	branchID := chi.URLParam(r, "branchID")
	members := h.deps.Presence.Members(presence.BranchScope(branchID))
	if members == nil {
		members = []presence.Member{}
	}
	respond.WriteJSONObject(w, http.StatusOK, members)
}
