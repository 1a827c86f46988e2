package handler

import (
	"net/http"

	"github.com/albapepper/stockwatch/internal/api/respond"
	"github.com/albapepper/stockwatch/internal/stock"
)

// PostStockChange runs the immediate alert path for one stock change.
// @Summary Report a stock change
// @Description Classifies the change and, when the item turned critical, alerts the branch unless an overlapping alert fired within the dedup window. Channel sends run detached from the request.
// @Tags stock
// @Accept json
// @Produce json
// @Security BearerToken
// @Param body body stock.Change true "Stock change"
// @Success 202 {object} alerting.StockResult
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/stock/changes [post]
func (h *Handler) PostStockChange(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		unavailable(w, "Alerting")
		return
	}
	var change stock.Change
	if err := respond.DecodeJSON(r, &change); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if err := change.Validate(); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "INVALID_CHANGE", err.Error())
		return
	}
	res := h.deps.Alerts.StockChanged(r.Context(), change)
	respond.WriteJSONObject(w, http.StatusAccepted, res)
}
