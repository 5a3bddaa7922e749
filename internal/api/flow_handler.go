package api

import (
	"net/http"
)

// ListFlows возвращает список flow.
// GET /api/v1/flows
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := h.flows.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowSummary, len(flows))
	for i, f := range flows {
		result[i] = FlowSummaryFromDomain(f)
	}

	List(w, result, len(result))
}

// GetFlow возвращает flow со всеми шагами.
// GET /api/v1/flows/{alias}
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	alias := r.PathValue("alias")

	flow, err := h.flows.GetByAlias(r.Context(), alias)
	if HandleRepoError(w, h.logger, err, "flow not found") {
		return
	}

	Success(w, flow)
}
