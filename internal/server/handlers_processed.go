package server

import (
	"net/http"

	"github.com/ashita-ai/hakobi/internal/model"
)

// HandleListProcessed handles GET /v1/processed.
func (h *Handlers) HandleListProcessed(w http.ResponseWriter, r *http.Request) {
	outcome, err := queryEnum(r, "outcome", model.Outcome.Valid)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := model.ProcessedFilter{
		Outcome:     outcome,
		CourierID:   q.Get("courier_id"),
		FinalizedBy: q.Get("finalized_by"),
		Page:        queryPage(r),
	}
	items, total, err := h.reader.ListProcessed(r.Context(), actor(r).TenantID, f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeList(w, r, items, total, f.Page)
}

// HandleGetProcessed handles GET /v1/processed/{processed_id}.
func (h *Handlers) HandleGetProcessed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "processed_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	p, err := h.reader.GetProcessed(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleReassignCourier handles POST /v1/processed/{processed_id}/courier.
func (h *Handlers) HandleReassignCourier(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "processed_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var in model.ReassignInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p, err := h.engine.ReassignCourier(r.Context(), actor(r), id, in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleProcessedProof handles POST /v1/processed/{processed_id}/proof.
func (h *Handlers) HandleProcessedProof(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "processed_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.attachProof(w, r, model.ProofTarget{ProcessedID: &id})
}
