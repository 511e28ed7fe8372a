package server

import (
	"net/http"

	"github.com/ashita-ai/hakobi/internal/model"
)

// HandleListAssignments handles GET /v1/assignments. Without a status
// filter only active assignments are listed.
func (h *Handlers) HandleListAssignments(w http.ResponseWriter, r *http.Request) {
	status, err := queryEnum(r, "status", model.AssignmentStatus.Valid)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	requestID, err := queryUUID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	f := model.AssignmentFilter{
		Status:    status,
		CourierID: r.URL.Query().Get("courier_id"),
		RequestID: requestID,
		Page:      queryPage(r),
	}
	items, total, err := h.reader.ListAssignments(r.Context(), actor(r).TenantID, f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeList(w, r, items, total, f.Page)
}

// HandleGetAssignment handles GET /v1/assignments/{assignment_id}.
func (h *Handlers) HandleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignment_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	a, err := h.reader.GetAssignment(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleStartRoute handles POST /v1/assignments/{assignment_id}/start.
func (h *Handlers) HandleStartRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignment_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	a, err := h.engine.StartRoute(r.Context(), actor(r), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandlePickup handles POST /v1/assignments/{assignment_id}/pickup.
func (h *Handlers) HandlePickup(w http.ResponseWriter, r *http.Request) {
	h.recordStage(w, r, model.StagePickup)
}

// HandleDelivery handles POST /v1/assignments/{assignment_id}/delivery.
func (h *Handlers) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	h.recordStage(w, r, model.StageDelivery)
}

func (h *Handlers) recordStage(w http.ResponseWriter, r *http.Request, stage model.ProofStage) {
	id, err := pathID(r, "assignment_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var in model.StageInput
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	var a model.Assignment
	if stage == model.StagePickup {
		a, err = h.engine.RecordPickup(r.Context(), actor(r), id, in)
	} else {
		a, err = h.engine.RecordDelivery(r.Context(), actor(r), id, in)
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleAssignmentProof handles POST /v1/assignments/{assignment_id}/proof.
// Couriers may only write pickup and delivery proof; the engine rejects a
// finalization stage on an assignment target.
func (h *Handlers) HandleAssignmentProof(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "assignment_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.attachProof(w, r, model.ProofTarget{AssignmentID: &id})
}
