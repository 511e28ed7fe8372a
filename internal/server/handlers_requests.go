package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/hakobi/internal/model"
)

// HandleCreateRequest handles POST /v1/requests.
func (h *Handlers) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in model.CreateRequestInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req, err := h.engine.Create(r.Context(), actor(r), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/requests/"+req.ID.String())
	writeJSON(w, r, http.StatusCreated, req)
}

// HandleListRequests handles GET /v1/requests.
func (h *Handlers) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	status, err := queryEnum(r, "status", model.RequestStatus.Valid)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	includeDeleted, _ := strconv.ParseBool(r.URL.Query().Get("include_deleted"))
	f := model.RequestFilter{
		Status:         status,
		RequesterID:    r.URL.Query().Get("requester_id"),
		IncludeDeleted: includeDeleted,
		Page:           queryPage(r),
	}
	items, total, err := h.reader.ListRequests(r.Context(), actor(r).TenantID, f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeList(w, r, items, total, f.Page)
}

// HandleGetRequest handles GET /v1/requests/{request_id}.
func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	req, err := h.reader.GetRequest(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleAssign handles POST /v1/requests/{request_id}/assign.
func (h *Handlers) HandleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var in model.AssignInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.engine.Assign(r.Context(), actor(r), id, in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleCancel handles POST /v1/requests/{request_id}/cancel. The body is
// optional.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var in model.CancelInput
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	req, err := h.engine.Cancel(r.Context(), actor(r), id, in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleFinalize handles POST /v1/requests/{request_id}/finalize.
func (h *Handlers) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	var in model.FinalizeInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p, err := h.engine.Finalize(r.Context(), actor(r), id, in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, p)
}

// HandleRequestProof handles POST /v1/requests/{request_id}/proof, which
// stages finalization proof ahead of Finalize.
func (h *Handlers) HandleRequestProof(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.attachProof(w, r, model.ProofTarget{RequestID: &id})
}

// HandleTimeline handles GET /v1/requests/{request_id}/timeline.
func (h *Handlers) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	tl, err := h.engine.Timeline(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tl)
}

// HandleLedger handles GET /v1/requests/{request_id}/ledger.
func (h *Handlers) HandleLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	l, err := h.engine.Ledger(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

// HandleVerify handles GET /v1/requests/{request_id}/integrity.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	rep, err := h.engine.VerifyHistory(r.Context(), actor(r).TenantID, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// HandleRequestEvents handles GET /v1/requests/{request_id}/events.
func (h *Handlers) HandleRequestEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.listEvents(w, r, model.EventFilter{RequestID: &id})
}

// HandleListEvents handles GET /v1/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, err := queryUUID(r, "request_id")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.listEvents(w, r, model.EventFilter{RequestID: id})
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request, f model.EventFilter) {
	action, err := queryEnum(r, "action", model.Action.Valid)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	f.Action = action
	f.ActorID = r.URL.Query().Get("actor_id")
	f.Page = queryPage(r)
	items, total, err := h.reader.ListEvents(r.Context(), actor(r).TenantID, f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeList(w, r, items, total, f.Page)
}

func (h *Handlers) attachProof(w http.ResponseWriter, r *http.Request, target model.ProofTarget) {
	var in model.ProofInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	in.Target = target
	rec, err := h.engine.AttachProof(r.Context(), actor(r), in)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}
