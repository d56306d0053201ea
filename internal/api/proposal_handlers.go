package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ajo/pool-service/internal/domain"
)

// CreateProposalHandler handles POST /pools/{address}/proposals.
func (h *PoolHandlers) CreateProposalHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	var req domain.CreateProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	proposal, err := h.service.CreateProposal(r.Context(), caller, poolAddress, req)
	if err != nil {
		h.writeServiceError(w, "create_proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

// ListProposalsHandler handles GET /pools/{address}/proposals?limit=&offset=.
func (h *PoolHandlers) ListProposalsHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	proposals, err := h.service.ListProposals(r.Context(), poolAddress, queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		h.writeServiceError(w, "list_proposals", err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

// GetProposalHandler handles GET /pools/{address}/proposals/{id}.
func (h *PoolHandlers) GetProposalHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	proposal, err := h.service.GetProposal(r.Context(), poolAddress, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get_proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// VoteHandler handles POST /pools/{address}/proposals/{id}/votes. Voting again replaces the
// caller's earlier vote.
func (h *PoolHandlers) VoteHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	var req domain.VoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CastVote(r.Context(), caller, poolAddress, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, "cast_vote", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
