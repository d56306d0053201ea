/**
 * @description
 * HTTP handlers for the pool API. Handlers parse the request, call the application service
 * and map domain errors onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: service logic and models.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/ajo/pool-service/internal/address"
	"github.com/ajo/pool-service/internal/app"
	"github.com/ajo/pool-service/internal/custody"
	"github.com/ajo/pool-service/internal/domain"
)

// PoolHandlers holds the application service that handlers will use.
type PoolHandlers struct {
	service *app.Service
}

// NewPoolHandlers creates a new instance of PoolHandlers.
func NewPoolHandlers(service *app.Service) *PoolHandlers {
	return &PoolHandlers{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type joinResponse struct {
	Pool      domain.PoolView `json:"pool"`
	Member    *domain.Member  `json:"member"`
	Activated bool            `json:"activated"`
}

type contributionResponse struct {
	Pool    domain.PoolView `json:"pool"`
	Member  *domain.Member  `json:"member"`
	Receipt custody.Receipt `json:"receipt"`
}

type payoutResponse struct {
	Pool          domain.PoolView `json:"pool"`
	Recipient     *domain.Member  `json:"recipient"`
	Amount        int64           `json:"amount"`
	AmountDisplay string          `json:"amount_display"`
	Position      int             `json:"position"`
	Receipt       custody.Receipt `json:"receipt"`
}

// CreatePoolHandler handles POST /pools.
func (h *PoolHandlers) CreatePoolHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.CreatePoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pool, vault, err := h.service.CreatePool(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, "create_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.NewPoolView(pool, vault))
}

// JoinPoolHandler handles POST /pools/{address}/join.
func (h *PoolHandlers) JoinPoolHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	var req domain.JoinPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.JoinPool(r.Context(), caller, poolAddress, req)
	if err != nil {
		h.writeServiceError(w, "join_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		Pool:      domain.NewPoolView(result.Pool, nil),
		Member:    result.Member,
		Activated: result.Activated,
	})
}

// ContributeHandler handles POST /pools/{address}/contributions.
func (h *PoolHandlers) ContributeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	var req domain.ContributeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.Contribute(r.Context(), caller, poolAddress, req)
	if err != nil {
		h.writeServiceError(w, "contribute", err)
		return
	}
	writeJSON(w, http.StatusOK, contributionResponse{
		Pool:    domain.NewPoolView(result.Pool, nil),
		Member:  result.Member,
		Receipt: result.Receipt,
	})
}

// ExecutePayoutHandler handles POST /pools/{address}/payouts.
func (h *PoolHandlers) ExecutePayoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	var req domain.PayoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.ExecutePayout(r.Context(), caller, poolAddress, req)
	if err != nil {
		h.writeServiceError(w, "execute_payout", err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{
		Pool:          domain.NewPoolView(result.Pool, nil),
		Recipient:     result.Member,
		Amount:        result.Amount,
		AmountDisplay: result.Pool.Currency.FormatAmount(result.Amount),
		Position:      result.Position,
		Receipt:       result.Receipt,
	})
}

// ListPoolsHandler handles GET /pools. It lists the caller's pools unless ?wallet= names
// another wallet.
func (h *PoolHandlers) ListPoolsHandler(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.caller(w, r)
	if !ok {
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("wallet")); raw != "" {
		parsed, err := address.ParseIdentity(raw)
		if err != nil {
			h.writeServiceError(w, "list_pools", err)
			return
		}
		wallet = parsed
	}

	pools, err := h.service.ListPoolsByWallet(r.Context(), wallet)
	if err != nil {
		h.writeServiceError(w, "list_pools", err)
		return
	}
	views := make([]domain.PoolView, 0, len(pools))
	for i := range pools {
		views = append(views, domain.NewPoolView(&pools[i], nil))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPoolHandler handles GET /pools/{address}.
func (h *PoolHandlers) GetPoolHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	pool, vault, err := h.service.GetPool(r.Context(), poolAddress)
	if err != nil {
		h.writeServiceError(w, "get_pool", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewPoolView(pool, vault))
}

// ListMembersHandler handles GET /pools/{address}/members.
func (h *PoolHandlers) ListMembersHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	members, err := h.service.ListMembers(r.Context(), poolAddress)
	if err != nil {
		h.writeServiceError(w, "list_members", err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// GetMemberHandler handles GET /pools/{address}/members/{wallet}.
func (h *PoolHandlers) GetMemberHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	wallet, ok := pathKey(w, r, "wallet")
	if !ok {
		return
	}
	member, err := h.service.GetMember(r.Context(), poolAddress, wallet)
	if err != nil {
		h.writeServiceError(w, "get_member", err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// ListActivityHandler handles GET /pools/{address}/activity?limit=&offset=.
func (h *PoolHandlers) ListActivityHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")

	activity, err := h.service.ListPoolActivity(r.Context(), poolAddress, limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_activity", err)
		return
	}
	if activity == nil {
		activity = []domain.PoolActivity{}
	}
	writeJSON(w, http.StatusOK, activity)
}

// NextPayoutHandler handles GET /pools/{address}/next-payout.
func (h *PoolHandlers) NextPayoutHandler(w http.ResponseWriter, r *http.Request) {
	poolAddress, ok := pathKey(w, r, "address")
	if !ok {
		return
	}
	next, err := h.service.NextPayout(r.Context(), poolAddress)
	if err != nil {
		h.writeServiceError(w, "next_payout", err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

// DeriveHandler handles GET /pools/derive?creator=&pool_id=&mint=.
func (h *PoolHandlers) DeriveHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	creator, err := address.ParseIdentity(query.Get("creator"))
	if err != nil {
		h.writeServiceError(w, "derive", err)
		return
	}
	poolID, err := strconv.ParseUint(strings.TrimSpace(query.Get("pool_id")), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "pool_id must be an unsigned integer", Kind: string(domain.KindValidation)})
		return
	}
	var mint *solana.PublicKey
	if raw := strings.TrimSpace(query.Get("mint")); raw != "" {
		parsed, err := address.ParseIdentity(raw)
		if err != nil {
			h.writeServiceError(w, "derive", domain.ErrInvalidCurrency)
			return
		}
		mint = &parsed
	}

	derived, err := h.service.DerivePoolAddress(creator, poolID, mint)
	if err != nil {
		h.writeServiceError(w, "derive", err)
		return
	}
	writeJSON(w, http.StatusOK, derived)
}

func (h *PoolHandlers) caller(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	wallet, ok := CallerWallet(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Could not get wallet from context"})
		return solana.PublicKey{}, false
	}
	return wallet, true
}

// writeServiceError maps service errors onto HTTP responses.
func (h *PoolHandlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	var limitErr *app.RateLimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests. Please try again later.", Code: "RateLimited"})
		return
	}

	if poolErr, ok := domain.AsError(err); ok {
		status := http.StatusBadRequest
		switch poolErr.Kind {
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindConflict:
			status = http.StatusConflict
		case domain.KindResource:
			status = http.StatusPaymentRequired
		}
		log.Printf("level=info component=api op=%s outcome=reject code=%s", op, poolErr.Code)
		writeJSON(w, status, errorResponse{Error: poolErr.Message, Code: poolErr.Code, Kind: string(poolErr.Kind)})
		return
	}

	log.Printf("level=error component=api op=%s msg=\"request failed\" err=%v", op, err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}

func pathKey(w http.ResponseWriter, r *http.Request, param string) (solana.PublicKey, bool) {
	key, err := address.ParseIdentity(chi.URLParam(r, param))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid " + param, Code: "InvalidIdentity", Kind: string(domain.KindValidation)})
		return solana.PublicKey{}, false
	}
	return key, true
}

func queryInt(r *http.Request, name string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(name)))
	if err != nil {
		return 0
	}
	return value
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Kind: string(domain.KindValidation)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
