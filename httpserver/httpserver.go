// Package httpserver exposes a relay API over plain JSON HTTP endpoints:
// POST /relay, GET /status and POST /estimate. The error taxonomy of the
// relay package is mapped onto HTTP status codes, with the reason carried in
// a JSON error body.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/skatebounties/relay-node/relay"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB
	maxOriginIDLength  = 255

	originHeader = "x-skatebounties-origin"
)

type originKey struct{}

// RelayAPI is what the server needs from the relay layer.
type RelayAPI interface {
	Relay(ctx context.Context, req *relay.MetaTransactionRequest) (*relay.RelayResponse, error)
	Status(ctx context.Context) (*relay.StatusResponse, error)
	Estimate(ctx context.Context, req *relay.EstimateRequest) (*relay.EstimateResponse, error)
}

type Handler struct {
	log *zap.Logger
	api RelayAPI
	mux *http.ServeMux
}

func NewHandler(log *zap.Logger, api RelayAPI) *Handler {
	h := &Handler{
		log: log,
		api: api,
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc(relay.RelayEndpoint, h.handleRelay)
	h.mux.HandleFunc(relay.StatusEndpoint, h.handleStatus)
	h.mux.HandleFunc(relay.EstimateEndpoint, h.handleEstimate)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get(originHeader)
	if origin != "" {
		if len(origin) > maxOriginIDLength {
			writeError(w, http.StatusBadRequest, originHeader+" header is too long")
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), originKey{}, origin))
	}
	h.mux.ServeHTTP(w, r)
}

// GetOrigin returns the origin tag the caller sent, if any.
func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}

func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req relay.MetaTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.api.Relay(r.Context(), &req)
	if err != nil {
		h.log.Debug("Relay request failed",
			zap.String("origin", GetOrigin(r.Context())), zap.Error(err))
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, res)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res, err := h.api.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, res)
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req relay.EstimateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.api.Estimate(r.Context(), &req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, res)
}

// errorStatus maps relay errors to HTTP statuses. The confirmation timeout is
// a gateway timeout on purpose: the transaction may still land, and 504 is
// the one status that does not claim a definitive failure.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidSignature),
		errors.Is(err, relay.ErrUnknownContract),
		errors.Is(err, relay.ErrUnknownFunction),
		errors.Is(err, relay.ErrInvalidParams),
		errors.Is(err, relay.ErrEstimationFailed):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrNonceAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, relay.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrSubmissionFailed):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
