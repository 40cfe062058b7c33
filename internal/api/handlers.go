package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wrapbridge/engine/internal/ledger"
	"github.com/wrapbridge/engine/internal/types"
)

type quoteRequest struct {
	SourceAsset string          `json:"sourceAsset"`
	DestAsset   string          `json:"destAsset"`
	Amount      decimal.Decimal `json:"amount"`
}

type conversionRequest struct {
	Direction   types.Direction `json:"direction"`
	Owner       string          `json:"owner"`
	SourceAsset string          `json:"sourceAsset"`
	DestAsset   string          `json:"destAsset"`
	Amount      decimal.Decimal `json:"amount"`
	DestAddress string          `json:"destAddress"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Transaction is set when the call changed the record before failing
	Transaction *types.Transaction `json:"transaction,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decode(w, r, &req) {
		return
	}
	source, dest, err := parsePair(req.SourceAsset, req.DestAsset)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	fees, err := s.quoter.Quote(r.Context(), source, dest, req.Amount)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if !decode(w, r, &req) {
		return
	}
	source, dest, err := parsePair(req.SourceAsset, req.DestAsset)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	tx, err := s.conversions.StartConversion(r.Context(), types.Draft{
		Direction:   req.Direction,
		Owner:       req.Owner,
		SourceAsset: source,
		DestAsset:   dest,
		Amount:      req.Amount,
		DestAddress: req.DestAddress,
	})
	if err != nil {
		s.writeError(w, err, &tx)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	tx, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	tx, err := s.conversions.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	tx, err := s.conversions.RequestAllowance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, &tx)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	order := ledger.NewestFirst
	switch r.URL.Query().Get("order") {
	case "", "newest":
	case "oldest":
		order = ledger.OldestFirst
	default:
		s.writeError(w, fmt.Errorf("%w: order must be newest or oldest", types.ErrValidation), nil)
		return
	}
	txs, err := s.ledger.ListByOwner(r.Context(), chi.URLParam(r, "owner"), order)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func parsePair(source, dest string) (types.Asset, types.Asset, error) {
	src, err := types.ParseAsset(source)
	if err != nil {
		return "", "", err
	}
	dst, err := types.ParseAsset(dest)
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict),
		errors.Is(err, types.ErrInvalidState),
		errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, types.ErrAllowance), errors.Is(err, types.ErrGatewayRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrQuoteUnavailable),
		errors.Is(err, types.ErrTransientNetwork),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error, tx *types.Transaction) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("❌ Request failed")
	}
	body := errorResponse{Error: err.Error()}
	if tx != nil && tx.ID != "" {
		body.Transaction = tx
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
