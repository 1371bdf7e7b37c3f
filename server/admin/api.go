// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/loan"
)

const (
	pongStr      = "pong"
	accountIDKey = "account"
	offerIDKey   = "offer"
	matchIDKey   = "match"

	defaultArchived = 100
	maxArchived     = 1000
	maxBodySize     = 1 << 16
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// writeError writes the msgjson.Error for an error from a core operation.
func writeError(w http.ResponseWriter, err error) {
	msgErr, code := comms.ErrorResponse(err)
	writeJSONWithStatus(w, msgErr, code)
}

// badRequest writes a ValidationError response.
func badRequest(w http.ResponseWriter, format string, a ...any) {
	writeJSONWithStatus(w, msgjson.NewError(msgjson.ValidationError, format, a...), http.StatusBadRequest)
}

func decodeBody(w http.ResponseWriter, r *http.Request, thing any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(thing); err != nil {
		writeJSONWithStatus(w, msgjson.NewError(msgjson.RPCParseError,
			"error decoding request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func accountParam(w http.ResponseWriter, r *http.Request) (account.AccountID, bool) {
	aid, err := account.ParseID(chi.URLParam(r, accountIDKey))
	if err != nil {
		badRequest(w, "invalid account id: %v", err)
		return aid, false
	}
	return aid, true
}

func operatorID(w http.ResponseWriter, s string) (account.AccountID, bool) {
	aid, err := account.ParseID(s)
	if err != nil || aid.IsZero() {
		badRequest(w, "invalid operator id %q", s)
		return aid, false
	}
	return aid, true
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

// apiCreateAccount is the handler for the '/accounts' API request.
func (s *Server) apiCreateAccount(w http.ResponseWriter, r *http.Request) {
	req := new(CreateAccount)
	if !decodeBody(w, r, req) {
		return
	}
	var aid account.AccountID
	switch {
	case req.ID != "" && req.Ref != "":
		badRequest(w, "set id or ref, not both")
		return
	case req.ID != "":
		var err error
		if aid, err = account.ParseID(req.ID); err != nil {
			badRequest(w, "invalid account id: %v", err)
			return
		}
	case req.Ref != "":
		aid = account.NewID([]byte(req.Ref))
	default:
		badRequest(w, "no account id or ref")
		return
	}
	if aid == account.SystemID {
		badRequest(w, "reserved account id")
		return
	}
	acct, err := s.core.CreateAccount(r.Context(), aid, account.KYCLevel(req.KYCLevel))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Account(acct), http.StatusCreated)
}

// apiAccount is the handler for the '/accounts/{account}' API request.
func (s *Server) apiAccount(w http.ResponseWriter, r *http.Request) {
	aid, ok := accountParam(w, r)
	if !ok {
		return
	}
	acct, err := s.core.Account(r.Context(), aid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Account(acct))
}

// apiDeposit is the handler for the '/accounts/{account}/deposit' API
// request.
func (s *Server) apiDeposit(w http.ResponseWriter, r *http.Request) {
	aid, ok := accountParam(w, r)
	if !ok {
		return
	}
	req := new(Deposit)
	if !decodeBody(w, r, req) {
		return
	}
	if req.RefID == "" {
		badRequest(w, "no deposit refid")
		return
	}
	amt, err := s.amounts.ToAtoms(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if amt == 0 {
		badRequest(w, "zero deposit")
		return
	}
	entry, err := s.core.Deposit(r.Context(), aid, amt, req.RefID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Entries([]*account.LedgerEntry{entry})[0])
}

// apiSetKYC is the handler for the '/accounts/{account}/kyc' API request.
func (s *Server) apiSetKYC(w http.ResponseWriter, r *http.Request) {
	aid, ok := accountParam(w, r)
	if !ok {
		return
	}
	req := new(SetKYC)
	if !decodeBody(w, r, req) {
		return
	}
	acct, err := s.core.SetKYCLevel(r.Context(), aid, account.KYCLevel(req.KYCLevel))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Account(acct))
}

// apiEntries is the handler for the '/accounts/{account}/entries' API
// request.
func (s *Server) apiEntries(w http.ResponseWriter, r *http.Request) {
	aid, ok := accountParam(w, r)
	if !ok {
		return
	}
	entries, err := s.core.Entries(r.Context(), aid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Entries(entries))
}

// apiVerify is the handler for the '/accounts/{account}/verify' API request.
// An inconsistent account is reported in the body, not as an error status.
func (s *Server) apiVerify(w http.ResponseWriter, r *http.Request) {
	aid, ok := accountParam(w, r)
	if !ok {
		return
	}
	res := &VerifyResult{Account: aid.String(), Consistent: true}
	if err := s.core.VerifyAccount(r.Context(), aid); err != nil {
		// Lookup and store failures carry an error kind. A bare error is a
		// balance mismatch.
		if dex.KindOf(err) != "" {
			writeError(w, err)
			return
		}
		res.Consistent = false
		res.Error = err.Error()
	}
	writeJSON(w, res)
}

// apiExpireOffer is the handler for the '/offers/{offer}' DELETE API request.
// The offer is cancelled by the system account.
func (s *Server) apiExpireOffer(w http.ResponseWriter, r *http.Request) {
	oid, err := loan.ParseOfferID(chi.URLParam(r, offerIDKey))
	if err != nil {
		badRequest(w, "invalid offer id: %v", err)
		return
	}
	offer, err := s.core.ExpireOffer(r.Context(), oid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Offer(offer, offer.CancelledAt))
}

// apiExpireStale is the handler for the '/expire' API request.
func (s *Server) apiExpireStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.core.ExpireStale(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, &ExpireResult{Cancelled: n})
}

// apiSyntheticMatch is the handler for the '/matches/synthetic' API request.
func (s *Server) apiSyntheticMatch(w http.ResponseWriter, r *http.Request) {
	req := new(msgjson.CreateSyntheticMatch)
	if !decodeBody(w, r, req) {
		return
	}
	operator, ok := operatorID(w, req.OperatorID)
	if !ok {
		return
	}
	oids := make([]loan.OfferID, 0, len(req.LenderOfferIDs))
	for _, idStr := range req.LenderOfferIDs {
		oid, err := loan.ParseOfferID(idStr)
		if err != nil {
			badRequest(w, "invalid offer id %q: %v", idStr, err)
			return
		}
		oids = append(oids, oid)
	}
	match, err := s.core.CreateSyntheticMatch(r.Context(), oids, req.SyntheticRef, operator)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Infof("Operator %s created synthetic match %s (%s)", operator, match.ID, req.SyntheticRef)
	writeJSONWithStatus(w, s.amounts.Match(match), http.StatusCreated)
}

// apiReject is the handler for the '/matches/{match}/reject' API request.
func (s *Server) apiReject(w http.ResponseWriter, r *http.Request) {
	mid, err := loan.ParseMatchID(chi.URLParam(r, matchIDKey))
	if err != nil {
		badRequest(w, "invalid match id: %v", err)
		return
	}
	req := new(Reject)
	if !decodeBody(w, r, req) {
		return
	}
	operator, ok := operatorID(w, req.OperatorID)
	if !ok {
		return
	}
	match, err := s.core.Reject(r.Context(), mid, operator, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Infof("Operator %s rejected match %s: %s", operator, mid, req.Reason)
	writeJSON(w, s.amounts.Match(match))
}

// apiArchivedMatches is the handler for the '/matches/archived?n=' API
// request.
func (s *Server) apiArchivedMatches(w http.ResponseWriter, r *http.Request) {
	n := defaultArchived
	if nStr := r.URL.Query().Get("n"); nStr != "" {
		var err error
		n, err = strconv.Atoi(nStr)
		if err != nil || n <= 0 || n > maxArchived {
			badRequest(w, "n must be an integer from 1 to %d", maxArchived)
			return
		}
	}
	matches, err := s.core.ArchivedMatches(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.amounts.Matches(matches))
}
