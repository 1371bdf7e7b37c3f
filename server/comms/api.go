// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/loan"
)

// maxBodySize limits request bodies.
const maxBodySize = 1 << 16

// Core is the set of lending operations exposed to account holders.
type Core interface {
	CreateOffer(ctx context.Context, owner account.AccountID, kind loan.Kind, amt uint64) (*loan.Offer, error)
	CancelOffer(ctx context.Context, oid loan.OfferID, actor account.AccountID) (*loan.Offer, error)
	Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error)
	OffersForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error)
	ListReadyOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error)
	CreateMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, borrowerOfferID loan.OfferID) (*loan.Match, error)
	Match(ctx context.Context, mid loan.MatchID) (*loan.Match, error)
	MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error)
	AttestLenderPaid(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error)
	AttestCounterpartyReceived(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error)
	AttestDepositMade(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error)
	Withdraw(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Payout, error)
	Account(ctx context.Context, aid account.AccountID) (*account.Account, error)
}

// decodeBody decodes the JSON request body into thing.
func decodeBody(w http.ResponseWriter, r *http.Request, thing any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(thing); err != nil {
		return msgjson.NewError(msgjson.RPCParseError, "error decoding request body: %v", err)
	}
	return nil
}

func offerIDParam(r *http.Request) (loan.OfferID, error) {
	oid, err := loan.ParseOfferID(chi.URLParam(r, "id"))
	if err != nil {
		return oid, dex.Errorf(loan.ErrValidation, "invalid offer id: %v", err)
	}
	return oid, nil
}

func matchIDParam(r *http.Request) (loan.MatchID, error) {
	mid, err := loan.ParseMatchID(chi.URLParam(r, "id"))
	if err != nil {
		return mid, dex.Errorf(loan.ErrValidation, "invalid match id: %v", err)
	}
	return mid, nil
}

func parseOfferIDs(strs []string) ([]loan.OfferID, error) {
	oids := make([]loan.OfferID, 0, len(strs))
	for _, s := range strs {
		oid, err := loan.ParseOfferID(s)
		if err != nil {
			return nil, dex.Errorf(loan.ErrValidation, "invalid offer id %q: %v", s, err)
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// apiCreateOffer is the handler for POST /api/offers.
func (s *Server) apiCreateOffer(w http.ResponseWriter, r *http.Request) {
	req := new(msgjson.CreateOffer)
	if err := decodeBody(w, r, req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := loan.ParseKind(req.Kind)
	if err != nil {
		writeError(w, dex.NewError(loan.ErrValidation, err.Error()))
		return
	}
	amt, err := s.amounts.ToAtoms(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	offer, err := s.core.CreateOffer(r.Context(), actor(r), kind, amt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Offer(offer, s.clock.Now()), http.StatusCreated)
}

// apiCancelOffer is the handler for DELETE /api/offers/{id}.
func (s *Server) apiCancelOffer(w http.ResponseWriter, r *http.Request) {
	oid, err := offerIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	offer, err := s.core.CancelOffer(r.Context(), oid, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Offer(offer, s.clock.Now()), http.StatusOK)
}

// apiOffer is the handler for GET /api/offers/{id}.
func (s *Server) apiOffer(w http.ResponseWriter, r *http.Request) {
	oid, err := offerIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	offer, err := s.core.Offer(r.Context(), oid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Offer(offer, s.clock.Now()), http.StatusOK)
}

// apiReadyOffers is the handler for GET /api/offers/ready?kind=.
func (s *Server) apiReadyOffers(w http.ResponseWriter, r *http.Request) {
	kind, err := loan.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, dex.NewError(loan.ErrValidation, err.Error()))
		return
	}
	offers, err := s.core.ListReadyOffers(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Offers(offers, s.clock.Now()), http.StatusOK)
}

// apiCreateMatch is the handler for POST /api/matches.
func (s *Server) apiCreateMatch(w http.ResponseWriter, r *http.Request) {
	req := new(msgjson.CreateMatch)
	if err := decodeBody(w, r, req); err != nil {
		writeError(w, err)
		return
	}
	lenderIDs, err := parseOfferIDs(req.LenderOfferIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	borrowerID, err := loan.ParseOfferID(req.BorrowerOfferID)
	if err != nil {
		writeError(w, dex.Errorf(loan.ErrValidation, "invalid borrower offer id: %v", err))
		return
	}
	match, err := s.core.CreateMatch(r.Context(), lenderIDs, borrowerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Match(match), http.StatusCreated)
}

// apiMatch is the handler for GET /api/matches/{id}. Only parties to the match
// may view it.
func (s *Server) apiMatch(w http.ResponseWriter, r *http.Request) {
	mid, err := matchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	match, err := s.core.Match(r.Context(), mid)
	if err != nil {
		writeError(w, err)
		return
	}
	aid := actor(r)
	if !match.IsLender(aid) && match.Counterparty != aid {
		writeError(w, dex.Errorf(loan.ErrUnauthorized, "account %s is not a party to match %s", aid, mid))
		return
	}
	writeJSONWithStatus(w, s.amounts.Match(match), http.StatusOK)
}

type attestFunc func(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error)

// apiAttest creates the handler for one of the attestation routes.
func (s *Server) apiAttest(attest attestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mid, err := matchIDParam(r)
		if err != nil {
			writeError(w, err)
			return
		}
		match, err := attest(r.Context(), mid, actor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONWithStatus(w, s.amounts.Match(match), http.StatusOK)
	}
}

// apiWithdraw is the handler for POST /api/matches/{id}/withdraw.
func (s *Server) apiWithdraw(w http.ResponseWriter, r *http.Request) {
	mid, err := matchIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	payout, err := s.core.Withdraw(r.Context(), mid, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Payout(payout), http.StatusOK)
}

// apiAccount is the handler for GET /api/accounts/me.
func (s *Server) apiAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.core.Account(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Account(acct), http.StatusOK)
}

// apiAccountOffers is the handler for GET /api/accounts/me/offers.
func (s *Server) apiAccountOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.core.OffersForAccount(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Offers(offers, s.clock.Now()), http.StatusOK)
}

// apiAccountMatches is the handler for GET /api/accounts/me/matches.
func (s *Server) apiAccountMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.core.MatchesForAccount(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONWithStatus(w, s.amounts.Matches(matches), http.StatusOK)
}
