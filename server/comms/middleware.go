// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"net/http"

	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
)

// AccountHeader carries the acting account id. It is set by the upstream
// gateway after authenticating the client.
const AccountHeader = "X-Account-ID"

type contextKey int

// These are the keys for different types of values stored in a request context.
const (
	ctxAccount contextKey = iota
)

// limitRate is rate-limiting middleware that applies the global limiter and
// the more restrictive per-ip limiter.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msgErr := s.meterIP(dex.NewIPKey(r.RemoteAddr)); msgErr != nil {
			writeJSONWithStatus(w, msgErr, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) meterIP(ip dex.IPKey) *msgjson.Error {
	if !s.globalLimiter.Allow() {
		return msgjson.NewError(msgjson.TooManyRequestsError, "too many global requests")
	}
	if !s.ipLimiter(ip).Allow() {
		return msgjson.NewError(msgjson.TooManyRequestsError, "too many requests")
	}
	return nil
}

// accountMiddleware parses the acting account from the AccountHeader and
// stores it in the request context.
func accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get(AccountHeader)
		if hdr == "" {
			writeJSONWithStatus(w, msgjson.NewError(msgjson.AuthenticationError,
				"missing %s header", AccountHeader), http.StatusUnauthorized)
			return
		}
		aid, err := account.ParseID(hdr)
		if err != nil || aid.IsZero() || aid == account.SystemID {
			writeJSONWithStatus(w, msgjson.NewError(msgjson.AuthenticationError,
				"invalid account id"), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAccount, aid)))
	})
}

// actor is the account set by accountMiddleware.
func actor(r *http.Request) account.AccountID {
	aid, _ := r.Context().Value(ctxAccount).(account.AccountID)
	return aid
}
