// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server for operators of a
// running lendex server: account funding, KYC levels, synthetic matches,
// rejections and housekeeping.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/loan"
)

const (
	// rpcTimeoutSeconds is the number of seconds a connection to the
	// server is allowed to stay open without authenticating before it
	// is closed.
	rpcTimeoutSeconds = 10
)

var log = dex.Disabled

// SvrCore is the set of operator functions, satisfied by *lendex.Lendex.
type SvrCore interface {
	CreateAccount(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error)
	Account(ctx context.Context, aid account.AccountID) (*account.Account, error)
	Deposit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error)
	SetKYCLevel(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error)
	Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error)
	VerifyAccount(ctx context.Context, aid account.AccountID) error
	ExpireOffer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error)
	CreateSyntheticMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, ref string, operator account.AccountID) (*loan.Match, error)
	Reject(ctx context.Context, mid loan.MatchID, operator account.AccountID, reason string) (*loan.Match, error)
	ExpireStale(ctx context.Context) (int, error)
	ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error)
}

// Server is a multi-client https server.
type Server struct {
	core      SvrCore
	amounts   comms.Amounts
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	authSHA   [32]byte
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Core            SvrCore
	Amounts         comms.Amounts
	Addr, Cert, Key string
	AuthSHA         [32]byte
}

// UseLogger sets the logger for the admin package.
func UseLogger(logger dex.Logger) {
	log = logger
}

// NewServer is the constructor for a new Server. A self-signed key pair is
// generated if the Cert and Key files do not exist.
func NewServer(cfg *SrvConfig) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("no SvrCore")
	}
	tlsConfig, err := comms.TLSConfig(cfg.Cert, cfg.Key, nil)
	if err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	s := &Server{
		core:      cfg.Core,
		amounts:   cfg.Amounts,
		srv:       httpServer,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		authSHA:   cfg.AuthSHA,
	}
	s.routes(mux)
	return s, nil
}

func (s *Server) routes(mux chi.Router) {
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(oneTimeConnection)
	mux.Use(s.authMiddleware)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/ping", apiPing)
		r.With(middleware.AllowContentType("application/json")).Post("/accounts", s.apiCreateAccount)
		r.Route("/accounts/{"+accountIDKey+"}", func(rr chi.Router) {
			rr.Get("/", s.apiAccount)
			rr.With(middleware.AllowContentType("application/json")).Post("/deposit", s.apiDeposit)
			rr.With(middleware.AllowContentType("application/json")).Put("/kyc", s.apiSetKYC)
			rr.Get("/entries", s.apiEntries)
			rr.Get("/verify", s.apiVerify)
		})
		r.Delete("/offers/{"+offerIDKey+"}", s.apiExpireOffer)
		r.Post("/expire", s.apiExpireStale)
		r.With(middleware.AllowContentType("application/json")).Post("/matches/synthetic", s.apiSyntheticMatch)
		r.With(middleware.AllowContentType("application/json")).Post("/matches/{"+matchIDKey+"}/reject", s.apiReject)
		r.Get("/matches/archived", s.apiArchivedMatches)
	})
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	// Close the listener on context cancellation.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		if err := s.srv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners:
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	// Wait for Shutdown.
	wg.Wait()
	log.Infof("admin server off")
}

// oneTimeConnection sets fields in the header and request that indicate this
// connection should not be reused.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="lendex admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		log.Debugf("server authenticated ip: %s", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
