// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package comms is the public HTTP API of the lending engine and the websocket
// feed that pushes offer and match events to connected account holders.
package comms

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/server/loan"
)

const (
	// rpcTimeoutSeconds is the number of seconds a request may take to read or
	// write before the connection is closed.
	rpcTimeoutSeconds = 10

	// Default per-ip rate limits for HTTP routes.
	defaultIPRate  = 5
	defaultIPBurst = 20

	// Default global rate limits for HTTP routes.
	defaultGlobalRate  = 500
	defaultGlobalBurst = 2000

	// ipLimiterTTL is how long an idle per-ip limiter is kept.
	ipLimiterTTL = time.Minute
)

var (
	// Time allowed to read the next pong message from the peer. This is the
	// websocket read timeout set by the pong handler.
	pongWait = 20 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config is the server configuration settings and the only argument to the
// server's constructor.
type Config struct {
	// ListenAddrs are the addresses on which the server will listen.
	ListenAddrs []string
	// TLS is the optional TLS configuration. The API is served in plain HTTP
	// when TLS is nil, e.g. behind a gateway that terminates TLS.
	TLS *tls.Config
	// Core performs the lending operations.
	Core Core
	// Hub is the websocket notification hub. A new Hub is created if nil.
	Hub *Hub
	// Amounts converts wire amounts to ledger atoms.
	Amounts Amounts
	// Clock is used to report offer readiness. Defaults to the system clock.
	Clock loan.Clock
	// IPRate and IPBurst limit requests per client address. GlobalRate and
	// GlobalBurst limit all requests. Zero values select the defaults.
	IPRate      rate.Limit
	IPBurst     int
	GlobalRate  rate.Limit
	GlobalBurst int
}

// ipRateLimiter is used to track an IPs HTTP request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// Server is the HTTP API and websocket server.
type Server struct {
	listeners []net.Listener
	core      Core
	hub       *Hub
	amounts   Amounts
	clock     loan.Clock
	mux       *chi.Mux

	globalLimiter *rate.Limiter
	ipRate        rate.Limit
	ipBurst       int
	limiterMtx    sync.Mutex
	ipLimiters    map[dex.IPKey]*ipRateLimiter

	wsWG sync.WaitGroup
}

// NewServer is the constructor for a new Server. The listeners are opened
// immediately so that address errors are reported before Run.
func NewServer(cfg *Config) (*Server, error) {
	s, err := newServer(cfg)
	if err != nil {
		return nil, err
	}
	ipv4ListenAddrs, ipv6ListenAddrs, _, err := parseListeners(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}
	listen := func(network, addr string) (net.Listener, error) {
		if cfg.TLS != nil {
			return tls.Listen(network, addr, cfg.TLS)
		}
		return net.Listen(network, addr)
	}
	for _, addrs := range []struct {
		network string
		addrs   []string
	}{{"tcp4", ipv4ListenAddrs}, {"tcp6", ipv6ListenAddrs}} {
		for _, addr := range addrs.addrs {
			listener, err := listen(addrs.network, addr)
			if err != nil {
				s.closeListeners()
				return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
			}
			s.listeners = append(s.listeners, listener)
		}
	}
	if len(s.listeners) == 0 {
		return nil, errors.New("no valid listen address")
	}
	return s, nil
}

func newServer(cfg *Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("no Core")
	}
	s := &Server{
		core:       cfg.Core,
		hub:        cfg.Hub,
		amounts:    cfg.Amounts,
		clock:      cfg.Clock,
		ipRate:     cfg.IPRate,
		ipBurst:    cfg.IPBurst,
		ipLimiters: make(map[dex.IPKey]*ipRateLimiter),
	}
	if s.hub == nil {
		s.hub = NewHub(0)
	}
	if s.clock == nil {
		s.clock = loan.SystemClock{}
	}
	if s.ipRate == 0 {
		s.ipRate = defaultIPRate
	}
	if s.ipBurst == 0 {
		s.ipBurst = defaultIPBurst
	}
	globalRate, globalBurst := cfg.GlobalRate, cfg.GlobalBurst
	if globalRate == 0 {
		globalRate = defaultGlobalRate
	}
	if globalBurst == 0 {
		globalBurst = defaultGlobalBurst
	}
	s.globalLimiter = rate.NewLimiter(globalRate, globalBurst)
	s.mux = s.router()
	return s, nil
}

// Hub is the websocket notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) router() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.With(s.limitRate, accountMiddleware).Get("/ws", s.handleWebsocket)

	mux.Route("/api", func(r chi.Router) {
		r.Use(s.limitRate)
		r.Use(accountMiddleware)

		r.Route("/offers", func(rr chi.Router) {
			rr.With(middleware.AllowContentType("application/json")).Post("/", s.apiCreateOffer)
			rr.Get("/ready", s.apiReadyOffers)
			rr.Get("/{id}", s.apiOffer)
			rr.Delete("/{id}", s.apiCancelOffer)
		})

		r.Route("/matches", func(rr chi.Router) {
			rr.With(middleware.AllowContentType("application/json")).Post("/", s.apiCreateMatch)
			rr.Get("/{id}", s.apiMatch)
			rr.Post("/{id}/lenderpaid", s.apiAttest(s.core.AttestLenderPaid))
			rr.Post("/{id}/received", s.apiAttest(s.core.AttestCounterpartyReceived))
			rr.Post("/{id}/deposited", s.apiAttest(s.core.AttestDepositMade))
			rr.Post("/{id}/withdraw", s.apiWithdraw)
		})

		r.Route("/accounts/me", func(rr chi.Router) {
			rr.Get("/", s.apiAccount)
			rr.Get("/offers", s.apiAccountOffers)
			rr.Get("/matches", s.apiAccountMatches)
		})
	})
	return mux
}

// Run serves until the context is canceled, then shuts down the HTTP server
// and disconnects websocket clients.
func (s *Server) Run(ctx context.Context) {
	log.Trace("Starting API server")

	httpServer := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			log.Infof("API server listening on %s", listener.Addr())
			err := httpServer.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("unexpected (http.Server).Serve error: %v", err)
			}
			log.Debugf("API listener done for %s", listener.Addr())
		}(listener)
	}

	// Keep the ip limiter map clean.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneLimiters()
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	log.Infof("API server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}

	// Shutdown does not wait for hijacked websocket connections.
	s.hub.disconnectAll()
	s.wsWG.Wait()
	wg.Wait()
	log.Infof("API server shutdown complete")
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

// ipLimiter gets the limiter for the IP, creating one if it doesn't exist.
func (s *Server) ipLimiter(ip dex.IPKey) *ipRateLimiter {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	limiter := s.ipLimiters[ip]
	if limiter == nil {
		limiter = &ipRateLimiter{Limiter: rate.NewLimiter(s.ipRate, s.ipBurst)}
		s.ipLimiters[ip] = limiter
	}
	limiter.lastHit = time.Now()
	return limiter
}

func (s *Server) pruneLimiters() {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	for ip, limiter := range s.ipLimiters {
		if time.Since(limiter.lastHit) > ipLimiterTTL {
			delete(s.ipLimiters, ip)
		}
	}
}

// parseListeners splits the list of listen addresses passed in addrs into
// IPv4 and IPv6 slices and returns them.  This allows easy creation of the
// listeners on the correct interface "tcp4" and "tcp6".  It also properly
// detects addresses which apply to "all interfaces" and adds the address to
// both slices.
func parseListeners(addrs []string) ([]string, []string, bool, error) {
	ipv4ListenAddrs := make([]string, 0, len(addrs))
	ipv6ListenAddrs := make([]string, 0, len(addrs))
	haveWildcard := false

	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, false, err
		}

		// Empty host is both IPv4 and IPv6.
		if host == "" {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
			haveWildcard = true
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		if zoneIndex := strings.LastIndex(host, "%"); zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, false, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		if ip.To4() == nil {
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
		} else {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
		}
	}
	return ipv4ListenAddrs, ipv6ListenAddrs, haveWildcard, nil
}

// writeJSONWithStatus writes the JSON response with the specified HTTP response
// code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	_, err = w.Write(append(b, byte('\n')))
	if err != nil {
		log.Errorf("Write error: %v", err)
	}
}

// writeError writes the msgjson.Error for the error from a lending operation.
func writeError(w http.ResponseWriter, err error) {
	msgErr, code := ErrorResponse(err)
	writeJSONWithStatus(w, msgErr, code)
}
