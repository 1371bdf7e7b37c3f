// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-chi/chi/v5"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/loan"
)

const tPass = "password123"

var (
	tNow      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tOperator = account.NewID([]byte("operator"))
	tLender   = account.NewID([]byte("lender"))
)

type TCore struct {
	accounts   map[account.AccountID]*account.Account
	entries    map[string]*account.LedgerEntry
	err        error
	verifyErr  error
	expired    int
	rejectedBy account.AccountID
	reason     string
	archivedN  int
	synthetic  []loan.OfferID
	syntheticR string
}

func newTCore() *TCore {
	return &TCore{
		accounts: make(map[account.AccountID]*account.Account),
		entries:  make(map[string]*account.LedgerEntry),
	}
}

func (c *TCore) CreateAccount(_ context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	if c.err != nil {
		return nil, c.err
	}
	if _, found := c.accounts[aid]; found {
		return nil, dex.Errorf(loan.ErrStateConflict, "account %s exists", aid)
	}
	acct := &account.Account{ID: aid, KYCLevel: level, CreatedAt: tNow, Version: 1}
	c.accounts[aid] = acct
	return acct, nil
}

func (c *TCore) Account(_ context.Context, aid account.AccountID) (*account.Account, error) {
	if c.err != nil {
		return nil, c.err
	}
	acct, found := c.accounts[aid]
	if !found {
		return nil, dex.Errorf(loan.ErrNotFound, "account %s", aid)
	}
	return acct, nil
}

func (c *TCore) Deposit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	acct, err := c.Account(ctx, aid)
	if err != nil {
		return nil, err
	}
	if e, found := c.entries[refID]; found {
		return e, nil
	}
	e := account.NewEntry(aid, account.Credit, amt, refID, tNow)
	c.entries[refID] = e
	acct.Balance += amt
	return e, nil
}

func (c *TCore) SetKYCLevel(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	acct, err := c.Account(ctx, aid)
	if err != nil {
		return nil, err
	}
	acct.KYCLevel = level
	return acct, nil
}

func (c *TCore) Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error) {
	if _, err := c.Account(ctx, aid); err != nil {
		return nil, err
	}
	entries := make([]*account.LedgerEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Account == aid {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (c *TCore) VerifyAccount(context.Context, account.AccountID) error {
	return c.verifyErr
}

func (c *TCore) ExpireOffer(_ context.Context, oid loan.OfferID) (*loan.Offer, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &loan.Offer{
		ID:          oid,
		Owner:       tLender,
		Kind:        loan.Lend,
		Amount:      100,
		Status:      loan.OfferCancelled,
		CancelledAt: tNow,
	}, nil
}

func (c *TCore) CreateSyntheticMatch(_ context.Context, oids []loan.OfferID, ref string, operator account.AccountID) (*loan.Match, error) {
	c.synthetic, c.syntheticR = oids, ref
	if c.err != nil {
		return nil, c.err
	}
	return &loan.Match{
		ID:           loan.NewMatchID(oids, []byte("synthetic:"+ref), tNow),
		Synthetic:    true,
		SyntheticRef: ref,
		Counterparty: operator,
		TotalAmount:  100,
		Status:       loan.StatusMatched,
		Active:       true,
	}, nil
}

func (c *TCore) Reject(_ context.Context, mid loan.MatchID, operator account.AccountID, reason string) (*loan.Match, error) {
	c.rejectedBy, c.reason = operator, reason
	if c.err != nil {
		return nil, c.err
	}
	return &loan.Match{ID: mid, Status: loan.StatusRejected, RejectReason: reason}, nil
}

func (c *TCore) ExpireStale(context.Context) (int, error) {
	return c.expired, c.err
}

func (c *TCore) ArchivedMatches(_ context.Context, n int) ([]*loan.Match, error) {
	c.archivedN = n
	return []*loan.Match{}, c.err
}

func newTServer(core *TCore) *Server {
	s := &Server{
		core:    core,
		amounts: comms.Amounts{Places: 2},
		authSHA: sha256.Sum256([]byte(tPass)),
	}
	return s
}

// serve runs the request through the server's router with valid credentials.
func serve(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	r, _ := http.NewRequest(method, "https://localhost"+path, bytes.NewReader(b))
	r.RemoteAddr = "localhost"
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.SetBasicAuth("", tPass)
	mux := chi.NewRouter()
	s.routes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, thing any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), thing); err != nil {
		t.Fatalf("error decoding response %q: %v", w.Body.String(), err)
	}
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	apiPing(w, nil)
	if w.Code != 200 {
		t.Fatalf("apiPing returned code %d, expected 200", w.Code)
	}

	resp := w.Result()
	ctHdr := resp.Header.Get("Content-Type")
	wantCt := "application/json; charset=utf-8"
	if ctHdr != wantCt {
		t.Errorf("Content-Type incorrect. got %q, expected %q", ctHdr, wantCt)
	}

	// JSON strings are double quoted. Each value is terminated with a newline.
	expectedBody := `"` + pongStr + `"` + "\n"
	if gotBody := w.Body.String(); gotBody != expectedBody {
		t.Errorf("apiPong response said %q, expected %q", gotBody, expectedBody)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTServer(newTCore())
	am := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name, user, pass string
		noAuth           bool
		wantErr          bool
	}{{
		name: "user and correct password",
		user: "user",
		pass: tPass,
	}, {
		name: "only correct password",
		pass: tPass,
	}, {
		name:    "only user",
		user:    "user",
		wantErr: true,
	}, {
		name:    "no auth header",
		noAuth:  true,
		wantErr: true,
	}, {
		name:    "wrong password",
		user:    "user",
		pass:    tPass[1:],
		wantErr: true,
	}}
	for _, test := range tests {
		r, _ := http.NewRequest(http.MethodGet, "", nil)
		r.RemoteAddr = "localhost"
		if !test.noAuth {
			r.SetBasicAuth(test.user, test.pass)
		}
		w := httptest.NewRecorder()
		am.ServeHTTP(w, r)
		if test.wantErr {
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("%s: expected unauthorized, got %d", test.name, w.Code)
			}
			if !strings.Contains(w.Header().Get("WWW-Authenticate"), "lendex admin") {
				t.Fatalf("%s: missing WWW-Authenticate header", test.name)
			}
			continue
		}
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected OK, got %d", test.name, w.Code)
		}
	}
}

func TestAccounts(t *testing.T) {
	core := newTCore()
	s := newTServer(core)

	var acct msgjson.Account
	w := serve(s, http.MethodPost, "/api/accounts", &CreateAccount{Ref: "alice@example", KYCLevel: 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &acct)
	aid := account.NewID([]byte("alice@example"))
	if acct.ID != aid.String() || acct.KYCLevel != 2 {
		t.Fatalf("wrong account: %s", spew.Sdump(acct))
	}

	// Duplicate is a state conflict.
	w = serve(s, http.MethodPost, "/api/accounts", &CreateAccount{ID: aid.String()})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate account: expected 409, got %d", w.Code)
	}

	for name, req := range map[string]*CreateAccount{
		"neither":  {},
		"both":     {ID: aid.String(), Ref: "x"},
		"bad id":   {ID: "abc"},
		"reserved": {ID: account.SystemID.String()},
	} {
		if w = serve(s, http.MethodPost, "/api/accounts", req); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
	}

	// Deposit twice with the same refid.
	for i := 0; i < 2; i++ {
		w = serve(s, http.MethodPost, "/api/accounts/"+aid.String()+"/deposit", &map[string]string{
			"amount": "150.25",
			"refid":  "wire-1",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	w = serve(s, http.MethodGet, "/api/accounts/"+aid.String(), nil)
	decode(t, w, &acct)
	if acct.Balance.String() != "150.25" {
		t.Fatalf("expected balance 150.25, got %s", acct.Balance)
	}

	var entries []*msgjson.LedgerEntry
	w = serve(s, http.MethodGet, "/api/accounts/"+aid.String()+"/entries", nil)
	decode(t, w, &entries)
	if len(entries) != 1 || entries[0].RefID != "wire-1" || entries[0].Kind != account.Credit.String() {
		t.Fatalf("wrong entries: %s", spew.Sdump(entries))
	}

	for name, body := range map[string]any{
		"no refid":   map[string]string{"amount": "1"},
		"zero":       map[string]string{"amount": "0", "refid": "z"},
		"sub-atomic": map[string]string{"amount": "0.001", "refid": "z"},
	} {
		if w = serve(s, http.MethodPost, "/api/accounts/"+aid.String()+"/deposit", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
	}

	w = serve(s, http.MethodPut, "/api/accounts/"+aid.String()+"/kyc", &SetKYC{KYCLevel: 3})
	decode(t, w, &acct)
	if w.Code != http.StatusOK || acct.KYCLevel != 3 {
		t.Fatalf("set kyc failed: %d %s", w.Code, spew.Sdump(acct))
	}

	unknown := account.NewID([]byte("nobody"))
	if w = serve(s, http.MethodGet, "/api/accounts/"+unknown.String(), nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown account: expected 404, got %d", w.Code)
	}
}

func TestVerify(t *testing.T) {
	core := newTCore()
	s := newTServer(core)
	path := "/api/accounts/" + tLender.String() + "/verify"

	var res VerifyResult
	w := serve(s, http.MethodGet, path, nil)
	decode(t, w, &res)
	if !res.Consistent {
		t.Fatalf("expected consistent account")
	}

	core.verifyErr = errors.New("balances 1/0, entries sum to 2/0")
	w = serve(s, http.MethodGet, path, nil)
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Consistent || res.Error == "" {
		t.Fatalf("expected inconsistent report, got %d %s", w.Code, spew.Sdump(res))
	}

	core.verifyErr = dex.NewError(loan.ErrNotFound, "account")
	if w = serve(s, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMatches(t *testing.T) {
	core := newTCore()
	s := newTServer(core)
	oid := loan.NewOfferID(tLender, loan.Lend, 100, tNow)

	var match msgjson.Match
	w := serve(s, http.MethodPost, "/api/matches/synthetic", &msgjson.CreateSyntheticMatch{
		LenderOfferIDs: []string{oid.String()},
		SyntheticRef:   "promo-7",
		OperatorID:     tOperator.String(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("synthetic match: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &match)
	if !match.Synthetic || match.SyntheticRef != "promo-7" || match.Counterparty != tOperator.String() {
		t.Fatalf("wrong synthetic match: %s", spew.Sdump(match))
	}
	if len(core.synthetic) != 1 || core.synthetic[0] != oid {
		t.Fatalf("wrong offers passed: %v", core.synthetic)
	}

	w = serve(s, http.MethodPost, "/api/matches/synthetic", &msgjson.CreateSyntheticMatch{
		LenderOfferIDs: []string{oid.String()},
		SyntheticRef:   "promo-7",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("no operator: expected 400, got %d", w.Code)
	}

	mid := loan.NewMatchID([]loan.OfferID{oid}, []byte("x"), tNow)
	w = serve(s, http.MethodPost, "/api/matches/"+mid.String()+"/reject", &Reject{
		OperatorID: tOperator.String(),
		Reason:     "fraud report",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d", w.Code)
	}
	if core.rejectedBy != tOperator || core.reason != "fraud report" {
		t.Fatalf("wrong reject arguments")
	}

	core.err = dex.NewError(loan.ErrStateConflict, "match is withdrawn")
	w = serve(s, http.MethodPost, "/api/matches/"+mid.String()+"/reject", &Reject{
		OperatorID: tOperator.String(),
		Reason:     "late",
	})
	var msgErr msgjson.Error
	decode(t, w, &msgErr)
	if w.Code != http.StatusConflict || msgErr.Code != msgjson.StateConflictError {
		t.Fatalf("expected state conflict, got %d %v", w.Code, msgErr)
	}
	core.err = nil

	tests := []struct {
		query string
		n     int
		code  int
	}{
		{"", defaultArchived, http.StatusOK},
		{"?n=5", 5, http.StatusOK},
		{"?n=0", 0, http.StatusBadRequest},
		{fmt.Sprintf("?n=%d", maxArchived+1), 0, http.StatusBadRequest},
		{"?n=x", 0, http.StatusBadRequest},
	}
	for _, tt := range tests {
		core.archivedN = 0
		w = serve(s, http.MethodGet, "/api/matches/archived"+tt.query, nil)
		if w.Code != tt.code || core.archivedN != tt.n {
			t.Fatalf("archived%s: expected %d/%d, got %d/%d", tt.query, tt.code, tt.n, w.Code, core.archivedN)
		}
	}
}

func TestExpire(t *testing.T) {
	core := newTCore()
	core.expired = 3
	s := newTServer(core)

	var res ExpireResult
	w := serve(s, http.MethodPost, "/api/expire", nil)
	decode(t, w, &res)
	if res.Cancelled != 3 {
		t.Fatalf("expected 3 cancelled, got %d", res.Cancelled)
	}

	oid := loan.NewOfferID(tLender, loan.Lend, 100, tNow)
	var offer msgjson.Offer
	w = serve(s, http.MethodDelete, "/api/offers/"+oid.String(), nil)
	decode(t, w, &offer)
	if w.Code != http.StatusOK || offer.Status != "cancelled" || offer.ID != oid.String() {
		t.Fatalf("expire offer failed: %d %s", w.Code, spew.Sdump(offer))
	}

	if w = serve(s, http.MethodDelete, "/api/offers/zz", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad offer id: expected 400, got %d", w.Code)
	}
}

func TestNewServer(t *testing.T) {
	tmp := t.TempDir()
	cert, key := filepath.Join(tmp, "admin.cert"), filepath.Join(tmp, "admin.key")
	s, err := NewServer(&SrvConfig{
		Core:    newTCore(),
		Addr:    "127.0.0.1:0",
		Cert:    cert,
		Key:     key,
		AuthSHA: sha256.Sum256([]byte(tPass)),
	})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if len(s.tlsConfig.Certificates) != 1 {
		t.Fatalf("no certificate loaded")
	}

	// The generated pair is reused.
	if _, err = NewServer(&SrvConfig{Core: newTCore(), Cert: cert, Key: key}); err != nil {
		t.Fatalf("NewServer with existing pair error: %v", err)
	}

	if _, err = NewServer(&SrvConfig{Core: newTCore(), Cert: cert, Key: filepath.Join(tmp, "other.key")}); err == nil {
		t.Fatalf("no error for a missing key file")
	}
}
