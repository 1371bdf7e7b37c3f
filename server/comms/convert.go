// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/loan"
)

// DefaultAmountPlaces is the number of decimal places between the currency
// unit used on the wire and the integer atoms stored in the ledger, i.e.
// atoms are cents.
const DefaultAmountPlaces = 2

// Amounts converts between wire decimal amounts and ledger atoms.
type Amounts struct {
	Places int32
}

// ToAtoms converts a non-negative decimal amount to atoms. Amounts finer than
// one atom are rejected rather than rounded.
func (a Amounts) ToAtoms(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, dex.Errorf(loan.ErrValidation, "negative amount %s", d)
	}
	shifted := d.Shift(a.Places)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, dex.Errorf(loan.ErrValidation, "amount %s has more than %d decimal places", d, a.Places)
	}
	bi := shifted.BigInt()
	if !bi.IsUint64() {
		return 0, dex.Errorf(loan.ErrValidation, "amount %s out of range", d)
	}
	return bi.Uint64(), nil
}

// FromAtoms converts atoms to a decimal amount.
func (a Amounts) FromAtoms(atoms uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(atoms), -a.Places)
}

func stamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// Offer is the wire form of the offer.
func (a Amounts) Offer(o *loan.Offer, now time.Time) *msgjson.Offer {
	msg := &msgjson.Offer{
		ID:        o.ID.String(),
		Owner:     o.Owner.String(),
		Kind:      o.Kind.String(),
		Amount:    a.FromAtoms(o.Amount),
		Status:    o.Status.String(),
		CreatedAt: stamp(o.CreatedAt),
		MaturesAt: stamp(o.MaturesAt),
		Ready:     o.Status == loan.OfferPending && o.Ready(now),
	}
	if !o.MatchID.IsZero() {
		msg.MatchID = o.MatchID.String()
	}
	return msg
}

// Offers is the wire form of a list of offers.
func (a Amounts) Offers(offers []*loan.Offer, now time.Time) []*msgjson.Offer {
	msgs := make([]*msgjson.Offer, 0, len(offers))
	for _, o := range offers {
		msgs = append(msgs, a.Offer(o, now))
	}
	return msgs
}

func confirmation(c *loan.Confirmation) *msgjson.Confirmation {
	if !c.Set() {
		return nil
	}
	return &msgjson.Confirmation{
		By: c.By.String(),
		At: stamp(c.At),
	}
}

// Match is the wire form of the match.
func (a Amounts) Match(m *loan.Match) *msgjson.Match {
	contribs := make([]*msgjson.Contribution, 0, len(m.Contributions))
	for _, c := range m.Contributions {
		contribs = append(contribs, &msgjson.Contribution{
			OfferID: c.OfferID.String(),
			Owner:   c.Owner.String(),
			Amount:  a.FromAtoms(c.Amount),
		})
	}
	msg := &msgjson.Match{
		ID:                m.ID.String(),
		Contributions:     contribs,
		Synthetic:         m.Synthetic,
		SyntheticRef:      m.SyntheticRef,
		Counterparty:      m.Counterparty.String(),
		TotalAmount:       a.FromAtoms(m.TotalAmount),
		AmountToRepay:     a.FromAtoms(m.AmountToRepay),
		MatchedAt:         stamp(m.MatchedAt),
		WithdrawalReadyAt: stamp(m.WithdrawalReadyAt),
		Confirmations: msgjson.Confirmations{
			LenderPaid:           confirmation(&m.Confirmations.LenderPaid),
			CounterpartyReceived: confirmation(&m.Confirmations.CounterpartyReceived),
			DepositMade:          confirmation(&m.Confirmations.DepositMade),
		},
		Status:       m.Status.String(),
		Active:       m.Active,
		RejectReason: m.RejectReason,
	}
	if !m.Synthetic {
		msg.BorrowerOfferID = m.BorrowerOfferID.String()
	}
	return msg
}

// Matches is the wire form of a list of matches.
func (a Amounts) Matches(matches []*loan.Match) []*msgjson.Match {
	msgs := make([]*msgjson.Match, 0, len(matches))
	for _, m := range matches {
		msgs = append(msgs, a.Match(m))
	}
	return msgs
}

// Payout is the wire form of the payout.
func (a Amounts) Payout(p *loan.Payout) *msgjson.Payout {
	credits := make([]*msgjson.PayoutCredit, 0, len(p.Credits))
	for _, c := range p.Credits {
		credits = append(credits, &msgjson.PayoutCredit{
			Account: c.Account.String(),
			Amount:  a.FromAtoms(c.Amount),
		})
	}
	return &msgjson.Payout{
		MatchID:  p.MatchID.String(),
		Credits:  credits,
		Total:    a.FromAtoms(p.Total),
		PaidAt:   stamp(p.PaidAt),
		Replayed: p.Replayed,
	}
}

// Account is the wire form of the account.
func (a Amounts) Account(acct *account.Account) *msgjson.Account {
	return &msgjson.Account{
		ID:        acct.ID.String(),
		Balance:   a.FromAtoms(acct.Balance),
		Reserved:  a.FromAtoms(acct.Reserved),
		Available: a.FromAtoms(acct.Available()),
		KYCLevel:  uint8(acct.KYCLevel),
	}
}

// Entries is the wire form of a list of ledger entries.
func (a Amounts) Entries(entries []*account.LedgerEntry) []*msgjson.LedgerEntry {
	msgs := make([]*msgjson.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, &msgjson.LedgerEntry{
			ID:        e.ID.String(),
			Account:   e.Account.String(),
			Kind:      e.Kind.String(),
			Amount:    a.FromAtoms(e.Amount),
			RefID:     e.RefID,
			CreatedAt: stamp(e.CreatedAt),
		})
	}
	return msgs
}

// errorCodes maps each error kind to its msgjson code and HTTP status.
var errorCodes = map[dex.ErrorKind]struct {
	code, status int
}{
	loan.ErrValidation:         {msgjson.ValidationError, http.StatusBadRequest},
	loan.ErrInsufficientFunds:  {msgjson.InsufficientFundsError, http.StatusUnprocessableEntity},
	loan.ErrBelowMinimum:       {msgjson.BelowMinimumError, http.StatusUnprocessableEntity},
	loan.ErrUnauthorized:       {msgjson.UnauthorizedError, http.StatusForbidden},
	loan.ErrStateConflict:      {msgjson.StateConflictError, http.StatusConflict},
	loan.ErrNotEligibleYet:     {msgjson.NotEligibleYetError, http.StatusTooEarly},
	loan.ErrNotFound:           {msgjson.NotFoundError, http.StatusNotFound},
	loan.ErrDoubleAllocation:   {msgjson.DoubleAllocationError, http.StatusConflict},
	loan.ErrServiceUnavailable: {msgjson.ServiceUnavailableError, http.StatusServiceUnavailable},
}

// ErrorResponse translates an error from a lending operation into the
// msgjson.Error and HTTP status returned to the client. Errors without a known
// kind are internal and their text is not exposed.
func ErrorResponse(err error) (*msgjson.Error, int) {
	var msgErr *msgjson.Error
	if errors.As(err, &msgErr) {
		return msgErr, http.StatusBadRequest
	}
	codes, found := errorCodes[dex.KindOf(err)]
	if !found {
		log.Errorf("internal error: %v", err)
		return msgjson.NewError(msgjson.RPCInternal, "internal error"), http.StatusInternalServerError
	}
	return msgjson.NewError(codes.code, "%s", err.Error()), codes.status
}
