// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"github.com/shopspring/decimal"
)

// CreateAccount is the body of a POST /api/accounts request. Either ID, a hex
// account id, or Ref, an external reference the id is derived from, must be
// set.
type CreateAccount struct {
	ID       string `json:"id,omitempty"`
	Ref      string `json:"ref,omitempty"`
	KYCLevel uint8  `json:"kyclevel"`
}

// Deposit is the body of a POST /api/accounts/{account}/deposit request.
// RefID identifies the external transfer, so a repeated deposit with the same
// RefID is credited once.
type Deposit struct {
	Amount decimal.Decimal `json:"amount"`
	RefID  string          `json:"refid"`
}

// SetKYC is the body of a PUT /api/accounts/{account}/kyc request.
type SetKYC struct {
	KYCLevel uint8 `json:"kyclevel"`
}

// Reject is the body of a POST /api/matches/{match}/reject request.
type Reject struct {
	OperatorID string `json:"operatorid"`
	Reason     string `json:"reason"`
}

// ExpireResult is the response to a POST /api/expire request.
type ExpireResult struct {
	Cancelled int `json:"cancelled"`
}

// VerifyResult is the response to a GET /api/accounts/{account}/verify
// request.
type VerifyResult struct {
	Account    string `json:"account"`
	Consistent bool   `json:"consistent"`
	Error      string `json:"error,omitempty"`
}
