// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgjson defines the JSON payloads of the lendex HTTP API and the
// websocket notification feed, along with the stable error codes that API
// clients can switch on.
package msgjson

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"lendex.org/lendex/dex"
)

// Error codes
const (
	RPCErrorUnspecified     = iota // 0
	RPCParseError                  // 1
	RPCUnknownRoute                // 2
	RPCInternal                    // 3
	ValidationError                // 4
	InsufficientFundsError         // 5
	BelowMinimumError              // 6
	UnauthorizedError              // 7
	StateConflictError             // 8
	NotEligibleYetError            // 9
	NotFoundError                  // 10
	DoubleAllocationError          // 11
	ServiceUnavailableError        // 12
	TooManyRequestsError           // 13
	AuthenticationError            // 14
	UnknownMessageType             // 15
)

// Routes are destinations for a "payload" of data. For the websocket feed, the
// route of a notification identifies the event that produced it.
const (
	// OfferCreatedRoute is a server-originating notification sent to the owner
	// of a new offer.
	OfferCreatedRoute = "offer_created"
	// OfferCancelledRoute is a server-originating notification sent to the
	// owner when an offer is cancelled by the owner or by expiry.
	OfferCancelledRoute = "offer_cancelled"
	// MatchCreatedRoute is a server-originating notification sent to every
	// party of a newly committed match.
	MatchCreatedRoute = "match_created"
	// MatchUpdateRoute is a server-originating notification sent to every
	// party when a match advances through the settlement handshake.
	MatchUpdateRoute = "match_update"
	// PayoutRoute is a server-originating notification sent to each lender
	// credited by a withdrawal.
	PayoutRoute = "payout"
	// PingRoute is the client-originating keepalive request.
	PingRoute = "ping"
)

const errNullRespPayload = dex.ErrorKind("null response payload")

// Error is returned as part of the Response to indicate that an error
// occurred during method execution.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error returns the error message. Satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("error code %d: %s", e.Code, e.Message)
}

// NewError is a constructor for an Error.
func NewError(code int, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

// ResponsePayload is the payload for a Response-type Message.
type ResponsePayload struct {
	// Result is the payload, if successful, else nil.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error, or nil if none was encountered.
	Error *Error `json:"error,omitempty"`
}

// MessageType indicates the type of message.
type MessageType uint8

// There are presently three recognized message types: request, response, and
// notification.
const (
	InvalidMessageType MessageType = iota // 0
	Request                               // 1
	Response                              // 2
	Notification                          // 3
)

// String satisfies the Stringer interface for translating the MessageType code
// into a description, primarily for logging.
func (mt MessageType) String() string {
	switch mt {
	case Request:
		return "request"
	case Response:
		return "response"
	case Notification:
		return "notification"
	default:
		return "unknown MessageType"
	}
}

// Message is the primary messaging type for websocket communications.
type Message struct {
	// Type is the message type.
	Type MessageType `json:"type"`
	// Route is used for requests and notifications, and specifies a handler for
	// the message.
	Route string `json:"route,omitempty"`
	// ID is a unique number that is used to link a response to a request.
	ID uint64 `json:"id,omitempty"`
	// Payload is any data attached to the message. How Payload is decoded
	// depends on the Route.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage decodes a *Message from JSON-formatted bytes. Note that
// *Message may be nil even if error is nil, when the message is JSON null,
// []byte("null").
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	err := json.Unmarshal(b, &msg)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NewResponse encodes the result and creates a Response-type *Message.
func NewResponse(id uint64, result any, rpcErr *Error) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for response-type message")
	}
	encResult, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	encResp, err := json.Marshal(&ResponsePayload{
		Result: encResult,
		Error:  rpcErr,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Response,
		Payload: encResp,
		ID:      id,
	}, nil
}

// Response attempts to decode the payload to a *ResponsePayload. Response will
// return an error if the Type is not Response. It is an error if the Message's
// Payload is []byte("null").
func (msg *Message) Response() (*ResponsePayload, error) {
	if msg.Type != Response {
		return nil, fmt.Errorf("invalid type %d for ResponsePayload", msg.Type)
	}
	resp := new(ResponsePayload)
	err := json.Unmarshal(msg.Payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp == nil /* null JSON */ {
		return nil, errNullRespPayload
	}
	return resp, nil
}

// NewNotification encodes the payload and creates a Notification-type *Message.
func NewNotification(route string, payload any) (*Message, error) {
	if route == "" {
		return nil, fmt.Errorf("empty string not allowed for route of notification-type message")
	}
	encPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    Notification,
		Route:   route,
		Payload: encPayload,
	}, nil
}

// Unmarshal unmarshals the Payload field into the provided interface. Note that
// the payload interface must contain a pointer.
func (msg *Message) Unmarshal(payload any) error {
	return json.Unmarshal(msg.Payload, payload)
}

// String prints the message as a JSON-encoded string.
func (msg *Message) String() string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "[Message decode error]"
	}
	return string(b)
}

// Amounts are decimal strings in whole currency units, e.g. "12.50". Times are
// unix milliseconds.

// CreateOffer is the body of a POST /api/offers request.
type CreateOffer struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// Offer describes a lend or borrow offer.
type Offer struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt uint64          `json:"createdat"`
	MaturesAt uint64          `json:"maturesat"`
	Ready     bool            `json:"ready"`
	MatchID   string          `json:"matchid,omitempty"`
}

// CreateMatch is the body of a POST /api/matches request.
type CreateMatch struct {
	LenderOfferIDs  []string `json:"lenderofferids"`
	BorrowerOfferID string   `json:"borrowerofferid"`
}

// CreateSyntheticMatch is the body of the admin request for a match against a
// synthetic counterparty.
type CreateSyntheticMatch struct {
	LenderOfferIDs []string `json:"lenderofferids"`
	SyntheticRef   string   `json:"syntheticref"`
	OperatorID     string   `json:"operatorid"`
}

// Contribution is a single lender offer's part of a match.
type Contribution struct {
	OfferID string          `json:"offerid"`
	Owner   string          `json:"owner"`
	Amount  decimal.Decimal `json:"amount"`
}

// Confirmation is an attestation recorded on a match.
type Confirmation struct {
	By string `json:"by"`
	At uint64 `json:"at"`
}

// Confirmations are the three handshake attestations. Unset attestations are
// omitted.
type Confirmations struct {
	LenderPaid           *Confirmation `json:"lenderpaid,omitempty"`
	CounterpartyReceived *Confirmation `json:"counterpartyreceived,omitempty"`
	DepositMade          *Confirmation `json:"depositmade,omitempty"`
}

// Match describes a binding of lender offers to a counterparty.
type Match struct {
	ID                string          `json:"id"`
	Contributions     []*Contribution `json:"contributions"`
	BorrowerOfferID   string          `json:"borrowerofferid,omitempty"`
	Synthetic         bool            `json:"synthetic,omitempty"`
	SyntheticRef      string          `json:"syntheticref,omitempty"`
	Counterparty      string          `json:"counterparty"`
	TotalAmount       decimal.Decimal `json:"total"`
	AmountToRepay     decimal.Decimal `json:"torepay"`
	MatchedAt         uint64          `json:"matchedat"`
	WithdrawalReadyAt uint64          `json:"withdrawalreadyat"`
	Confirmations     Confirmations   `json:"confirmations"`
	Status            string          `json:"status"`
	Active            bool            `json:"active"`
	RejectReason      string          `json:"rejectreason,omitempty"`
}

// PayoutCredit is the credit posted to one lender by a withdrawal.
type PayoutCredit struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Payout is the result of a withdrawal.
type Payout struct {
	MatchID  string          `json:"matchid"`
	Credits  []*PayoutCredit `json:"credits"`
	Total    decimal.Decimal `json:"total"`
	PaidAt   uint64          `json:"paidat"`
	Replayed bool            `json:"replayed"`
}

// Account is an account's balances as seen by its owner.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	KYCLevel  uint8           `json:"kyclevel"`
}

// LedgerEntry is a single posting against an account.
type LedgerEntry struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	RefID     string          `json:"refid"`
	CreatedAt uint64          `json:"createdat"`
}

// Event is the payload of every websocket notification.
type Event struct {
	ID      string          `json:"id"`
	Account string          `json:"account"`
	Route   string          `json:"route"`
	Subject string          `json:"subject"`
	Status  string          `json:"status,omitempty"`
	Stamp   uint64          `json:"stamp"`
	Details json.RawMessage `json:"details,omitempty"`
}
