// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package notify defines the events sent to account holders after committed
// offer and match transitions, and the Notifiers that deliver them. Delivery
// is best effort. A Notifier never blocks its caller on delivery and never
// reports failure to it.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/server/account"
)

// Event is a notification about an offer or match. Route is one of the
// msgjson notification routes.
type Event struct {
	ID      string
	Route   string
	Subject string
	Status  string
	Stamp   time.Time
	Details any
}

// NewEvent creates an Event with a fresh id.
func NewEvent(route, subject, status string, stamp time.Time, details any) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Route:   route,
		Subject: subject,
		Status:  status,
		Stamp:   stamp,
		Details: details,
	}
}

// Msg is the wire form of the event for the account.
func (ev *Event) Msg(aid account.AccountID) (*msgjson.Event, error) {
	msg := &msgjson.Event{
		ID:      ev.ID,
		Account: aid.String(),
		Route:   ev.Route,
		Subject: ev.Subject,
		Status:  ev.Status,
		Stamp:   uint64(ev.Stamp.UnixMilli()),
	}
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return nil, err
		}
		msg.Details = b
	}
	return msg, nil
}

// Notifier delivers an event to an account holder.
type Notifier interface {
	Notify(aid account.AccountID, ev *Event)
}

// Func is a Notifier function.
type Func func(aid account.AccountID, ev *Event)

// Notify calls f.
func (f Func) Notify(aid account.AccountID, ev *Event) {
	f(aid, ev)
}

// Nop discards events.
var Nop Notifier = Func(func(account.AccountID, *Event) {})

// Multi is a Notifier that delivers every event through each of its
// Notifiers, in order.
type Multi []Notifier

// Notify delivers the event through each Notifier.
func (m Multi) Notify(aid account.AccountID, ev *Event) {
	for _, n := range m {
		n.Notify(aid, ev)
	}
}

// NotifyAll delivers the event to each account.
func NotifyAll(n Notifier, aids []account.AccountID, ev *Event) {
	for _, aid := range aids {
		n.Notify(aid, ev)
	}
}

// Logger is a Notifier that logs every event at debug level.
type Logger struct {
	Log interface {
		Debugf(format string, params ...any)
	}
}

// Notify logs the event.
func (l *Logger) Notify(aid account.AccountID, ev *Event) {
	l.Log.Debugf("Notify %s: %s %s %s (%s)", aid, ev.Route, ev.Subject, ev.Status, ev.ID)
}
