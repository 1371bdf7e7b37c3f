// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/ws"
	"lendex.org/lendex/server/account"
)

// wsLink is the server's side of one account holder's websocket connection.
// The feed is push-only. The only request a client may send is a ping.
type wsLink struct {
	*ws.WSLink
	aid account.AccountID
}

func newWSLink(addr string, aid account.AccountID, conn ws.Connection) *wsLink {
	c := &wsLink{aid: aid}
	c.WSLink = ws.NewWSLink(addr, conn, pingPeriod, c.handleMessage)
	return c
}

func (c *wsLink) handleMessage(msg *msgjson.Message) *msgjson.Error {
	if msg.Type != msgjson.Request {
		return msgjson.NewError(msgjson.UnknownMessageType, "unexpected %s message", msg.Type)
	}
	if msg.Route != msgjson.PingRoute {
		return msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %q", msg.Route)
	}
	resp, err := msgjson.NewResponse(msg.ID, "pong", nil)
	if err != nil {
		log.Errorf("error encoding pong response: %v", err)
		return msgjson.NewError(msgjson.RPCInternal, "internal error")
	}
	if err := c.Send(resp); err != nil {
		log.Debugf("error sending pong to %s: %v", c.Addr(), err)
	}
	return nil
}
