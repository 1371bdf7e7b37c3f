// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"errors"
	"net/http"
	"sync"

	"lendex.org/lendex/dex/msgjson"
	"lendex.org/lendex/dex/ws"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/notify"
)

// DefaultMaxClients is the default maximum number of websocket connections.
const DefaultMaxClients = 10000

var errHubFull = errors.New("server at maximum capacity")

// Hub tracks the websocket connections of each account and delivers events to
// them. Hub is a notify.Notifier. An account may have several connections.
type Hub struct {
	maxClients int

	mtx   sync.RWMutex
	links map[account.AccountID]map[*wsLink]struct{}
	count int
}

var _ notify.Notifier = (*Hub)(nil)

// NewHub creates a Hub. A maxClients of zero selects DefaultMaxClients.
func NewHub(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		maxClients: maxClients,
		links:      make(map[account.AccountID]map[*wsLink]struct{}),
	}
}

// Notify sends the event to every connection of the account. A connection
// that is not keeping up is disconnected.
func (h *Hub) Notify(aid account.AccountID, ev *notify.Event) {
	h.mtx.RLock()
	links := make([]*wsLink, 0, len(h.links[aid]))
	for link := range h.links[aid] {
		links = append(links, link)
	}
	h.mtx.RUnlock()
	if len(links) == 0 {
		return
	}

	payload, err := ev.Msg(aid)
	if err != nil {
		log.Errorf("Error encoding %s event %s: %v", ev.Route, ev.ID, err)
		return
	}
	msg, err := msgjson.NewNotification(ev.Route, payload)
	if err != nil {
		log.Errorf("Error encoding %s notification %s: %v", ev.Route, ev.ID, err)
		return
	}
	for _, link := range links {
		err := link.Send(msg)
		switch {
		case errors.Is(err, ws.ErrQueueFull):
			log.Warnf("Disconnecting slow websocket client %s for account %s", link.Addr(), aid)
			link.Disconnect()
		case err != nil:
			log.Debugf("Failed to send %s to %s: %v", ev.Route, link.Addr(), err)
		}
	}
}

// Connections is the number of connections open for the account.
func (h *Hub) Connections(aid account.AccountID) int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return len(h.links[aid])
}

// Count is the total number of open connections.
func (h *Hub) Count() int {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.count
}

func (h *Hub) add(link *wsLink) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.count >= h.maxClients {
		return errHubFull
	}
	links := h.links[link.aid]
	if links == nil {
		links = make(map[*wsLink]struct{})
		h.links[link.aid] = links
	}
	links[link] = struct{}{}
	h.count++
	return nil
}

func (h *Hub) remove(link *wsLink) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	links := h.links[link.aid]
	if _, found := links[link]; !found {
		return
	}
	delete(links, link)
	h.count--
	if len(links) == 0 {
		delete(h.links, link.aid)
	}
}

func (h *Hub) disconnectAll() {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	for _, links := range h.links {
		for link := range links {
			link.Disconnect()
		}
	}
}

// handleWebsocket upgrades the request and serves the account's event feed
// until the connection closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub.Count() >= s.hub.maxClients {
		writeJSONWithStatus(w, msgjson.NewError(msgjson.ServiceUnavailableError,
			"%v", errHubFull), http.StatusServiceUnavailable)
		return
	}
	aid := actor(r)
	conn, err := ws.NewConnection(w, r, pongWait)
	if err != nil {
		log.Debugf("ws connection error from %s: %v", r.RemoteAddr, err)
		return
	}
	s.wsWG.Add(1)
	defer s.wsWG.Done()

	link := newWSLink(r.RemoteAddr, aid, conn)
	if err := s.hub.add(link); err != nil {
		log.Warnf("Rejecting websocket client %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	defer s.hub.remove(link)

	wg, err := link.Connect(r.Context())
	if err != nil {
		log.Errorf("Failed to start websocket link for %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	log.Debugf("Websocket client %s connected for account %s", r.RemoteAddr, aid)
	wg.Wait()
	log.Debugf("Websocket client %s disconnected", r.RemoteAddr)
}
