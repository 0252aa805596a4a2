package gossip

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/statemesh/statemesh/internal/metrics"
)

var errNoPeers = errors.New("no connected peers")

// peerConn is one live gossip connection, inbound or dialed. Writes are
// serialized per connection; gorilla websocket permits one writer at a time.
type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	dialed  bool
	addr    string
}

func (c *peerConn) send(data []byte, deadline time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(deadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *peerConn) ping(deadline time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline))
}

// hub owns the set of live connections and the dial/heartbeat loops.
type hub struct {
	p        *Propagator
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*peerConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHub(p *Propagator) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		p: p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:  make(map[*peerConn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start dials the configured seeds and begins heartbeating. Dialed
// connections reconnect forever until Close; a node that loses every peer
// keeps serving from local state.
func (p *Propagator) Start() {
	for _, seed := range p.opts.Seeds {
		p.hub.wg.Add(1)
		go p.hub.dialLoop(seed)
	}
	p.hub.wg.Add(1)
	go p.hub.heartbeatLoop()
}

// Close tears down every connection and stops the background loops.
func (p *Propagator) Close() {
	p.hub.cancel()
	p.hub.mu.Lock()
	for c := range p.hub.conns {
		c.conn.Close()
	}
	p.hub.mu.Unlock()
	p.hub.wg.Wait()
}

// PeerCount reports the number of live gossip connections.
func (p *Propagator) PeerCount() int {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	return len(p.hub.conns)
}

// WebsocketHandler accepts inbound gossip connections. Mount it on the
// node's authenticated API mux.
func (p *Propagator) WebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("gossip upgrade failed")
			return
		}
		pc := &peerConn{conn: conn, addr: r.RemoteAddr}
		p.hub.add(pc)
		p.hub.wg.Add(1)
		go p.hub.readLoop(pc)
	}
}

func (h *hub) add(c *peerConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.GossipPeers.Set(float64(n))
	log.Info().Str("peer", c.addr).Bool("dialed", c.dialed).Int("peers", n).Msg("gossip peer connected")
}

func (h *hub) remove(c *peerConn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	c.conn.Close()
	metrics.GossipPeers.Set(float64(n))
	log.Info().Str("peer", c.addr).Int("peers", n).Msg("gossip peer disconnected")
}

// broadcast writes data to every connection except skip. It succeeds when at
// least one peer took the write, or when there is nobody to tell.
func (h *hub) broadcast(data []byte, skip *peerConn) error {
	h.mu.RLock()
	targets := make([]*peerConn, 0, len(h.conns))
	for c := range h.conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	var delivered int
	for _, c := range targets {
		if err := c.send(data, h.p.opts.ConnectionTimeout); err != nil {
			log.Debug().Err(err).Str("peer", c.addr).Msg("gossip write failed")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errNoPeers
	}
	return nil
}

func (h *hub) readLoop(c *peerConn) {
	defer h.wg.Done()
	defer h.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.p.receive(data, c)
	}
}

// dialLoop keeps one outbound connection to a seed alive, reconnecting with
// the configured retry delay after each failure or drop.
func (h *hub) dialLoop(seed string) {
	defer h.wg.Done()
	target := url.URL{Scheme: "ws", Host: seed, Path: "/api/v1/gossip"}

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: h.p.opts.ConnectionTimeout}
		var header http.Header
		if h.p.opts.AuthToken != "" {
			header = http.Header{"Authorization": {"Bearer " + h.p.opts.AuthToken}}
		}
		conn, _, err := dialer.DialContext(h.ctx, target.String(), header)
		if err != nil {
			log.Debug().Err(err).Str("seed", seed).Msg("gossip dial failed")
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(h.p.opts.RetryDelay):
			}
			continue
		}

		pc := &peerConn{conn: conn, dialed: true, addr: seed}
		h.add(pc)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			h.p.receive(data, pc)
		}
		h.remove(pc)
	}
}

func (h *hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			conns := make([]*peerConn, 0, len(h.conns))
			for c := range h.conns {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			for _, c := range conns {
				if err := c.ping(h.p.opts.ConnectionTimeout); err != nil {
					log.Debug().Str("peer", c.addr).Msg("heartbeat failed, dropping peer")
					h.remove(c)
				}
			}
		}
	}
}
