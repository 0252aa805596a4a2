// Package gossip implements the event propagator: best-effort broadcast of
// domain events to peers over websocket connections, with bounded retries on
// publish and per-type handler dispatch on receipt. Broadcast is a
// replication concern, never a correctness gate: local state is mutated
// before an event is published, and terminal delivery failure is only
// surfaced for observability.
package gossip

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/statemesh/statemesh/internal/metrics"
	"github.com/statemesh/statemesh/pkg/proto"
)

// Options configures the propagator. All values come from the node config;
// nothing is read from ambient state.
type Options struct {
	Seeds             []string // ws host:port of peers to dial
	AuthToken         string   // bearer token sent on seed dials; empty disables
	MaxRetries        int      // publish retry budget; 0 means a single attempt
	RetryDelay        time.Duration
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
}

// DeliveryState tracks one published event through the broadcast lifecycle.
type DeliveryState int

const (
	// Pending: accepted for broadcast, no attempt made yet.
	Pending DeliveryState = iota
	// Sent: a broadcast attempt is in flight.
	Sent
	// Acknowledged: the event reached at least one peer (or there was no
	// peer to reach).
	Acknowledged
	// Retrying: the last attempt failed and the retry budget is not
	// exhausted.
	Retrying
	// Failed: terminal; the retry budget is exhausted.
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Acknowledged:
		return "acknowledged"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler is invoked once per received event of a subscribed type. Handlers
// must be idempotent: redelivery is possible.
type Handler func(event proto.Event) error

// Propagator publishes events to the gossip channel and dispatches received
// events to subscribed handlers. Received events are forwarded to other
// connected peers (flood gossip); the id-based dedup set keeps the flood
// finite.
type Propagator struct {
	localID string
	opts    Options
	hub     *hub

	mu        sync.RWMutex
	handlers  map[string][]Handler
	delivered map[string]DeliveryState

	seenMu   sync.Mutex
	seen     map[string]struct{}
	seenRing []string
}

// seenLimit bounds the dedup set; the oldest ids are evicted first.
const seenLimit = 8192

// New creates a propagator for the local node. Call Start to dial seeds and
// begin heartbeating; mount WebsocketHandler on the node's HTTP server to
// accept inbound peers.
func New(localID string, opts Options) *Propagator {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	p := &Propagator{
		localID:   localID,
		opts:      opts,
		handlers:  make(map[string][]Handler),
		delivered: make(map[string]DeliveryState),
		seen:      make(map[string]struct{}),
	}
	p.hub = newHub(p)
	return p
}

// EventID computes the deterministic id of an event: the SHA-256 of its
// canonical encoding with the id field cleared. The same fact produces the
// same id on every node, which is what makes receive-side dedup work.
func EventID(event proto.Event) string {
	event.ID = ""
	data, err := json.Marshal(event)
	if err != nil {
		// proto.Event contains only marshalable fields; this is unreachable
		// short of memory corruption.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Subscribe registers a handler for one event type.
func (p *Propagator) Subscribe(eventType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = append(p.handlers[eventType], handler)
}

// Publish broadcasts an event to the gossip channel and returns its id.
// Fire-and-forget: delivery runs in the background with up to MaxRetries
// attempts spaced by RetryDelay, and the caller is never blocked on peers.
func (p *Propagator) Publish(event proto.Event) string {
	if event.Origin == "" {
		event.Origin = p.localID
	}
	if event.Timestamp == 0 {
		event.Timestamp = proto.Now()
	}
	if event.ID == "" {
		event.ID = EventID(event)
	}

	// Our own events count as seen so an echo from a peer is not re-applied.
	p.markSeen(event.ID)
	p.setDelivery(event.ID, Pending)
	metrics.EventsPublished.WithLabelValues(event.Type).Inc()

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("event encode failed")
		p.setDelivery(event.ID, Failed)
		return event.ID
	}

	go p.deliver(event.ID, event.Type, data)
	return event.ID
}

func (p *Propagator) deliver(eventID, eventType string, data []byte) {
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(p.opts.RetryDelay),
		uint64(p.opts.MaxRetries),
	)

	attempt := func() error {
		p.setDelivery(eventID, Sent)
		if err := p.hub.broadcast(data, nil); err != nil {
			p.setDelivery(eventID, Retrying)
			return err
		}
		return nil
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		p.setDelivery(eventID, Failed)
		metrics.EventDeliveryFailures.Inc()
		log.Error().Err(err).
			Str("event", eventID).
			Str("type", eventType).
			Int("max_retries", p.opts.MaxRetries).
			Msg("event broadcast failed, local state stands")
		return
	}
	p.setDelivery(eventID, Acknowledged)
}

// DeliveryStatus reports the broadcast state of a published event.
func (p *Propagator) DeliveryStatus(eventID string) (DeliveryState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.delivered[eventID]
	return state, ok
}

func (p *Propagator) setDelivery(eventID string, state DeliveryState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered[eventID] = state
}

// markSeen records an event id, evicting the oldest when the set is full.
// Returns false if the id was already present.
func (p *Propagator) markSeen(eventID string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, dup := p.seen[eventID]; dup {
		return false
	}
	p.seen[eventID] = struct{}{}
	p.seenRing = append(p.seenRing, eventID)
	if len(p.seenRing) > seenLimit {
		delete(p.seen, p.seenRing[0])
		p.seenRing = p.seenRing[1:]
	}
	return true
}

// receive handles one raw message from a peer connection.
func (p *Propagator) receive(data []byte, from *peerConn) {
	var event proto.Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable gossip message")
		return
	}
	if event.ID == "" {
		event.ID = EventID(event)
	}

	if !p.markSeen(event.ID) {
		metrics.EventsDeduped.Inc()
		return
	}
	metrics.EventsReceived.WithLabelValues(event.Type).Inc()

	p.dispatch(event)

	// Forward to everyone but the sender so the event floods the mesh.
	if err := p.hub.broadcast(data, from); err != nil {
		log.Debug().Err(err).Str("event", event.ID).Msg("gossip forward failed")
	}
}

func (p *Propagator) dispatch(event proto.Event) {
	p.mu.RLock()
	handlers := append([]Handler(nil), p.handlers[event.Type]...)
	p.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			log.Error().Err(err).
				Str("event", event.ID).
				Str("type", event.Type).
				Msg("event handler failed")
		}
	}
}
