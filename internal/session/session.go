// Package session is the public facade a caller embeds: it wires
// internal/config, internal/crypto, internal/endpoint, internal/pcp, and
// internal/payload into the single client-facing type the advertise,
// discover, connect, and payload calls hang off of, the same way
// client2.Client wires a PKI client, a connection, and an ARQ queue behind
// one type (client2/thin.go, client2/connection.go).
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/nearbycore/connections/internal/config"
	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/payload"
	"github.com/nearbycore/connections/internal/pcp"
)

// Session is one client's advertising/discovery/connection/payload state.
type Session struct {
	cfg      *config.Config
	identity *crypto.Identity
	mgr      *endpoint.Manager
	handler  *pcp.Handler
	payloads *payload.Engine
	log      *log.Logger

	mu     sync.Mutex
	relays []relayCloser
}

type relayCloser interface {
	closeRelay()
}

func (s *Session) trackRelay(r relayCloser) {
	s.mu.Lock()
	s.relays = append(s.relays, r)
	s.mu.Unlock()
}

// New builds a Session for localID over the given primary mediums
// (selected and prioritized per cfg.MediumPriority) and, if upgradeMediums
// is non-empty, arms ConnectionOptions.AutoUpgrade to swap onto one of
// them once a connection is stable. identity is this device's long-term
// signing key, reused for both the UKEY2 handshake and any
// bandwidth-upgrade Noise_XX re-key.
func New(localID string, cfg *config.Config, identity *crypto.Identity, mediums map[medium.Tag]medium.Medium, upgradeMediums map[medium.Tag]medium.Medium) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	priority := cfg.MediumTags()
	usable := false
	for _, tag := range priority {
		if _, ok := mediums[tag]; ok {
			usable = true
			break
		}
	}
	if !usable {
		return nil, fmt.Errorf("session: no usable medium in configured priority list")
	}

	mgr := endpoint.NewManager()
	eng := payload.NewEngine(mgr, cfg.ChunkSizeBytes, cfg.TempDir)

	var upgradePriority []medium.Tag
	for _, tag := range priority {
		if _, ok := upgradeMediums[tag]; ok {
			upgradePriority = append(upgradePriority, tag)
		}
	}

	handler := pcp.NewHandler(localID, mgr, identity, mediums, priority, upgradeMediums, upgradePriority,
		cfg.HandshakeTimeout(), cfg.KeepAliveInterval(), cfg.KeepAliveTimeout(), eng)

	s := &Session{
		cfg:      cfg,
		identity: identity,
		mgr:      mgr,
		handler:  handler,
		payloads: eng,
		log: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "session",
		}),
	}
	return s, nil
}

// StartAdvertising makes this session discoverable under serviceID,
// forwarding connection lifecycle callbacks through an unbounded relay so a
// slow listener never backs up a medium driver's Accept loop.
func (s *Session) StartAdvertising(serviceID string, localInfo []byte, listener pcp.ConnectionListener) pcp.Status {
	s.log.Debugf("StartAdvertising service=%s", serviceID)
	relay := relayConnectionListener(listener)
	if r, ok := relay.(relayCloser); ok {
		s.trackRelay(r)
	}
	return s.handler.StartAdvertising(serviceID, localInfo, relay)
}

// StopAdvertising stops advertising started by StartAdvertising.
func (s *Session) StopAdvertising() { s.handler.StopAdvertising() }

// StartDiscovery begins scanning serviceID, relaying EndpointFound/Lost
// through the same unbounded-channel decoupling StartAdvertising uses.
func (s *Session) StartDiscovery(serviceID string, listener pcp.DiscoveryListener) pcp.Status {
	s.log.Debugf("StartDiscovery service=%s", serviceID)
	relay := relayDiscoveryListener(listener)
	if r, ok := relay.(relayCloser); ok {
		s.trackRelay(r)
	}
	return s.handler.StartDiscovery(serviceID, relay)
}

// StopDiscovery stops discovery started by StartDiscovery.
func (s *Session) StopDiscovery() { s.handler.StopDiscovery() }

// InjectEndpoint installs a synthetic DiscoveredEndpoint from an
// out-of-band exchange, e.g. a QR code or NFC tap payload.
func (s *Session) InjectEndpoint(serviceID, endpointID string, endpointInfo []byte, tag medium.Tag, oobMetadata []byte) pcp.Status {
	return s.handler.InjectEndpoint(serviceID, endpointID, endpointInfo, tag, oobMetadata)
}

// RequestConnection dials endpointID with the given options. listener
// receives this connection's lifecycle callbacks; nil falls back to the
// listener StartAdvertising installed.
func (s *Session) RequestConnection(ctx context.Context, endpointID string, localInfo []byte, opts pcp.ConnectionOptions, listener pcp.ConnectionListener) pcp.Status {
	var relay pcp.ConnectionListener
	if listener != nil {
		relay = relayConnectionListener(listener)
		if r, ok := relay.(relayCloser); ok {
			s.trackRelay(r)
		}
	}
	return s.handler.RequestConnection(ctx, endpointID, localInfo, opts, relay)
}

// AcceptConnection accepts endpointID's pending connection, arming listener
// for payload delivery on it.
func (s *Session) AcceptConnection(endpointID string, listener payload.Listener) pcp.Status {
	return s.handler.AcceptConnection(endpointID, listener)
}

// RejectConnection rejects endpointID's pending connection.
func (s *Session) RejectConnection(endpointID string) pcp.Status {
	return s.handler.RejectConnection(endpointID)
}

// SendPayload chunks and sends p to every endpoint in endpointIDs.
func (s *Session) SendPayload(endpointIDs []string, p *payload.Payload) error {
	return s.payloads.Send(endpointIDs, p)
}

// CancelPayload cancels an in-flight send or receive by payload id.
func (s *Session) CancelPayload(payloadID int64) error {
	return s.payloads.Cancel(payloadID)
}

// DisconnectFromEndpoint tears down a connected or pending endpoint.
func (s *Session) DisconnectFromEndpoint(endpointID string) {
	s.handler.DisconnectFromEndpoint(endpointID)
}

// Stop halts advertising, discovery, every registered endpoint's
// reader/keep-alive loops, and the callback relay goroutines.
func (s *Session) Stop() {
	s.handler.Stop()
	s.mgr.Halt()
	s.mu.Lock()
	relays := s.relays
	s.relays = nil
	s.mu.Unlock()
	for _, r := range relays {
		r.closeRelay()
	}
}

// relayConnectionListener wraps listener so every callback is delivered
// through an unbounded buffered queue (gopkg.in/eapache/channels.v1's
// InfiniteChannel), the same decoupling pattern client2/arq.go uses
// between its retransmit queue producer and the connection's send loop:
// the Pcp handler's own serial executor must never block on application
// callback code.
func relayConnectionListener(listener pcp.ConnectionListener) pcp.ConnectionListener {
	if listener == nil {
		return pcp.NoopConnectionListener{}
	}
	r := &connRelay{listener: listener, q: channels.NewInfiniteChannel()}
	go r.drain()
	return r
}

type connEvent struct {
	kind       string
	endpointID string
	authToken  string
	isOutgoing bool
	status     pcp.Status
	quality    int
}

type connRelay struct {
	listener pcp.ConnectionListener
	q        *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool
}

// send enqueues ev unless the relay was already shut down; a late callback
// from a still-draining reader goroutine is dropped rather than panicking
// on the closed queue. In never blocks (the queue is unbounded), so holding
// the mutex across it is safe.
func (r *connRelay) send(ev connEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.q.In() <- ev
}

func (r *connRelay) drain() {
	for v := range r.q.Out() {
		ev := v.(connEvent)
		switch ev.kind {
		case "initiated":
			r.listener.Initiated(ev.endpointID, ev.authToken, ev.isOutgoing)
		case "accepted":
			r.listener.Accepted(ev.endpointID)
		case "rejected":
			r.listener.Rejected(ev.endpointID, ev.status)
		case "disconnected":
			r.listener.Disconnected(ev.endpointID)
		case "bandwidth":
			r.listener.BandwidthChanged(ev.endpointID, ev.quality)
		}
	}
}

func (r *connRelay) closeRelay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.q.Close()
}

func (r *connRelay) Initiated(endpointID, authToken string, isOutgoing bool) {
	r.send(connEvent{kind: "initiated", endpointID: endpointID, authToken: authToken, isOutgoing: isOutgoing})
}
func (r *connRelay) Accepted(endpointID string) {
	r.send(connEvent{kind: "accepted", endpointID: endpointID})
}
func (r *connRelay) Rejected(endpointID string, status pcp.Status) {
	r.send(connEvent{kind: "rejected", endpointID: endpointID, status: status})
}
func (r *connRelay) Disconnected(endpointID string) {
	r.send(connEvent{kind: "disconnected", endpointID: endpointID})
}
func (r *connRelay) BandwidthChanged(endpointID string, quality int) {
	r.send(connEvent{kind: "bandwidth", endpointID: endpointID, quality: quality})
}

// relayDiscoveryListener is connRelay's counterpart for DiscoveryListener.
func relayDiscoveryListener(listener pcp.DiscoveryListener) pcp.DiscoveryListener {
	if listener == nil {
		return pcp.NoopDiscoveryListener{}
	}
	r := &discRelay{listener: listener, q: channels.NewInfiniteChannel()}
	go r.drain()
	return r
}

type discEvent struct {
	kind         string
	endpointID   string
	endpointInfo []byte
	serviceID    string
}

type discRelay struct {
	listener pcp.DiscoveryListener
	q        *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool
}

func (r *discRelay) send(ev discEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.q.In() <- ev
}

func (r *discRelay) drain() {
	for v := range r.q.Out() {
		ev := v.(discEvent)
		switch ev.kind {
		case "found":
			r.listener.EndpointFound(ev.endpointID, ev.endpointInfo, ev.serviceID)
		case "lost":
			r.listener.EndpointLost(ev.endpointID)
		case "distance":
			r.listener.EndpointDistanceChanged(ev.endpointID, ev.endpointInfo)
		}
	}
}

func (r *discRelay) closeRelay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.q.Close()
}

func (r *discRelay) EndpointFound(endpointID string, endpointInfo []byte, serviceID string) {
	r.send(discEvent{kind: "found", endpointID: endpointID, endpointInfo: endpointInfo, serviceID: serviceID})
}
func (r *discRelay) EndpointLost(endpointID string) {
	r.send(discEvent{kind: "lost", endpointID: endpointID})
}
func (r *discRelay) EndpointDistanceChanged(endpointID string, info []byte) {
	r.send(discEvent{kind: "distance", endpointID: endpointID, endpointInfo: info})
}
