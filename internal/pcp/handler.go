package pcp

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/gofrs/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/handshake"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/metrics"
	"github.com/nearbycore/connections/internal/payload"
	"github.com/nearbycore/connections/internal/upgrade"
	"github.com/nearbycore/connections/internal/wire"
	"github.com/nearbycore/connections/internal/worker"
)

var log = logging.MustGetLogger("pcp")

// Handler is the P2P control-point state machine: advertising, discovery
// with medium priority, request/accept/reject, endpoint dedup across
// mediums, and authentication-token exchange. All registry mutations run
// on a single serial executor goroutine driving every state transition
// through a command channel.
type Handler struct {
	worker.Worker

	localID  string
	identity *crypto.Identity

	mgr              *endpoint.Manager
	mediums          map[medium.Tag]medium.Medium
	priority         []medium.Tag
	handshakeTimeout time.Duration
	keepAliveInterval, keepAliveTimeout time.Duration
	payloads         *payload.Engine

	upgrades        *upgrade.Manager
	upgradePriority []medium.Tag

	cmds chan func(*state)
}

type state struct {
	serviceID   string
	advertising bool
	advCancel   context.CancelFunc
	localInfo   []byte
	connListener ConnectionListener

	discovering bool
	discCancel  context.CancelFunc
	discListener DiscoveryListener
	discovered   *discoverySet

	pending map[string]*PendingConnection
}

// NewHandler constructs a Handler for one client session. localID is this
// device's 4-byte printable-ASCII endpoint id for the session's lifetime.
// upgradeMediums/upgradePriority name the higher-bandwidth mediums a
// ConnectionOptions.AutoUpgrade request may swap a stable connection onto;
// either may be nil/empty for a session that never upgrades.
func NewHandler(localID string, mgr *endpoint.Manager, identity *crypto.Identity, mediums map[medium.Tag]medium.Medium, priority []medium.Tag, upgradeMediums map[medium.Tag]medium.Medium, upgradePriority []medium.Tag, handshakeTimeout, keepAliveInterval, keepAliveTimeout time.Duration, payloads *payload.Engine) *Handler {
	h := &Handler{
		localID:           localID,
		identity:          identity,
		mgr:               mgr,
		mediums:           mediums,
		priority:          priority,
		handshakeTimeout:  handshakeTimeout,
		keepAliveInterval: keepAliveInterval,
		keepAliveTimeout:  keepAliveTimeout,
		payloads:          payloads,
		upgradePriority:   upgradePriority,
		cmds:              make(chan func(*state), 64),
	}
	h.upgrades = upgrade.NewManager(localID, mgr, upgradeMediums, identity, &upgradeListenerAdapter{h: h})

	st := &state{
		pending:    make(map[string]*PendingConnection),
		discovered: newDiscoverySet(priority),
	}
	h.Go(func() {
		for {
			select {
			case fn := <-h.cmds:
				fn(st)
			case <-h.HaltCh():
				if st.advCancel != nil {
					st.advCancel()
				}
				if st.discCancel != nil {
					st.discCancel()
				}
				return
			}
		}
	})

	mgr.RegisterProcessor(wire.KindConnectionRequest, h)
	mgr.RegisterProcessor(wire.KindConnectionResponse, h)
	mgr.RegisterProcessor(wire.KindDisconnection, h)
	return h
}

func (h *Handler) exec(fn func(*state)) {
	done := make(chan struct{})
	select {
	case h.cmds <- func(st *state) {
		fn(st)
		close(done)
	}:
		select {
		case <-done:
		case <-h.HaltCh():
		}
	case <-h.HaltCh():
	}
}

// StartAdvertising makes this session discoverable under serviceID on
// every medium in priority order, arming Accept on each so inbound
// connections can be handshaken.
func (h *Handler) StartAdvertising(serviceID string, localInfo []byte, listener ConnectionListener) Status {
	var status Status
	h.exec(func(st *state) {
		if st.advertising {
			status = StatusAlreadyAdvertising
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		st.serviceID = serviceID
		st.localInfo = localInfo
		st.connListener = listener
		st.advertising = true
		st.advCancel = cancel

		for _, tag := range h.priority {
			m, ok := h.mediums[tag]
			if !ok {
				continue
			}
			if err := m.Advertise(ctx, serviceID, h.localID, localInfo); err != nil {
				log.Warningf("advertise on %s failed: %v", tag, err)
				continue
			}
			go h.acceptLoop(ctx, m, tag)
		}
		status = StatusSuccess
	})
	return status
}

// StopAdvertising cancels every Advertise call started by StartAdvertising.
func (h *Handler) StopAdvertising() {
	h.exec(func(st *state) {
		if st.advCancel != nil {
			st.advCancel()
		}
		st.advertising = false
		st.advCancel = nil
	})
}

// acceptLoop runs for as long as m.Advertise is active, handshaking each
// inbound RawChannel as the responder and surfacing it through
// OnConnectionInitiated once the ConnectionRequest frame arrives.
func (h *Handler) acceptLoop(ctx context.Context, m medium.Medium, tag medium.Tag) {
	for {
		raw, err := m.Accept(ctx)
		if err != nil {
			return
		}
		go h.handleIncoming(ctx, raw, tag)
	}
}

func (h *Handler) handleIncoming(ctx context.Context, raw medium.RawChannel, tag medium.Tag) {
	// The remote endpoint id is not yet known at the transport layer; use a
	// provisional id for the handshake and rename once the ConnectionRequest
	// frame reveals it. This side accepted via Advertise/Accept, so it
	// always plays the UKEY2 responder (see the matching note in
	// RequestConnection).
	provisionalID := provisionalEndpointID()
	ch, result, err := handshake.Run(ctx, provisionalID, tag, raw, handshake.RoleResponder, h.handshakeTimeout)
	if err != nil {
		log.Warningf("incoming handshake failed: %v", err)
		return
	}

	frame, err := ch.ReadFrame()
	if err != nil || frame.Kind != wire.KindConnectionRequest || frame.ConnectionRequest == nil {
		log.Warningf("incoming connection: expected ConnectionRequest, got err=%v", err)
		ch.Close()
		return
	}
	req := frame.ConnectionRequest
	remoteID := req.EndpointID

	var localInfo []byte
	var connListener ConnectionListener
	dropIncoming := false
	h.exec(func(s *state) {
		localInfo = s.localInfo
		connListener = s.connListener
		existing, exists := s.pending[remoteID]
		if !exists {
			return
		}
		if !existing.IsOutgoing {
			dropIncoming = true
			return
		}
		// Both sides called RequestConnection against each other at once.
		// The lexicographically smaller endpoint id becomes the UKEY2
		// responder ("server") side: it backs its own dial off in favor of
		// this inbound connection, while the larger id drops the inbound
		// one and keeps its outgoing dial as the initiator.
		if h.localID > remoteID {
			dropIncoming = true
			return
		}
		existing.Cancel()
		delete(s.pending, remoteID)
	})
	if dropIncoming {
		ch.Close()
		return
	}

	keepAliveInterval := h.keepAliveInterval
	if req.KeepAliveIntervalMs > 0 {
		keepAliveInterval = time.Duration(req.KeepAliveIntervalMs) * time.Millisecond
	}
	keepAliveTimeout := h.keepAliveTimeout
	if req.KeepAliveTimeoutMs > 0 {
		keepAliveTimeout = time.Duration(req.KeepAliveTimeoutMs) * time.Millisecond
	}
	// The channel was handshaken under a provisional id; re-key it to the
	// remote's real endpoint id before the manager starts routing frames.
	ch.EndpointID = remoteID
	if err := h.mgr.Register(ch, keepAliveInterval, keepAliveTimeout); err != nil {
		log.Warningf("register incoming endpoint %s: %v", remoteID, err)
		ch.Close()
		return
	}

	token, err := generateAuthToken()
	if err != nil {
		h.mgr.Unregister(remoteID)
		return
	}

	pc := newPendingConnection(remoteID, false)
	pc.RemoteInfo = req.EndpointInfo
	pc.LocalInfo = localInfo
	pc.RawAuthToken = token
	correlationID, _ := uuid.NewV4()
	log.Debugf("incoming connection %s correlation=%s verification=%x", remoteID, correlationID, result.VerificationString)

	h.exec(func(s *state) { s.pending[remoteID] = pc })

	if connListener != nil {
		connListener.Initiated(remoteID, string(token), false)
	}
}

// StartDiscovery begins scanning serviceID on every medium in priority
// order.
func (h *Handler) StartDiscovery(serviceID string, listener DiscoveryListener) Status {
	var status Status
	h.exec(func(st *state) {
		if st.discovering {
			status = StatusAlreadyDiscovering
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		st.discovering = true
		st.discCancel = cancel
		st.discListener = listener
		if st.discovered == nil {
			st.discovered = newDiscoverySet(h.priority)
		}

		for _, tag := range h.priority {
			m, ok := h.mediums[tag]
			if !ok {
				continue
			}
			found := make(chan medium.DiscoveredPeer, 16)
			if err := m.Scan(ctx, serviceID, found); err != nil {
				log.Warningf("scan on %s failed: %v", tag, err)
				continue
			}
			go h.scanLoop(ctx, tag, serviceID, found)
		}
		status = StatusSuccess
	})
	return status
}

// StopDiscovery cancels every Scan call started by StartDiscovery and
// drops the discovered-endpoint set. A later RequestConnection therefore
// has no discovered primary medium to try first and dials its allowed
// mediums directly; it does not return EndpointUnknown.
func (h *Handler) StopDiscovery() {
	h.exec(func(st *state) {
		if st.discCancel != nil {
			st.discCancel()
		}
		st.discovering = false
		st.discCancel = nil
		st.discovered = newDiscoverySet(h.priority)
	})
}

func (h *Handler) scanLoop(ctx context.Context, tag medium.Tag, serviceID string, found <-chan medium.DiscoveredPeer) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer, ok := <-found:
			if !ok {
				return
			}
			if peer.Lost {
				h.onLost(peer.EndpointID, tag)
				continue
			}
			h.onFound(serviceID, peer, tag)
		}
	}
}

func (h *Handler) onFound(serviceID string, peer medium.DiscoveredPeer, tag medium.Tag) {
	h.exec(func(st *state) {
		if !st.discovering {
			return
		}
		e := DiscoveredEndpoint{
			EndpointID:   peer.EndpointID,
			EndpointInfo: peer.EndpointInfo,
			ServiceID:    serviceID,
			MediumTag:    uint8(tag),
		}
		isFirst := st.discovered.Insert(e)
		if isFirst && st.discListener != nil {
			st.discListener.EndpointFound(e.EndpointID, e.EndpointInfo, e.ServiceID)
		}
	})
}

// onLost is invoked when a medium driver reports (via a DiscoveredPeer with
// Lost set on its Scan channel) that it no longer sees endpointID. Losing
// one medium does not by itself emit EndpointLost to the caller; only once
// every medium has lost the id does the dedup rule in discoverySet.Remove
// fire it.
func (h *Handler) onLost(endpointID string, tag medium.Tag) {
	h.exec(func(st *state) {
		isLast := st.discovered.Remove(endpointID, tag)
		if isLast && st.discListener != nil {
			st.discListener.EndpointLost(endpointID)
		}
	})
}

// InjectEndpoint bypasses discovery and installs a synthetic
// DiscoveredEndpoint for endpointID on tag. oobMetadata is not stored with
// it: a following RequestConnection passes its own
// ConnectionOptions.OOBMetadata to Medium.Connect. Connection then proceeds
// as normal, with the injected medium tried first.
func (h *Handler) InjectEndpoint(serviceID, endpointID string, endpointInfo []byte, tag medium.Tag, oobMetadata []byte) Status {
	h.exec(func(st *state) {
		e := DiscoveredEndpoint{
			EndpointID:   endpointID,
			EndpointInfo: endpointInfo,
			ServiceID:    serviceID,
			MediumTag:    uint8(tag),
		}
		isFirst := st.discovered.Insert(e)
		if isFirst && st.discListener != nil {
			st.discListener.EndpointFound(e.EndpointID, e.EndpointInfo, e.ServiceID)
		}
	})
	return StatusSuccess
}

// RequestConnection initiates an outgoing connection attempt to
// endpointID, trying every allowed medium in priority order until one
// yields a channel, running the UKEY2 handshake, and exchanging
// ConnectionRequest frames. listener receives this connection's lifecycle
// callbacks; a nil listener falls back to the session-wide one installed
// by StartAdvertising.
func (h *Handler) RequestConnection(ctx context.Context, endpointID string, localInfo []byte, opts ConnectionOptions, listener ConnectionListener) Status {
	if err := opts.Validate(); err != nil {
		return StatusError
	}

	pc := newPendingConnection(endpointID, true)
	pc.LocalInfo = localInfo
	pc.AutoUpgrade = opts.AutoUpgrade
	pc.Listener = listener

	var alreadyPending bool
	var primary DiscoveredEndpoint
	var havePrimary bool
	h.exec(func(s *state) {
		if _, exists := s.pending[endpointID]; exists {
			alreadyPending = true
			return
		}
		s.pending[endpointID] = pc
		if s.discovered != nil {
			primary, havePrimary = s.discovered.Primary(endpointID)
		}
	})
	if alreadyPending {
		return StatusOutOfOrderApiCall
	}

	allowed := opts.AllowedMediums
	if len(allowed) == 0 {
		for _, t := range h.priority {
			allowed = append(allowed, uint8(t))
		}
	}
	// InjectEndpoint/discovery may have already identified this endpoint's
	// highest-priority medium; try it ahead of the rest of the allowed list.
	if havePrimary {
		allowed = moveToFront(allowed, primary.MediumTag)
	}

	var raw medium.RawChannel
	var usedTag, lastFailedTag medium.Tag
	var lastErr error
	for _, tagVal := range allowed {
		tag := medium.Tag(tagVal)
		m, ok := h.mediums[tag]
		if !ok {
			continue
		}
		if pc.Canceled() {
			h.failPending(endpointID, pc, StatusError)
			return StatusError
		}
		ch, err := m.Connect(ctx, endpointID, opts.OOBMetadata)
		if err != nil {
			lastErr = err
			lastFailedTag = tag
			continue
		}
		raw, usedTag = ch, tag
		break
	}
	if raw == nil {
		status := mediumErrorStatus(lastFailedTag, lastErr)
		h.failPending(endpointID, pc, status)
		return status
	}

	// The side that dials (this call) is always the UKEY2 initiator and the
	// side that accepted via Advertise/Accept is always the responder. The
	// smaller-id-is-responder tie-break is applied at handleIncoming's
	// dedup step instead of here: when both endpoints call
	// RequestConnection against each other, the smaller id's dial is the
	// one that gets superseded in favor of its inbound connection (see the
	// comment there).
	ch, result, err := handshake.Run(ctx, endpointID, usedTag, raw, handshake.RoleInitiator, h.handshakeTimeout)
	if err != nil {
		h.failPending(endpointID, pc, StatusConnectionRejected)
		return StatusConnectionRejected
	}

	if pc.Canceled() {
		ch.Close()
		h.failPending(endpointID, pc, StatusError)
		return StatusError
	}

	keepAliveInterval := h.keepAliveInterval
	if opts.KeepAliveIntervalMs > 0 {
		keepAliveInterval = time.Duration(opts.KeepAliveIntervalMs) * time.Millisecond
	}
	keepAliveTimeout := h.keepAliveTimeout
	if opts.KeepAliveTimeoutMs > 0 {
		keepAliveTimeout = time.Duration(opts.KeepAliveTimeoutMs) * time.Millisecond
	}
	if err := h.mgr.Register(ch, keepAliveInterval, keepAliveTimeout); err != nil {
		ch.Close()
		h.failPending(endpointID, pc, StatusError)
		return StatusError
	}

	token, err := generateAuthToken()
	if err != nil {
		h.mgr.Unregister(endpointID)
		h.failPending(endpointID, pc, StatusError)
		return StatusError
	}
	pc.RawAuthToken = token
	correlationID, _ := uuid.NewV4()
	log.Debugf("outgoing connection %s correlation=%s verification=%x", endpointID, correlationID, result.VerificationString)

	supported := make([]string, 0, len(h.priority))
	for _, t := range h.priority {
		supported = append(supported, t.String())
	}
	req := &wire.OfflineFrame{
		Kind: wire.KindConnectionRequest,
		ConnectionRequest: &wire.ConnectionRequestFrame{
			EndpointID:          h.localID,
			EndpointInfo:        localInfo,
			SupportedMediums:    supported,
			KeepAliveIntervalMs: opts.KeepAliveIntervalMs,
			KeepAliveTimeoutMs:  opts.KeepAliveTimeoutMs,
		},
	}
	if err := ch.WriteFrame(req); err != nil {
		h.mgr.Unregister(endpointID)
		h.failPending(endpointID, pc, StatusEndpointIoError)
		return StatusEndpointIoError
	}

	var initiatedListener ConnectionListener
	h.exec(func(s *state) { initiatedListener = listenerFor(s, pc) })
	if initiatedListener != nil {
		initiatedListener.Initiated(endpointID, string(token), true)
	}
	return StatusSuccess
}

// listenerFor resolves the effective ConnectionListener for pc: the
// per-connection one supplied to RequestConnection when set, the
// session-wide one otherwise. Callers invoke it on the serial executor.
func listenerFor(st *state, pc *PendingConnection) ConnectionListener {
	if pc != nil && pc.Listener != nil {
		return pc.Listener
	}
	return st.connListener
}

// moveToFront reorders allowed so tag is tried first, preserving the
// relative order of everything else. tag is appended if not already present.
func moveToFront(allowed []uint8, tag uint8) []uint8 {
	out := make([]uint8, 0, len(allowed)+1)
	out = append(out, tag)
	for _, t := range allowed {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

func mediumErrorStatus(tag medium.Tag, err error) Status {
	if err == nil {
		return StatusError
	}
	switch tag {
	case medium.TagBluetoothClassic:
		return StatusBluetoothError
	case medium.TagBLE:
		return StatusBleError
	case medium.TagWifiLAN:
		return StatusWifiLanError
	default:
		return StatusError
	}
}

// failPending removes pc from the pending table and surfaces Rejected. If
// the table now holds a different PendingConnection for this id (the
// simultaneous-dial tie-break superseded pc with an inbound attempt), the
// newer attempt is left alone and no callback fires.
func (h *Handler) failPending(endpointID string, pc *PendingConnection, status Status) {
	var listener ConnectionListener
	superseded := false
	h.exec(func(s *state) {
		if cur, ok := s.pending[endpointID]; ok && cur != pc {
			superseded = true
			return
		}
		delete(s.pending, endpointID)
		listener = listenerFor(s, pc)
	})
	if superseded {
		return
	}
	metrics.ConnectionsRejected.WithLabelValues(status.String()).Inc()
	if listener != nil {
		listener.Rejected(endpointID, status)
	}
}

// AcceptConnection records this side's local acceptance of endpointID's
// pending connection, registering listener for payload delivery on it.
// The connection reaches State=connected only once both sides have
// accepted.
func (h *Handler) AcceptConnection(endpointID string, listener payload.Listener) Status {
	var status Status
	var becameConnected, autoUpgrade bool
	var connListener ConnectionListener
	h.exec(func(st *state) {
		pc, ok := st.pending[endpointID]
		if !ok || pc.State == PendingRejected || pc.State == PendingConnected || pc.State == PendingLocallyAccepted {
			status = StatusOutOfOrderApiCall
			return
		}
		switch pc.State {
		case PendingInitiated:
			pc.State = PendingLocallyAccepted
		case PendingRemotelyAccepted:
			pc.State = PendingConnected
			becameConnected = true
		}
		autoUpgrade = pc.IsOutgoing && pc.AutoUpgrade
		connListener = listenerFor(st, pc)
		status = StatusSuccess
	})
	if status != StatusSuccess {
		return status
	}

	if h.payloads != nil && listener != nil {
		h.payloads.SetListener(endpointID, listener)
	}

	// Send our accept decision as soon as we make it, whether or not the
	// peer has accepted yet: the transition to Connected on either side is
	// driven purely by receiving the other side's response frame, and each
	// side sends exactly one, right here.
	h.sendResponse(endpointID, true)
	if becameConnected {
		if ch := h.mgr.Channel(endpointID); ch != nil {
			metrics.ConnectionsEstablished.WithLabelValues(ch.Tag.String()).Inc()
		}
		if connListener != nil {
			connListener.Accepted(endpointID)
		}
		if autoUpgrade {
			go h.triggerAutoUpgrade(endpointID)
		}
	}
	return StatusSuccess
}

// RejectConnection records this side's rejection. Either side rejecting
// moves the PendingConnection to rejected and both sides observe
// Rejected exactly once. A prior local acceptance is not reversible, so a
// locally-accepted connection cannot be rejected afterwards.
func (h *Handler) RejectConnection(endpointID string) Status {
	var status Status
	var connListener ConnectionListener
	h.exec(func(st *state) {
		pc, ok := st.pending[endpointID]
		if !ok || pc.State == PendingRejected || pc.State == PendingConnected || pc.State == PendingLocallyAccepted {
			status = StatusOutOfOrderApiCall
			return
		}
		pc.State = PendingRejected
		connListener = listenerFor(st, pc)
		status = StatusSuccess
	})
	if status != StatusSuccess {
		return status
	}
	h.sendResponse(endpointID, false)
	metrics.ConnectionsRejected.WithLabelValues(StatusConnectionRejected.String()).Inc()
	if connListener != nil {
		connListener.Rejected(endpointID, StatusConnectionRejected)
	}
	h.mgr.Unregister(endpointID)
	h.exec(func(st *state) { delete(st.pending, endpointID) })
	return StatusSuccess
}

func (h *Handler) sendResponse(endpointID string, accept bool) {
	status := int32(StatusConnectionRejected)
	if accept {
		status = int32(StatusSuccess)
	}
	resp := &wire.OfflineFrame{
		Kind: wire.KindConnectionResponse,
		ConnectionResponse: &wire.ConnectionResponseFrame{
			Status: status,
		},
	}
	if err := h.mgr.SendFrame(endpointID, resp); err != nil {
		log.Warningf("send connection response to %s: %v", endpointID, err)
	}
}

// DisconnectFromEndpoint tears down a connected (or pending) endpoint.
func (h *Handler) DisconnectFromEndpoint(endpointID string) {
	h.mgr.SendFrame(endpointID, &wire.OfflineFrame{Kind: wire.KindDisconnection, Disconnection: &wire.DisconnectionFrame{}})
	var connListener ConnectionListener
	h.exec(func(st *state) {
		connListener = listenerFor(st, st.pending[endpointID])
		delete(st.pending, endpointID)
	})
	h.mgr.Unregister(endpointID)
	if connListener != nil {
		connListener.Disconnected(endpointID)
	}
}

// Stop halts advertising, discovery, any in-flight upgrade, and the
// handler's serial executor.
func (h *Handler) Stop() {
	h.StopAdvertising()
	h.StopDiscovery()
	if h.upgrades != nil {
		h.upgrades.Halt()
	}
	h.Halt()
}

// ProcessFrame implements endpoint.FrameProcessor for
// ConnectionRequest/ConnectionResponse/Disconnection frames arriving on an
// already-registered channel (e.g. a retried request, or the remote's
// accept/reject response).
func (h *Handler) ProcessFrame(endpointID string, frame *wire.OfflineFrame) {
	switch frame.Kind {
	case wire.KindConnectionResponse:
		h.onConnectionResponse(endpointID, frame.ConnectionResponse)
	case wire.KindDisconnection:
		h.onRemoteDisconnect(endpointID)
	case wire.KindConnectionRequest:
		// A duplicate request on an already-registered channel; ignored,
		// the initial request was already handled by handleIncoming.
	}
}

func (h *Handler) onConnectionResponse(endpointID string, resp *wire.ConnectionResponseFrame) {
	if resp == nil {
		return
	}
	var becameConnected, becameRejected, autoUpgrade bool
	var connListener ConnectionListener
	h.exec(func(st *state) {
		pc, ok := st.pending[endpointID]
		if !ok {
			return
		}
		connListener = listenerFor(st, pc)
		if Status(resp.Status) != StatusSuccess {
			pc.State = PendingRejected
			becameRejected = true
			return
		}
		switch pc.State {
		case PendingInitiated:
			pc.State = PendingRemotelyAccepted
		case PendingLocallyAccepted:
			pc.State = PendingConnected
			becameConnected = true
		}
		autoUpgrade = pc.IsOutgoing && pc.AutoUpgrade
	})
	if becameRejected {
		metrics.ConnectionsRejected.WithLabelValues(StatusConnectionRejected.String()).Inc()
		if connListener != nil {
			connListener.Rejected(endpointID, StatusConnectionRejected)
		}
		h.mgr.Unregister(endpointID)
		h.exec(func(st *state) { delete(st.pending, endpointID) })
		return
	}
	if becameConnected {
		if ch := h.mgr.Channel(endpointID); ch != nil {
			metrics.ConnectionsEstablished.WithLabelValues(ch.Tag.String()).Inc()
		}
		if connListener != nil {
			connListener.Accepted(endpointID)
		}
		if autoUpgrade {
			go h.triggerAutoUpgrade(endpointID)
		}
	}
}

func (h *Handler) onRemoteDisconnect(endpointID string) {
	var connListener ConnectionListener
	h.exec(func(st *state) {
		connListener = listenerFor(st, st.pending[endpointID])
		delete(st.pending, endpointID)
	})
	h.mgr.Unregister(endpointID)
	if connListener != nil {
		connListener.Disconnected(endpointID)
	}
}

// OnDisconnected implements endpoint.FrameProcessor: a channel torn down
// by the endpoint manager (IoError, keep-alive timeout) surfaces as a
// Disconnected callback the same way an explicit Disconnection frame does.
func (h *Handler) OnDisconnected(endpointID string) {
	var connListener ConnectionListener
	var wasPending bool
	h.exec(func(st *state) {
		if pc, ok := st.pending[endpointID]; ok {
			wasPending = true
			connListener = listenerFor(st, pc)
			delete(st.pending, endpointID)
		}
	})
	if wasPending && connListener != nil {
		connListener.Disconnected(endpointID)
	}
}

// triggerAutoUpgrade tries each upgrade-capable medium in priority order
// until one accepts the offer, for a connection whose requesting side set
// ConnectionOptions.AutoUpgrade. A medium the peer has no driver for, or
// that fails to dial, is skipped in favor of the next.
func (h *Handler) triggerAutoUpgrade(endpointID string) {
	if h.upgrades == nil {
		return
	}
	for _, tag := range h.upgradePriority {
		ctx, cancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
		err := h.upgrades.TriggerUpgrade(ctx, endpointID, tag)
		cancel()
		if err == nil {
			return
		}
		log.Debugf("auto-upgrade endpoint %s to %s: %v", endpointID, tag, err)
	}
}

// upgradeListenerAdapter forwards upgrade.Manager's BandwidthChanged
// callback into this session's ConnectionListener, converting the
// upgraded medium.Tag into the quality score the public API exposes. It
// lives here rather than in package upgrade to keep that package's only
// dependency arrow pointing at endpoint/medium, never at pcp.
type upgradeListenerAdapter struct {
	h *Handler
}

func (a *upgradeListenerAdapter) BandwidthChanged(endpointID string, tag medium.Tag) {
	var connListener ConnectionListener
	a.h.exec(func(st *state) { connListener = listenerFor(st, st.pending[endpointID]) })
	if connListener != nil {
		connListener.BandwidthChanged(endpointID, mediumQuality(tag))
	}
}

// mediumQuality ranks a medium's relative bandwidth class for the
// BandwidthChanged callback, highest first.
func mediumQuality(tag medium.Tag) int {
	switch tag {
	case medium.TagWifiLAN, medium.TagWifiDirect, medium.TagWifiHotspot:
		return 3
	case medium.TagWebRTC:
		return 2
	case medium.TagBluetoothClassic:
		return 1
	case medium.TagBLE:
		return 0
	default:
		return 0
	}
}

// provisionalEndpointID names an inbound channel before its
// ConnectionRequest frame reveals the remote's real 4-byte endpoint id.
// It is never shown to a caller: handleIncoming re-keys pending state
// under the real id as soon as the frame arrives.
func provisionalEndpointID() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var raw [4]byte
	rand.Read(raw[:])
	id := make([]byte, 4)
	for i, b := range raw {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(id)
}
