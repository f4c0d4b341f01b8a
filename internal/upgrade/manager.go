package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/metrics"
	"github.com/nearbycore/connections/internal/wire"
	"github.com/nearbycore/connections/internal/worker"
)

var log = logging.MustGetLogger("upgrade")

// State enumerates the per-endpoint sub-state-machine positions of spec
// §4.7.
type State uint8

const (
	StateStable State = iota
	StateNegotiating
	StateSwapping
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateNegotiating:
		return "negotiating"
	case StateSwapping:
		return "swapping"
	default:
		return "unknown"
	}
}

// ErrAlreadyInProgress is returned by TriggerUpgrade when endpointID already
// has a non-stable upgrade running.
var ErrAlreadyInProgress = errors.New("upgrade: already in progress for this endpoint")

// ErrUnsupportedMedium is returned by TriggerUpgrade for a target Tag this
// Manager has no Medium registered for.
var ErrUnsupportedMedium = errors.New("upgrade: no medium registered for target")

// Listener receives the quality-changed callback
// ConnectionListener.BandwidthChanged exposes. Defining it here (rather
// than importing package pcp) keeps the dependency arrow one-way: pcp
// depends on upgrade, never the reverse.
type Listener interface {
	BandwidthChanged(endpointID string, tag medium.Tag)
}

type upgradeState struct {
	mu        sync.Mutex
	state     State
	target    medium.Tag
	cancel    context.CancelFunc
	lastWrite chan struct{}
}

// Manager drives the bandwidth-upgrade sub-state machine: negotiating a
// higher-bandwidth medium once a connection is stable and
// atomically swapping the registered endpoint.Channel onto it without
// dropping in-flight payloads. It registers as an endpoint.FrameProcessor
// for BANDWIDTH_UPGRADE_NEGOTIATION frames the same way the Pcp handler and
// payload engine register for their own kinds.
type Manager struct {
	worker.Worker

	localID  string
	mgr      *endpoint.Manager
	mediums  map[medium.Tag]medium.Medium
	identity *crypto.Identity
	listener Listener

	mu     sync.Mutex
	states map[string]*upgradeState
}

// NewManager wires Manager to mgr and registers it as the
// BANDWIDTH_UPGRADE_NEGOTIATION frame processor. localID is this session's
// own endpoint id, the identity a reacting peer dials back with
// target.Connect once it decodes an upgrade offer. mediums should contain
// only the higher-bandwidth capability set (Wi-Fi LAN, Wi-Fi Direct, Wi-Fi
// Hotspot, WebRTC) a concrete upgrade target may use; listener may be nil.
func NewManager(localID string, mgr *endpoint.Manager, mediums map[medium.Tag]medium.Medium, identity *crypto.Identity, listener Listener) *Manager {
	m := &Manager{
		localID:  localID,
		mgr:      mgr,
		mediums:  mediums,
		identity: identity,
		listener: listener,
		states:   make(map[string]*upgradeState),
	}
	mgr.RegisterProcessor(wire.KindBandwidthUpgradeNegotiation, m)
	return m
}

func (m *Manager) stateFor(endpointID string) *upgradeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[endpointID]
	if !ok {
		st = &upgradeState{state: StateStable, lastWrite: make(chan struct{}, 1)}
		m.states[endpointID] = st
	}
	return st
}

// transition moves endpointID from from to to, returning false (and leaving
// the state untouched) if it was not in from.
func (st *upgradeState) transition(from, to State) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != from {
		return false
	}
	st.state = to
	return true
}

func (st *upgradeState) current() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

func (st *upgradeState) reset() {
	st.mu.Lock()
	st.state = StateStable
	st.target = TagNone
	select {
	case <-st.lastWrite:
	default:
	}
	st.mu.Unlock()
}

// TagNone is a sentinel for "no target medium currently tracked".
const TagNone = medium.TagUnknown

// TriggerUpgrade initiates an upgrade of endpointID's channel to targetTag
// (stable -> negotiating). The caller supplying targetTag is expected to be
// the side that decided auto-upgrade applies (ConnectionOptions.AutoUpgrade
// at the pcp layer); the other side reacts to the resulting
// upgrade_path_available frame.
func (m *Manager) TriggerUpgrade(ctx context.Context, endpointID string, targetTag medium.Tag) error {
	target, ok := m.mediums[targetTag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMedium, targetTag)
	}
	st := m.stateFor(endpointID)
	if !st.transition(StateStable, StateNegotiating) {
		return ErrAlreadyInProgress
	}
	st.mu.Lock()
	st.target = targetTag
	actx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.mu.Unlock()

	upgradeServiceID := "upg-" + endpointID
	if err := target.Advertise(actx, upgradeServiceID, m.localID, nil); err != nil {
		cancel()
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("path_test_fail", targetTag.String()).Inc()
		return fmt.Errorf("upgrade: advertise on %s: %w", targetTag, err)
	}

	offer := &wire.OfflineFrame{
		Kind: wire.KindBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &wire.BandwidthUpgradeNegotiationFrame{
			EventType:             wire.BandwidthUpgradePathAvailable,
			MediumSpecificPayload: encodeOfferPayload(targetTag, m.localID),
		},
	}
	if err := m.mgr.SendFrame(endpointID, offer); err != nil {
		cancel()
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("path_test_fail", targetTag.String()).Inc()
		return fmt.Errorf("upgrade: send offer: %w", err)
	}

	m.Go(func() { m.awaitAccept(actx, cancel, endpointID, target, targetTag, st) })
	return nil
}

// awaitAccept runs on the offering side: it waits for the peer to dial in
// on the newly advertised medium, runs the Noise_XX re-key as the responder
// (mirroring handshake.Run's "advertiser is always the responder"
// convention), and completes the swap.
func (m *Manager) awaitAccept(ctx context.Context, cancel context.CancelFunc, endpointID string, target medium.Medium, targetTag medium.Tag, st *upgradeState) {
	raw, err := target.Accept(ctx)
	cancel()
	if err != nil {
		log.Warningf("endpoint %s: upgrade accept on %s: %v", endpointID, targetTag, err)
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("path_test_fail", targetTag.String()).Inc()
		return
	}
	m.completeHandshakeAndSwap(endpointID, raw, targetTag, st, false /* isInitiator */)
}

// ProcessFrame implements endpoint.FrameProcessor. The reacting side (the
// one that did not call TriggerUpgrade) dials in on upgrade_path_available
// and runs the Noise_XX re-key as the initiator.
func (m *Manager) ProcessFrame(endpointID string, frame *wire.OfflineFrame) {
	bu := frame.BandwidthUpgrade
	if bu == nil {
		return
	}
	switch bu.EventType {
	case wire.BandwidthUpgradePathAvailable:
		m.onPathAvailable(endpointID, bu)
	case wire.BandwidthUpgradeLastWriteToPriorChannel:
		// The peer has stopped writing on the prior channel. Everything it
		// sent before this frame has already been delivered (the channel is
		// FIFO and this frame arrived after), so the waiting swap may
		// proceed without reordering in-flight payloads.
		st := m.stateFor(endpointID)
		select {
		case st.lastWrite <- struct{}{}:
		default:
		}
	default:
		// safe_to_close_prior_channel / client_introduction(_ack) are
		// exchanged over the freshly opened channel itself and consumed
		// synchronously by completeHandshakeAndSwap's own read calls, not
		// by this dispatch path. No-op here.
	}
}

func (m *Manager) onPathAvailable(endpointID string, bu *wire.BandwidthUpgradeNegotiationFrame) {
	tag, dialID, err := decodeOfferPayload(bu.MediumSpecificPayload)
	if err != nil {
		log.Warningf("endpoint %s: malformed upgrade offer: %v", endpointID, err)
		return
	}
	target, ok := m.mediums[tag]
	if !ok {
		// We have no driver for the offered medium: veto by doing nothing,
		// which leaves the offering side's Accept call to eventually time
		// out via its own ctx.
		return
	}
	st := m.stateFor(endpointID)
	if !st.transition(StateStable, StateNegotiating) {
		return
	}
	st.mu.Lock()
	st.target = tag
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	st.cancel = cancel
	st.mu.Unlock()

	m.Go(func() {
		defer cancel()
		raw, err := target.Connect(ctx, dialID, nil)
		if err != nil {
			log.Warningf("endpoint %s: upgrade dial on %s: %v", endpointID, tag, err)
			st.reset()
			metrics.UpgradeOutcomes.WithLabelValues("path_test_fail", tag.String()).Inc()
			return
		}
		m.completeHandshakeAndSwap(endpointID, raw, tag, st, true /* isInitiator */)
	})
}

const (
	dialTimeout  = 10 * time.Second
	drainTimeout = 3 * time.Second
)

// encodeOfferPayload/decodeOfferPayload pack the offered medium's Tag and
// the offering side's own endpoint id (what the reacting side must pass as
// Medium.Connect's endpointID to dial back in) into one opaque byte string,
// the MediumSpecificPayload of a BandwidthUpgradeNegotiationFrame. A
// concrete driver with richer connect parameters (Wi-Fi SSID/passphrase/
// IP:port) would extend this encoding; the dial id is the only piece every
// Medium implementation needs.
func encodeOfferPayload(tag medium.Tag, dialID string) []byte {
	out := make([]byte, 1+len(dialID))
	out[0] = byte(tag)
	copy(out[1:], dialID)
	return out
}

func decodeOfferPayload(b []byte) (medium.Tag, string, error) {
	if len(b) < 1 {
		return 0, "", fmt.Errorf("upgrade: empty offer payload")
	}
	return medium.Tag(b[0]), string(b[1:]), nil
}

// completeHandshakeAndSwap runs negotiating -> swapping -> stable: the
// Noise_XX re-key over raw, the client-introduction liveness check on the
// new channel, the old channel's drain-and-close handoff
// (last-write/safe-to-close over the old channel), and finally
// endpoint.Manager.SwapChannel.
func (m *Manager) completeHandshakeAndSwap(endpointID string, raw medium.RawChannel, tag medium.Tag, st *upgradeState, isInitiator bool) {
	outbound, inbound, err := runNoiseXX(raw, m.identity, isInitiator)
	if err != nil {
		log.Warningf("endpoint %s: upgrade handshake on %s: %v", endpointID, tag, err)
		raw.Close()
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("path_test_fail", tag.String()).Inc()
		return
	}

	if !st.transition(StateNegotiating, StateSwapping) {
		raw.Close()
		return
	}

	newCh := endpoint.New(endpointID, tag, raw)
	newCh.EnableEncryption(outbound, inbound)

	// The dialing side (isInitiator) writes ClientIntroduction first and
	// then waits for the ack; the accepting side reads it first and then
	// acks. Both sides writing before either reads would deadlock on a
	// synchronous transport.
	introduce := func() error {
		return newCh.WriteFrame(&wire.OfflineFrame{
			Kind: wire.KindBandwidthUpgradeNegotiation,
			BandwidthUpgrade: &wire.BandwidthUpgradeNegotiationFrame{
				EventType:             wire.BandwidthUpgradeClientIntroduction,
				MediumSpecificPayload: []byte(endpointID),
			},
		})
	}
	ack := func() error {
		return newCh.WriteFrame(&wire.OfflineFrame{
			Kind: wire.KindBandwidthUpgradeNegotiation,
			BandwidthUpgrade: &wire.BandwidthUpgradeNegotiationFrame{
				EventType:             wire.BandwidthUpgradeClientIntroductionAck,
				MediumSpecificPayload: []byte(endpointID),
			},
		})
	}
	var introErr error
	if isInitiator {
		if introErr = introduce(); introErr == nil {
			_, introErr = newCh.ReadFrame()
		}
	} else {
		if _, introErr = newCh.ReadFrame(); introErr == nil {
			introErr = ack()
		}
	}
	if introErr != nil {
		log.Warningf("endpoint %s: upgrade introduction on %s: %v", endpointID, tag, introErr)
		newCh.Close()
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("channel_fail", tag.String()).Inc()
		return
	}

	// Signal last-write on the old channel, then pause it: no further
	// writes go out on it, but reads keep flowing so any frame already in
	// flight on the old medium is not dropped. The swap waits for the
	// peer's own last-write before closing the old channel, so both sides
	// observe a monotonic prefix followed by the new channel's prefix.
	if oldCh := m.mgr.Channel(endpointID); oldCh != nil {
		oldCh.WriteFrame(&wire.OfflineFrame{
			Kind: wire.KindBandwidthUpgradeNegotiation,
			BandwidthUpgrade: &wire.BandwidthUpgradeNegotiationFrame{
				EventType: wire.BandwidthUpgradeLastWriteToPriorChannel,
			},
		})
		oldCh.Pause()
		select {
		case <-st.lastWrite:
		case <-time.After(drainTimeout):
			log.Warningf("endpoint %s: peer never confirmed last-write on prior channel, swapping anyway", endpointID)
		}
	}

	if err := m.mgr.SwapChannel(endpointID, newCh); err != nil {
		log.Warningf("endpoint %s: upgrade swap: %v", endpointID, err)
		newCh.Close()
		st.reset()
		metrics.UpgradeOutcomes.WithLabelValues("channel_fail", tag.String()).Inc()
		return
	}

	metrics.UpgradeOutcomes.WithLabelValues("swapped", tag.String()).Inc()
	st.reset()
	if m.listener != nil {
		m.listener.BandwidthChanged(endpointID, tag)
	}
}

// OnDisconnected implements endpoint.FrameProcessor: an endpoint torn down
// mid-upgrade drops any in-flight negotiation for it.
func (m *Manager) OnDisconnected(endpointID string) {
	m.mu.Lock()
	st, ok := m.states[endpointID]
	delete(m.states, endpointID)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	st.mu.Unlock()
}

// CurrentState reports endpointID's sub-state, StateStable if untracked.
func (m *Manager) CurrentState(endpointID string) State {
	return m.stateFor(endpointID).current()
}
